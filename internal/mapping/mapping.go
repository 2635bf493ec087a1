// Package mapping implements the physical/virtual block bijection that
// backs a storage pool's copy-on-write accounting, and the point-in-time
// snapshot of that bijection.
package mapping

import (
	"errors"
	"fmt"

	"github.com/zfssim/zfssim/internal/device"
)

// ErrAlreadyMapped is returned by Enroll when either side of the requested
// binding is already in use.
var ErrAlreadyMapped = errors.New("mapping: already mapped")

// ErrMissing is returned by any lookup against an unmapped key.
var ErrMissing = errors.New("mapping: not mapped")

type physicalKey struct {
	dev   device.Device
	block int
}

// Table is a bijection between virtual block numbers and (device, physical
// block) pairs. Both directions are kept in sync so either can be queried
// or walked without a scan.
type Table struct {
	physicalToVirtual map[physicalKey]int
	virtualToPhysical map[int]physicalKey
}

// New returns an empty mapping table.
func New() *Table {
	return &Table{
		physicalToVirtual: make(map[physicalKey]int),
		virtualToPhysical: make(map[int]physicalKey),
	}
}

// Enroll binds a fresh virtual block to a fresh (device, physical block)
// pair. It fails ErrAlreadyMapped if either side is already bound.
func (t *Table) Enroll(dev device.Device, physicalBlock, virtualBlock int) error {
	if t.CheckVirtual(virtualBlock) {
		return fmt.Errorf("%w: virtual block %d", ErrAlreadyMapped, virtualBlock)
	}
	if t.CheckPhysical(dev, physicalBlock) {
		return fmt.Errorf("%w: physical block %d on %s", ErrAlreadyMapped, physicalBlock, dev)
	}
	key := physicalKey{dev: dev, block: physicalBlock}
	t.physicalToVirtual[key] = virtualBlock
	t.virtualToPhysical[virtualBlock] = key
	return nil
}

// Update rebinds an already-mapped virtual block to a new (device,
// physical block) pair, returning the device/block it was previously
// bound to. It fails ErrMissing if the virtual block isn't mapped, and
// ErrAlreadyMapped if the new physical slot is already in use.
func (t *Table) Update(virtualBlock int, newDev device.Device, newPhysicalBlock int) (device.Device, int, error) {
	old, ok := t.virtualToPhysical[virtualBlock]
	if !ok {
		return nil, 0, fmt.Errorf("%w: virtual block %d", ErrMissing, virtualBlock)
	}
	if t.CheckPhysical(newDev, newPhysicalBlock) {
		return nil, 0, fmt.Errorf("%w: physical block %d on %s", ErrAlreadyMapped, newPhysicalBlock, newDev)
	}
	newKey := physicalKey{dev: newDev, block: newPhysicalBlock}
	t.virtualToPhysical[virtualBlock] = newKey
	t.physicalToVirtual[newKey] = virtualBlock
	delete(t.physicalToVirtual, old)
	return old.dev, old.block, nil
}

// Unenroll clears a virtual block's binding on both sides. It fails
// ErrMissing if the virtual block isn't mapped.
func (t *Table) Unenroll(virtualBlock int) error {
	key, ok := t.virtualToPhysical[virtualBlock]
	if !ok {
		return fmt.Errorf("%w: virtual block %d", ErrMissing, virtualBlock)
	}
	delete(t.virtualToPhysical, virtualBlock)
	delete(t.physicalToVirtual, key)
	return nil
}

// UnenrollPhysical clears the binding owning (dev, physicalBlock) by
// forwarding to Unenroll on its virtual block.
func (t *Table) UnenrollPhysical(dev device.Device, physicalBlock int) error {
	vb, err := t.GetVirtual(dev, physicalBlock)
	if err != nil {
		return err
	}
	return t.Unenroll(vb)
}

// GetPhysical returns the (device, physical block) bound to virtualBlock.
func (t *Table) GetPhysical(virtualBlock int) (device.Device, int, error) {
	key, ok := t.virtualToPhysical[virtualBlock]
	if !ok {
		return nil, 0, fmt.Errorf("%w: virtual block %d", ErrMissing, virtualBlock)
	}
	return key.dev, key.block, nil
}

// GetVirtual returns the virtual block bound to (dev, physicalBlock).
func (t *Table) GetVirtual(dev device.Device, physicalBlock int) (int, error) {
	vb, ok := t.physicalToVirtual[physicalKey{dev: dev, block: physicalBlock}]
	if !ok {
		return 0, fmt.Errorf("%w: physical block %d on %s", ErrMissing, physicalBlock, dev)
	}
	return vb, nil
}

// CheckVirtual reports whether virtualBlock is bound.
func (t *Table) CheckVirtual(virtualBlock int) bool {
	_, ok := t.virtualToPhysical[virtualBlock]
	return ok
}

// CheckPhysical reports whether (dev, physicalBlock) is bound.
func (t *Table) CheckPhysical(dev device.Device, physicalBlock int) bool {
	_, ok := t.physicalToVirtual[physicalKey{dev: dev, block: physicalBlock}]
	return ok
}

// VirtualUsageSet returns the set of currently mapped virtual blocks.
func (t *Table) VirtualUsageSet() map[int]struct{} {
	out := make(map[int]struct{}, len(t.virtualToPhysical))
	for vb := range t.virtualToPhysical {
		out[vb] = struct{}{}
	}
	return out
}

// PhysicalUsageSets returns, per device, the set of physical blocks
// currently mapped on it.
func (t *Table) PhysicalUsageSets() map[device.Device]map[int]struct{} {
	out := make(map[device.Device]map[int]struct{})
	for key := range t.physicalToVirtual {
		if out[key.dev] == nil {
			out[key.dev] = make(map[int]struct{})
		}
		out[key.dev][key.block] = struct{}{}
	}
	return out
}

// Clone returns a deep, independent copy of the table: a mutation on one
// table is never observed through the other. This is what backs
// snapshot-as-deep-copy semantics.
func (t *Table) Clone() *Table {
	out := New()
	for key, vb := range t.physicalToVirtual {
		// Enroll panics on internal inconsistency only; a source table is
		// always internally consistent by construction.
		if err := out.Enroll(key.dev, key.block, vb); err != nil {
			panic(fmt.Errorf("mapping: clone of a consistent table failed: %w", err))
		}
	}
	return out
}
