// Package pool implements the copy-on-write storage pool: the layer that
// turns a set of redundancy-providing vdevs into a flat virtual block
// address space with snapshotting.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zfssim/zfssim/internal/device"
	"github.com/zfssim/zfssim/internal/mapping"
)

// ErrPoolFull is returned when the allocator scans every block of the
// chosen vdev without finding a free one.
var ErrPoolFull = errors.New("pool: all blocks in use")

// Pool is a collection of vdevs presented as one flat virtual block
// address space, with copy-on-write semantics: overwriting a mapped
// virtual block allocates a fresh physical block rather than mutating the
// old one in place, so snapshots taken before the write keep reading the
// old data.
type Pool struct {
	// mu serializes every pool-level mutation and every read that walks
	// the mapping/snapshot list, per the single-exclusion-region model:
	// the engine itself is synchronous, but the exporter's metrics
	// collection and a background scrub both call into it concurrently
	// with foreground reads/writes.
	mu sync.Mutex

	name      string
	devices   []device.Device
	blockSize int
	size      int

	mapping   *mapping.Table
	snapshots []*mapping.Snapshot

	cursor []int // per-device next block to probe, indexed as devices

	logger zerolog.Logger
}

// New builds a pool from a set of vdevs that must all share a block size.
func New(name string, devices []device.Device, logger zerolog.Logger) (*Pool, error) {
	if len(devices) == 0 {
		return nil, errors.New("pool: requires at least one device")
	}
	bs := devices[0].BlockSize()
	size := 0
	for _, d := range devices {
		if d.BlockSize() != bs {
			return nil, errors.New("pool: all devices must share a block size")
		}
		size += d.Size()
	}
	return &Pool{
		name:      name,
		devices:   devices,
		blockSize: bs,
		size:      size,
		mapping:   mapping.New(),
		cursor:    make([]int, len(devices)),
		logger:    logger.With().Str("pool", name).Logger(),
	}, nil
}

func (p *Pool) numBlocks() int { return p.size / p.blockSize }

// GetBlockSize returns the pool's shared block size.
func (p *Pool) GetBlockSize() int { return p.blockSize }

// GetNumBlocks returns the total number of virtual blocks in the pool.
func (p *Pool) GetNumBlocks() int { return p.numBlocks() }

// Bytes2BlockCount returns ceil(n / block size).
func (p *Pool) Bytes2BlockCount(n int) int {
	return (n + p.blockSize - 1) / p.blockSize
}

// GetVirtualBlocksUsed returns the number of virtual blocks currently
// mapped in the active mapping.
func (p *Pool) GetVirtualBlocksUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mapping.VirtualUsageSet())
}

// reservedPhysicalBlocks returns, per device, the set of physical blocks
// reserved by the active mapping union every snapshot's mapping.
func (p *Pool) reservedPhysicalBlocks() map[device.Device]map[int]struct{} {
	reserved := make(map[device.Device]map[int]struct{}, len(p.devices))
	for _, d := range p.devices {
		reserved[d] = make(map[int]struct{})
	}
	merge := func(t *mapping.Table) {
		for d, blocks := range t.PhysicalUsageSets() {
			for b := range blocks {
				reserved[d][b] = struct{}{}
			}
		}
	}
	merge(p.mapping)
	for _, s := range p.snapshots {
		merge(s.Mapping())
	}
	return reserved
}

// allocate picks a fresh (device, physical block) pair: the device with
// the fewest reserved blocks (ties broken by the first device reached in
// devices' declared order), then a forward wrapping scan from that
// device's cursor for the first unreserved block.
func (p *Pool) allocate() (device.Device, int, error) {
	reserved := p.reservedPhysicalBlocks()

	minIdx := 0
	for i := 1; i < len(p.devices); i++ {
		if len(reserved[p.devices[i]]) < len(reserved[p.devices[minIdx]]) {
			minIdx = i
		}
	}
	target := p.devices[minIdx]
	blocksOnTarget := target.Size() / p.blockSize

	candidate := p.cursor[minIdx]
	for attempts := 0; attempts <= blocksOnTarget; attempts++ {
		if _, used := reserved[target][candidate]; !used {
			p.cursor[minIdx] = (candidate + 1) % blocksOnTarget
			return target, candidate, nil
		}
		candidate = (candidate + 1) % blocksOnTarget
	}
	return nil, 0, ErrPoolFull
}

func (p *Pool) activeOrSnapshot(snap *mapping.Snapshot) *mapping.Table {
	if snap != nil {
		return snap.Mapping()
	}
	return p.mapping
}

// WriteVirtualBlock allocates a fresh physical block for vb and points vb
// at it, leaving any prior physical slot alone (it stays reachable, and
// reserved, through whichever snapshots still map to it). This is the CoW
// step: the pool never overwrites a physical block that a snapshot might
// still be reading.
func (p *Pool) WriteVirtualBlock(vb int, data []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeVirtualBlock(vb, data)
}

func (p *Pool) writeVirtualBlock(vb int, data []byte) (bool, error) {
	if vb < 0 || vb >= p.numBlocks() {
		return false, fmt.Errorf("%w: virtual block %d", device.ErrOutOfRange, vb)
	}
	if len(data) != p.blockSize {
		return false, fmt.Errorf("%w: got %d want %d", device.ErrBadSize, len(data), p.blockSize)
	}

	newDev, newBlock, err := p.allocate()
	if err != nil {
		return false, err
	}
	ok, err := newDev.WriteBlock(newBlock, data)
	if err != nil || !ok {
		return false, err
	}

	if !p.mapping.CheckVirtual(vb) {
		if err := p.mapping.Enroll(newDev, newBlock, vb); err != nil {
			return false, err
		}
		return true, nil
	}

	oldDev, oldBlock, err := p.mapping.Update(vb, newDev, newBlock)
	if err != nil {
		return false, err
	}
	// The old slot is freed only from the active mapping's perspective;
	// Update already dropped it there. If no snapshot still references it,
	// it simply won't show up in the next reservedPhysicalBlocks() scan.
	_ = oldDev
	_ = oldBlock
	return true, nil
}

// ReadVirtualBlock reads vb from the active mapping, or from snap if
// given.
func (p *Pool) ReadVirtualBlock(vb int, snap *mapping.Snapshot) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readVirtualBlock(vb, snap)
}

func (p *Pool) readVirtualBlock(vb int, snap *mapping.Snapshot) ([]byte, error) {
	m := p.activeOrSnapshot(snap)
	if !m.CheckVirtual(vb) {
		return nil, fmt.Errorf("%w: virtual block %d", mapping.ErrMissing, vb)
	}
	dev, pb, err := m.GetPhysical(vb)
	if err != nil {
		return nil, err
	}
	return dev.ReadBlock(pb)
}

func (p *Pool) readVirtualBlocks(start, endInclusive int, snap *mapping.Snapshot) ([]byte, error) {
	var out []byte
	for vb := start; vb <= endInclusive; vb++ {
		data, err := p.readVirtualBlock(vb, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// ReadVirtualBlocks concatenates the blocks [start, endInclusive].
func (p *Pool) ReadVirtualBlocks(start, endInclusive int, snap *mapping.Snapshot) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readVirtualBlocks(start, endInclusive, snap)
}

// ReadVirtualBlocksByteCount reads ceil(n/BS) blocks starting at start and
// truncates the result to exactly n bytes.
func (p *Pool) ReadVirtualBlocksByteCount(start, n int, snap *mapping.Snapshot) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blocks := p.Bytes2BlockCount(n)
	data, err := p.readVirtualBlocks(start, start+blocks-1, snap)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// WriteVirtualBlocks zero-pads data up to a whole multiple of the block
// size, then writes it sequentially starting at start. Each block write
// is an independent CoW operation: a failing sub-write (e.g. the pool
// running out of free physical blocks partway through) does not stop
// the remaining blocks from being attempted. The return value is the
// AND of every per-block success; a hard error is only ever returned
// for something that invalidates the whole call, never for a single
// block's failure.
func (p *Pool) WriteVirtualBlocks(start int, data []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	padded := data
	if rem := len(data) % p.blockSize; rem != 0 {
		padded = make([]byte, len(data)+(p.blockSize-rem))
		copy(padded, data)
	}

	allOK := true
	for i := 0; i*p.blockSize < len(padded); i++ {
		chunk := padded[i*p.blockSize : (i+1)*p.blockSize]
		ok, err := p.writeVirtualBlock(start+i, chunk)
		if err != nil || !ok {
			allOK = false
		}
	}
	return allOK, nil
}

// FreeVirtualBlock unenrolls vb from the active mapping only; any
// snapshot still referencing its physical block keeps it reserved.
func (p *Pool) FreeVirtualBlock(vb int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapping.Unenroll(vb)
}

// CaptureSnapshot clones the active mapping and retains it as a snapshot.
func (p *Pool) CaptureSnapshot() *mapping.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := mapping.NewSnapshot(p.mapping)
	p.snapshots = append(p.snapshots, snap)
	return snap
}

// Snapshots returns the pool's retained snapshots.
func (p *Pool) Snapshots() []*mapping.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*mapping.Snapshot, len(p.snapshots))
	copy(out, p.snapshots)
	return out
}

// DeleteSnapshot drops s from the pool's snapshot list. Physical blocks
// that only s reserved become free the next time the allocator scans.
func (p *Pool) DeleteSnapshot(s *mapping.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.snapshots {
		if existing == s {
			p.snapshots = append(p.snapshots[:i], p.snapshots[i+1:]...)
			return
		}
	}
}

// GetUsageStats returns (active, snapshot-exclusive, free) block counts.
func (p *Pool) GetUsageStats() (active, snapshotExclusive, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	activeSet := p.mapping.VirtualUsageSet()
	snapshotUnion := make(map[int]struct{})
	for _, s := range p.snapshots {
		for vb := range s.Mapping().VirtualUsageSet() {
			snapshotUnion[vb] = struct{}{}
		}
	}
	exclusive := 0
	for vb := range snapshotUnion {
		if _, inActive := activeSet[vb]; !inActive {
			exclusive++
		}
	}
	total := p.numBlocks()
	return len(activeSet), exclusive, total - len(activeSet) - exclusive
}

// GetFullness returns the fraction of physical blocks reserved, across
// the active mapping and every snapshot.
func (p *Pool) GetFullness() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := 0
	for _, blocks := range p.reservedPhysicalBlocks() {
		used += len(blocks)
	}
	return float64(used) / float64(p.numBlocks())
}

// GetFreeBlockCount returns the number of physical blocks not reserved by
// the active mapping or any snapshot.
func (p *Pool) GetFreeBlockCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := 0
	for _, blocks := range p.reservedPhysicalBlocks() {
		used += len(blocks)
	}
	return p.numBlocks() - used
}
