package vdev

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zfssim/zfssim/internal/device"
)

// Mirror keeps identical content across all of its children.
type Mirror struct {
	*base
	blockSize int
	size      int
}

// NewMirror builds a mirrored vdev from children sharing both size and
// block size. It panics if either differs across children.
func NewMirror(name string, children []device.Device, logger zerolog.Logger) *Mirror {
	if len(children) == 0 {
		panic("vdev: mirror requires at least one child")
	}
	size := children[0].Size()
	bs := children[0].BlockSize()
	for _, c := range children {
		if c.Size() != size {
			panic("vdev: all mirror children must share a size")
		}
		if c.BlockSize() != bs {
			panic("vdev: all mirror children must share a block size")
		}
	}

	m := &Mirror{blockSize: bs, size: size}
	m.base = newBase(name, children, logger)
	return m
}

// BlockSize returns the shared child block size.
func (m *Mirror) BlockSize() int { return m.blockSize }

// Size returns the shared child size.
func (m *Mirror) Size() int { return m.size }

func (m *Mirror) numBlocks() int { return m.size / m.blockSize }

// WriteBlock writes to every online child, bringing offline children
// online first. If any write fails, the write intent is queued and the
// vdev transitions toward Faulted.
func (m *Mirror) WriteBlock(blockNumber int, data []byte) (bool, error) {
	return m.writeBlock(blockNumber, data, false)
}

func (m *Mirror) writeBlock(blockNumber int, data []byte, replay bool) (bool, error) {
	if len(data) != m.blockSize {
		return false, sizeMismatch(len(data), m.blockSize)
	}

	for _, c := range m.children {
		if c.State().Offline() {
			c.AttemptBringOnline()
		}
	}
	m.selfCheckState()

	allOK := true
	var firstErr error
	for _, c := range m.children {
		if !c.State().Online() {
			allOK = false
			if firstErr == nil {
				firstErr = device.ErrNotOnline
			}
			continue
		}
		ok, err := c.WriteBlock(blockNumber, data)
		if err != nil || !ok {
			allOK = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !allOK {
		m.logger.Error().Msgf("failed to write block %d to all children, vdev is faulted", blockNumber)
		m.enqueueIntent(blockNumber, data, replay)
		m.attemptStateUpdate(device.VirtualFaulted{})
		if firstErr == nil {
			firstErr = device.ErrNotOnline
		}
		return false, firstErr
	}
	return true, nil
}

// ReadBlock performs an integrity check on the block; if all replicas
// agree, it returns child 0's value deterministically. Otherwise it
// applies majority vote: a unique majority value is returned and every
// divergent child is marked faulted; if no unique majority exists, it
// fails with ErrCorruption.
func (m *Mirror) ReadBlock(blockNumber int) ([]byte, error) {
	reads, err := m.readAllChildren(blockNumber)
	if err != nil {
		return nil, err
	}

	if allEqual(reads) {
		return reads[0], nil
	}

	majority, divergent, unique := majorityVote(reads)
	if !unique {
		return nil, ErrCorruption
	}
	for _, idx := range divergent {
		if !m.children[idx].MarkFaulted() {
			panic(fmt.Errorf("%w: child %s", ErrFaultQuarantineFailed, m.children[idx]))
		}
	}
	return majority, nil
}

func (m *Mirror) readAllChildren(blockNumber int) ([][]byte, error) {
	reads := make([][]byte, len(m.children))
	for i, c := range m.children {
		data, err := c.ReadBlock(blockNumber)
		if err != nil {
			return nil, err
		}
		reads[i] = data
	}
	return reads, nil
}

func allEqual(reads [][]byte) bool {
	for _, r := range reads[1:] {
		if !bytes.Equal(r, reads[0]) {
			return false
		}
	}
	return true
}

// majorityVote finds the unique most-frequent value among reads. It
// returns the majority value, the indices of reads that diverge from it,
// and whether a unique majority exists.
func majorityVote(reads [][]byte) ([]byte, []int, bool) {
	type group struct {
		value   []byte
		members []int
	}
	var groups []*group
	for i, r := range reads {
		found := false
		for _, g := range groups {
			if bytes.Equal(g.value, r) {
				g.members = append(g.members, i)
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, &group{value: r, members: []int{i}})
		}
	}

	maxCount := 0
	for _, g := range groups {
		if len(g.members) > maxCount {
			maxCount = len(g.members)
		}
	}

	var winners []*group
	for _, g := range groups {
		if len(g.members) == maxCount {
			winners = append(winners, g)
		}
	}
	if len(winners) != 1 {
		return nil, nil, false
	}

	winner := winners[0]
	divergent := make([]int, 0, len(reads)-len(winner.members))
	for i := range reads {
		isMember := false
		for _, m := range winner.members {
			if m == i {
				isMember = true
				break
			}
		}
		if !isMember {
			divergent = append(divergent, i)
		}
	}
	return winner.value, divergent, true
}

// CheckIntegrity reads every child for blockNumber; if all agree, it
// returns true. Otherwise it marks the vdev faulted and attempts
// majority repair (only if repair is true); without repair, any
// disagreement returns false after marking the vdev faulted.
func (m *Mirror) CheckIntegrity(blockNumber int, repair bool) (bool, error) {
	reads, err := m.readAllChildren(blockNumber)
	if err != nil {
		return false, err
	}
	if allEqual(reads) {
		return true, nil
	}

	m.attemptStateUpdate(device.VirtualFaulted{})

	majority, divergent, unique := majorityVote(reads)
	if !unique {
		return false, nil
	}
	for _, idx := range divergent {
		if !m.children[idx].MarkFaulted() {
			panic(fmt.Errorf("%w: child %s", ErrFaultQuarantineFailed, m.children[idx]))
		}
	}
	if !repair {
		return false, nil
	}
	for _, idx := range divergent {
		if _, err := m.children[idx].WriteBlock(blockNumber, majority); err != nil {
			return false, err
		}
	}
	// Repair succeeds iff every child now reads the majority value.
	reads, err = m.readAllChildren(blockNumber)
	if err != nil {
		return false, err
	}
	return allEqual(reads), nil
}

// CheckAllIntegrity iterates every block index and returns true iff every
// block check returned true. A block read failure (e.g. a device taken
// offline mid-scrub) doesn't abort the scan: every block's error is
// joined so a caller sees the full set of affected blocks in one scrub
// pass rather than only the first.
func (m *Mirror) CheckAllIntegrity(repair bool) (bool, error) {
	ok := true
	var errs error
	for b := 0; b < m.numBlocks(); b++ {
		blockOK, err := m.CheckIntegrity(b, repair)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("block %d: %w", b, err))
			ok = false
			continue
		}
		if !blockOK {
			ok = false
		}
	}
	return ok, errs
}

// AttemptBringOnline brings every child online, self-checks, and drains
// queued write intents in FIFO order.
func (m *Mirror) AttemptBringOnline() bool {
	return m.attemptBringOnlineChildren(m.writeBlock)
}
