package vdev

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zfssim/zfssim/internal/device"
)

// Stripe concatenates its children's address spaces: logical block g maps
// to exactly one child and a local block number within it.
type Stripe struct {
	*base
	blockSize int
	size      int
	offsets   []int // offsets[i] = sum of preceding children's block counts
}

// NewStripe builds a striped vdev from children sharing a block size.
// It panics if the children's block sizes differ.
func NewStripe(name string, children []device.Device, logger zerolog.Logger) *Stripe {
	if len(children) == 0 {
		panic("vdev: stripe requires at least one child")
	}
	bs := children[0].BlockSize()
	for _, c := range children {
		if c.BlockSize() != bs {
			panic("vdev: all stripe children must share a block size")
		}
	}

	s := &Stripe{blockSize: bs}
	offsets := make([]int, 0, len(children))
	rolling := 0
	size := 0
	for _, c := range children {
		offsets = append(offsets, rolling)
		rolling += c.Size() / bs
		size += c.Size()
	}
	s.offsets = offsets
	s.size = size
	s.base = newBase(name, children, logger)
	return s
}

// BlockSize returns the shared child block size.
func (s *Stripe) BlockSize() int { return s.blockSize }

// Size returns the sum of the children's sizes.
func (s *Stripe) Size() int { return s.size }

func (s *Stripe) numBlocks() int { return s.size / s.blockSize }

// locate resolves a global block number to a child and its local block
// number, failing ErrOutOfRange.
func (s *Stripe) locate(blockNumber int) (device.Device, int, error) {
	if blockNumber < 0 || blockNumber >= s.numBlocks() {
		return nil, 0, fmt.Errorf("%w: block %d", device.ErrOutOfRange, blockNumber)
	}
	idx := len(s.offsets) - 1
	for i, off := range s.offsets {
		if blockNumber < off {
			idx = i - 1
			break
		}
	}
	return s.children[idx], blockNumber - s.offsets[idx], nil
}

// WriteBlock writes to the child that owns blockNumber. If the child is
// offline, it is brought online first; if it still cannot serve the
// write, the write is queued as an intent and the vdev transitions
// toward Faulted.
func (s *Stripe) WriteBlock(blockNumber int, data []byte) (bool, error) {
	return s.writeBlock(blockNumber, data, false)
}

func (s *Stripe) writeBlock(blockNumber int, data []byte, replay bool) (bool, error) {
	if len(data) != s.blockSize {
		return false, sizeMismatch(len(data), s.blockSize)
	}
	s.selfCheckState()

	child, local, err := s.locate(blockNumber)
	if err != nil {
		return false, err
	}

	if child.State().Offline() {
		ok := child.AttemptBringOnline()
		s.logger.Info().Msgf("attempted to bring child %s online, success: %v", child, ok)
	}
	if child.State().Online() {
		ok, err := child.WriteBlock(local, data)
		s.selfCheckState()
		return ok, err
	}

	s.enqueueIntent(blockNumber, data, replay)
	s.logger.Error().Msgf("failed to write block %d, child %s is not online", blockNumber, child)
	s.attemptStateUpdate(device.VirtualFaulted{})
	return false, device.ErrNotOnline
}

// ReadBlock reads from the child that owns blockNumber, bringing it
// online first if necessary.
func (s *Stripe) ReadBlock(blockNumber int) ([]byte, error) {
	child, local, err := s.locate(blockNumber)
	if err != nil {
		return nil, err
	}
	if child.State().Offline() {
		child.AttemptBringOnline()
	}
	if !child.State().Online() {
		return nil, device.ErrNotOnline
	}
	return child.ReadBlock(local)
}

// AttemptBringOnline brings every child online, self-checks, and drains
// queued write intents in FIFO order.
func (s *Stripe) AttemptBringOnline() bool {
	return s.attemptBringOnlineChildren(s.writeBlock)
}
