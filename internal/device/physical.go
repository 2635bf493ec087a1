package device

import "fmt"

// Physical represents a physical disk that holds data with no redundancy:
// a fixed-size byte array partitioned into equal blocks.
type Physical struct {
	name      string
	size      int
	blockSize int
	data      []byte
	state     State
}

// NewPhysical creates a physical disk with the given size and block size.
// size must be a positive multiple of blockSize. It panics on violation:
// these are construction-time programmer errors, not runtime conditions.
func NewPhysical(name string, size, blockSize int) *Physical {
	if blockSize <= 0 {
		panic("device: block size must be positive")
	}
	if size <= 0 {
		panic("device: disk size must be positive")
	}
	if size%blockSize != 0 {
		panic("device: disk size must be a multiple of block size")
	}
	return &Physical{
		name:      name,
		size:      size,
		blockSize: blockSize,
		data:      make([]byte, size),
		state:     PhysicalOffline{},
	}
}

func (p *Physical) String() string { return p.name }

// Name returns the device's name.
func (p *Physical) Name() string { return p.name }

func (p *Physical) numBlocks() int { return p.size / p.blockSize }

func (p *Physical) inRange(blockNumber int) bool {
	return blockNumber >= 0 && blockNumber < p.numBlocks()
}

// ReadBlock reads the block at blockNumber, failing with ErrOutOfRange or
// ErrNotOnline. Only the Offline capability set (Offline, Disconnected,
// FaultedOffline) blocks I/O; a merely Faulted-but-reachable device still
// serves reads and writes, which is what lets the mirror integrity
// protocol rewrite and re-verify a faulted replica during repair.
func (p *Physical) ReadBlock(blockNumber int) ([]byte, error) {
	if !p.inRange(blockNumber) {
		return nil, fmt.Errorf("%w: block %d", ErrOutOfRange, blockNumber)
	}
	if p.state.Offline() {
		return nil, ErrNotOnline
	}
	start := blockNumber * p.blockSize
	out := make([]byte, p.blockSize)
	copy(out, p.data[start:start+p.blockSize])
	return out, nil
}

// WriteBlock overwrites the block at blockNumber with data, failing with
// ErrBadSize, ErrOutOfRange, or ErrNotOnline.
func (p *Physical) WriteBlock(blockNumber int, data []byte) (bool, error) {
	if len(data) != p.blockSize {
		return false, fmt.Errorf("%w: got %d want %d", ErrBadSize, len(data), p.blockSize)
	}
	if !p.inRange(blockNumber) {
		return false, fmt.Errorf("%w: block %d", ErrOutOfRange, blockNumber)
	}
	if p.state.Offline() {
		return false, ErrNotOnline
	}
	start := blockNumber * p.blockSize
	copy(p.data[start:start+p.blockSize], data)
	return true, nil
}

// BlockSize returns the block size in bytes.
func (p *Physical) BlockSize() int { return p.blockSize }

// Size returns the device size in bytes.
func (p *Physical) Size() int { return p.size }

// State returns the current device state.
func (p *Physical) State() State { return p.state }

// AttemptBringOnline requests the Online target and reports whether the
// post-transition state is Online.
func (p *Physical) AttemptBringOnline() bool {
	p.state = TransitionTo(p.state, PhysicalOnline{})
	return p.state.Online()
}

// MarkFaulted requests Faulted if currently online, FaultedOffline if
// currently offline; a device that is already faulted (neither online
// nor offline) is left untouched. Returns whether the device is faulted
// after the call.
func (p *Physical) MarkFaulted() bool {
	switch {
	case p.state.Online():
		p.state = TransitionTo(p.state, PhysicalFaulted{})
	case p.state.Offline():
		p.state = TransitionTo(p.state, PhysicalFaultedOffline{})
	}
	return p.state.Faulted()
}

// Disconnect transitions the device from Offline to Disconnected,
// simulating removed media: unlike plain Offline, a Disconnected device
// cannot be brought directly back Online (it must pass through Offline
// first), which is what makes it genuinely unreachable to a vdev's
// automatic bring-online-before-write attempts.
func (p *Physical) Disconnect() bool {
	p.state = TransitionTo(p.state, PhysicalDisconnected{})
	return SameState(p.state, PhysicalDisconnected{})
}

// Reconnect transitions a Disconnected device back to Offline, after
// which it can legally be brought Online again.
func (p *Physical) Reconnect() bool {
	p.state = TransitionTo(p.state, PhysicalOffline{})
	return SameState(p.state, PhysicalOffline{})
}

// TakeOffline forces an Online device back to Offline, simulating an
// operator or hypervisor pulling a device out of service mid-run; unlike
// Disconnect, this is the Online->Offline edge, not Offline->Disconnected.
// A device that isn't Online is left untouched. Returns whether the
// device is Offline after the call.
func (p *Physical) TakeOffline() bool {
	if p.state.Online() {
		p.state = TransitionTo(p.state, PhysicalOffline{})
	}
	return SameState(p.state, PhysicalOffline{})
}

// pokeData is a test-only escape hatch mirroring the source's direct
// manipulation of PhysicalDevice._data to simulate a bad sector.
func (p *Physical) pokeData(offset int, data []byte) {
	copy(p.data[offset:offset+len(data)], data)
}

// PokeRawBytes overwrites the raw bytes starting at offset directly,
// with no block alignment required, bypassing the
// state machine and write path, to simulate a bad sector for integrity
// tests (mirrors the source's `pd2._data[10:20] = b"BadDataBadD"`).
func (p *Physical) PokeRawBytes(offset int, data []byte) {
	p.pokeData(offset, data)
}
