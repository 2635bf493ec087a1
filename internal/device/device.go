package device

import (
	"errors"
	"fmt"
)

// Error kinds a device can return. Names are semantic rather than tied
// to any concrete Go stdlib error type.
var (
	ErrOutOfRange = errors.New("block number out of range")
	ErrBadSize    = errors.New("data size does not match block size")
	ErrNotOnline  = errors.New("device is not online")
)

// Device is the capability set shared by physical and virtual devices:
// pool and vdev code depends on this, never on a concrete type.
type Device interface {
	fmt.Stringer

	ReadBlock(blockNumber int) ([]byte, error)
	WriteBlock(blockNumber int, data []byte) (bool, error)
	BlockSize() int
	Size() int
	State() State
	AttemptBringOnline() bool
	MarkFaulted() bool
}
