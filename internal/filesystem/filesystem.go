// Package filesystem layers a simple named-file abstraction on top of a
// storage pool: a growable file table lives at the low end of the
// virtual address space, file data is packed in from the high end
// downward, and the two regions colliding signals the filesystem is
// full.
package filesystem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zfssim/zfssim/internal/pool"
)

// ErrFilesystemFull is returned when the file table and file-data
// regions would overlap.
var ErrFilesystemFull = errors.New("filesystem: full or needs defragmentation")

// ErrFileNotFound is returned by ReadFile for an unknown filename.
var ErrFileNotFound = errors.New("filesystem: file does not exist")

// ErrFilenameTooLong is returned for a filename over 255 bytes.
var ErrFilenameTooLong = errors.New("filesystem: filename too long")

const maxFilenameLength = 255
const fileTableReservedBlocks = 4

// FileSystem stores named files in a pool's virtual address space.
type FileSystem struct {
	pool *pool.Pool
}

// New initializes a fresh, empty file table over p. p must have at
// least fileTableReservedBlocks virtual blocks.
func New(p *pool.Pool) (*FileSystem, error) {
	if p.GetNumBlocks() < fileTableReservedBlocks {
		return nil, fmt.Errorf("filesystem: pool needs at least %d blocks", fileTableReservedBlocks)
	}
	zeros := make([]byte, p.GetBlockSize()*fileTableReservedBlocks)
	if _, err := p.WriteVirtualBlocks(0, zeros); err != nil {
		return nil, err
	}
	return &FileSystem{pool: p}, nil
}

// Pool returns the backing storage pool.
func (fs *FileSystem) Pool() *pool.Pool {
	return fs.pool
}

func (fs *FileSystem) readFileTable() (*fileTable, error) {
	lengthPrefix, err := fs.pool.ReadVirtualBlocksByteCount(0, 4, nil)
	if err != nil {
		return nil, err
	}
	tableLength := int(binary.BigEndian.Uint32(lengthPrefix))

	withPrefix, err := fs.pool.ReadVirtualBlocksByteCount(0, tableLength+4, nil)
	if err != nil {
		return nil, err
	}
	return decodeFileTable(withPrefix[4:])
}

func (fs *FileSystem) writeFileTable(ft *fileTable) error {
	encoded, err := ft.encode()
	if err != nil {
		return err
	}
	prefixed := make([]byte, 4+len(encoded))
	binary.BigEndian.PutUint32(prefixed, uint32(len(encoded)))
	copy(prefixed[4:], encoded)

	if fs.dataRegionFloor() < len(prefixed) {
		return ErrFilesystemFull
	}
	_, err = fs.pool.WriteVirtualBlocks(0, prefixed)
	return err
}

func (fs *FileSystem) updateFileTable(filename string, size int, blocks []int) error {
	ft, err := fs.readFileTable()
	if err != nil {
		return err
	}
	ft.entries[filename] = fileEntry{size: size, blocks: blocks}
	return fs.writeFileTable(ft)
}

// dataRegionFloor is the lowest-numbered block currently holding file
// data, or the total block count if no file has been written yet. File
// data is always allocated at or above this boundary moving downward,
// so it marks how far the file table may grow before colliding with it.
func (fs *FileSystem) dataRegionFloor() int {
	ft, err := fs.readFileTable()
	if err != nil {
		return fs.pool.GetNumBlocks()
	}
	lowest := fs.pool.GetNumBlocks()
	for _, entry := range ft.entries {
		for _, block := range entry.blocks {
			if block < lowest {
				lowest = block
			}
		}
	}
	return lowest
}

func (fs *FileSystem) usedBlocks() (map[int]struct{}, error) {
	ft, err := fs.readFileTable()
	if err != nil {
		return nil, err
	}
	used := make(map[int]struct{})
	for _, entry := range ft.entries {
		for _, block := range entry.blocks {
			used[block] = struct{}{}
		}
	}
	return used, nil
}

// WriteFile stores data under filename, allocating its data blocks from
// the high end of the pool downward and growing the file table in
// place.
func (fs *FileSystem) WriteFile(filename string, data []byte) error {
	if len(filename) > maxFilenameLength {
		return ErrFilenameTooLong
	}

	highestFreeBlock := fs.dataRegionFloor() - 1
	testTable, err := fs.readFileTable()
	if err != nil {
		return err
	}
	used, err := fs.usedBlocks()
	if err != nil {
		return err
	}

	numBlocks := fs.pool.Bytes2BlockCount(len(data))
	blockSize := fs.pool.GetBlockSize()

	if highestFreeBlock-numBlocks+1 < 0 {
		return ErrFilesystemFull
	}
	blocksToWrite := make([]int, numBlocks)
	for i := range blocksToWrite {
		blocksToWrite[i] = highestFreeBlock - i
	}

	remaining := data
	written := make([]int, 0, numBlocks)
	for _, block := range blocksToWrite {
		if _, inUse := used[block]; inUse {
			return ErrFilesystemFull
		}
		fragment := make([]byte, blockSize)
		n := copy(fragment, remaining)
		remaining = remaining[n:]

		if _, err := fs.pool.WriteVirtualBlock(block, fragment); err != nil {
			return err
		}
		written = append(written, block)
	}

	testTable.entries[filename] = fileEntry{size: len(data), blocks: written}
	encoded, err := testTable.encode()
	if err != nil {
		return err
	}
	if len(encoded)+4 > highestFreeBlock {
		return ErrFilesystemFull
	}

	return fs.updateFileTable(filename, len(data), written)
}

// ReadFile returns the bytes stored under filename.
func (fs *FileSystem) ReadFile(filename string) ([]byte, error) {
	if len(filename) > maxFilenameLength {
		return nil, ErrFilenameTooLong
	}
	ft, err := fs.readFileTable()
	if err != nil {
		return nil, err
	}
	entry, ok := ft.entries[filename]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}

	var out []byte
	for _, block := range entry.blocks {
		data, err := fs.pool.ReadVirtualBlock(block, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out[:entry.size], nil
}
