package filesystem

import (
	"encoding/binary"
	"fmt"
)

// fileEntry records a file's byte length and the ordered virtual block
// numbers holding its data.
type fileEntry struct {
	size   int
	blocks []int
}

// fileTable is the growable directory persisted at virtual block 0: a
// map from filename to its byte size and ordered data blocks.
//
// The on-disk block-index width here is 4 bytes, not the 1 byte the
// source used — a 1-byte index caps addressable blocks at 256
// regardless of pool size, which breaks on any pool larger than that.
type fileTable struct {
	entries map[string]fileEntry
}

func newFileTable() *fileTable {
	return &fileTable{entries: make(map[string]fileEntry)}
}

// encode serializes the table as a sequence of entries: 2-byte filename
// length, filename bytes, 4-byte file size, 2-byte block count, then one
// 4-byte big-endian block index per block.
func (ft *fileTable) encode() ([]byte, error) {
	var out []byte
	for filename, entry := range ft.entries {
		if len(filename) > 0xFFFF {
			return nil, fmt.Errorf("filesystem: filename %q exceeds 65535 bytes", filename)
		}
		if len(entry.blocks) > 0xFFFF {
			return nil, fmt.Errorf("filesystem: file %q exceeds 65535 blocks", filename)
		}

		header := make([]byte, 2)
		binary.BigEndian.PutUint16(header, uint16(len(filename)))
		out = append(out, header...)
		out = append(out, filename...)

		sizeBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(sizeBytes, uint32(entry.size))
		out = append(out, sizeBytes...)

		countBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(countBytes, uint16(len(entry.blocks)))
		out = append(out, countBytes...)

		for _, block := range entry.blocks {
			blockBytes := make([]byte, 4)
			binary.BigEndian.PutUint32(blockBytes, uint32(block))
			out = append(out, blockBytes...)
		}
	}
	return out, nil
}

// decodeFileTable parses the entry stream produced by encode.
func decodeFileTable(data []byte) (*fileTable, error) {
	ft := newFileTable()
	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, fmt.Errorf("filesystem: truncated file table at offset %d", i)
		}
		nameLen := int(binary.BigEndian.Uint16(data[i : i+2]))
		i += 2

		if i+nameLen > len(data) {
			return nil, fmt.Errorf("filesystem: truncated filename at offset %d", i)
		}
		filename := string(data[i : i+nameLen])
		i += nameLen

		if i+4 > len(data) {
			return nil, fmt.Errorf("filesystem: truncated size field at offset %d", i)
		}
		size := int(binary.BigEndian.Uint32(data[i : i+4]))
		i += 4

		if i+2 > len(data) {
			return nil, fmt.Errorf("filesystem: truncated block count at offset %d", i)
		}
		blockCount := int(binary.BigEndian.Uint16(data[i : i+2]))
		i += 2

		blocks := make([]int, blockCount)
		for b := 0; b < blockCount; b++ {
			if i+4 > len(data) {
				return nil, fmt.Errorf("filesystem: truncated block index at offset %d", i)
			}
			blocks[b] = int(binary.BigEndian.Uint32(data[i : i+4]))
			i += 4
		}

		ft.entries[filename] = fileEntry{size: size, blocks: blocks}
	}
	return ft, nil
}
