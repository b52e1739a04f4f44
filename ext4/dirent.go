package ext4

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// DirEntry is one parsed directory entry.
type DirEntry struct {
	Inode    uint32
	FileType uint8
	Name     string
}

// parseDirBlock decodes the directory entries of one directory block.
// Entries with inode 0 are unused slots and are skipped.
func parseDirBlock(block []byte) ([]DirEntry, error) {
	entries := []DirEntry{}

	offset := 0
	for offset+8 <= len(block) {
		inode := binary.LittleEndian.Uint32(block[offset:])
		recLen := int(binary.LittleEndian.Uint16(block[offset+4:]))
		nameLen := int(block[offset+6])
		fileType := block[offset+7]

		if recLen < 8 || offset+recLen > len(block) {
			return nil, fmt.Errorf("Invalid directory entry record length %d at offset %d", recLen, offset)
		}

		if inode != 0 {
			if offset+8+nameLen > len(block) {
				return nil, fmt.Errorf("Invalid directory entry name length %d at offset %d", nameLen, offset)
			}

			entries = append(entries, DirEntry{
				Inode:    inode,
				FileType: fileType,
				Name:     string(block[offset+8 : offset+8+nameLen]),
			})
		}

		offset += recLen
	}

	return entries, nil
}

// sortEntries orders directory entries by name.
func sortEntries(entries []DirEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
}
