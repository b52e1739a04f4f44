package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Inode mirrors the fixed 128 byte portion of an on-disk inode plus the
// extra-size prefix of the extended area. Raw holds the full on-disk inode
// record (InodeSize bytes) for extended attribute parsing.
type Inode struct {
	Number uint32

	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Block      [60]byte
	Generation uint32
	FileACLLo  uint32
	SizeHigh   uint32

	ExtraISize uint16

	Raw []byte
}

// inodeCore is the on-disk layout of the fixed inode area.
type inodeCore struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Osd1       uint32
	Block      [60]byte
	Generation uint32
	FileACLLo  uint32
	SizeHigh   uint32
	ObsoFaddr  uint32
	Osd2       [12]byte
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool {
	return i.Mode&0xF000 == 0x4000
}

// IsRegular reports whether the inode is a regular file.
func (i *Inode) IsRegular() bool {
	return i.Mode&0xF000 == 0x8000
}

// Size returns the full 64 bit file size.
func (i *Inode) Size() uint64 {
	return uint64(i.SizeHigh)<<32 | uint64(i.SizeLo)
}

func readInode(device io.ReaderAt, sb *Superblock, desc *GroupDescriptor, number uint32) (*Inode, error) {
	index := (number - 1) % sb.InodesPerGroup
	offset := uint64(desc.InodeTableLo)*sb.BlockSize() + uint64(index)*uint64(sb.InodeSize)

	raw := make([]byte, sb.InodeSize)
	_, err := device.ReadAt(raw, int64(offset))
	if err != nil {
		return nil, fmt.Errorf("Failed to read inode %d: %w", number, err)
	}

	core := inodeCore{}
	err = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &core)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode inode %d: %w", number, err)
	}

	inode := &Inode{
		Number:     number,
		Mode:       core.Mode,
		UID:        core.UID,
		SizeLo:     core.SizeLo,
		Atime:      core.Atime,
		Ctime:      core.Ctime,
		Mtime:      core.Mtime,
		Dtime:      core.Dtime,
		GID:        core.GID,
		LinksCount: core.LinksCount,
		BlocksLo:   core.BlocksLo,
		Flags:      core.Flags,
		Block:      core.Block,
		Generation: core.Generation,
		FileACLLo:  core.FileACLLo,
		SizeHigh:   core.SizeHigh,
		Raw:        raw,
	}

	if len(raw) >= inodeBaseSize+2 {
		inode.ExtraISize = binary.LittleEndian.Uint16(raw[inodeBaseSize:])
	}

	return inode, nil
}
