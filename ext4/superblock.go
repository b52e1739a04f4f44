package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Superblock is the fixed leading portion of the ext4 superblock. All
// multi-byte fields are little-endian on disk.
type Superblock struct {
	InodesCount          uint32
	BlocksCountLo        uint32
	RBlocksCountLo       uint32
	FreeBlocksCountLo    uint32
	FreeInodesCount      uint32
	FirstDataBlock       uint32
	LogBlockSize         uint32
	LogClusterSize       uint32
	BlocksPerGroup       uint32
	ClustersPerGroup     uint32
	InodesPerGroup       uint32
	Mtime                uint32
	Wtime                uint32
	MntCount             uint16
	MaxMntCount          uint16
	Magic                uint16
	State                uint16
	Errors               uint16
	MinorRevLevel        uint16
	Lastcheck            uint32
	Checkinterval        uint32
	CreatorOS            uint32
	RevLevel             uint32
	DefResuid            uint16
	DefResgid            uint16
	FirstIno             uint32
	InodeSize            uint16
	BlockGroupNr         uint16
	FeatureCompat        uint32
	FeatureIncompat      uint32
	FeatureRoCompat      uint32
	UUID                 [16]byte
	VolumeName           [16]byte
	LastMounted          [64]byte
	AlgorithmUsageBitmap uint32
	PreallocBlocks       uint8
	PreallocDirBlocks    uint8
	ReservedGdtBlocks    uint16
	JournalUUID          [16]byte
	JournalInum          uint32
	JournalDev           uint32
	LastOrphan           uint32
	HashSeed             [4]uint32
	DefHashVersion       uint8
	JnlBackupType        uint8
	DescSize             uint16
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() uint64 {
	return 1024 << sb.LogBlockSize
}

// GroupDescSize returns the on-disk group descriptor size, which depends on
// the 64-bit incompat feature.
func (sb *Superblock) GroupDescSize() uint32 {
	if sb.FeatureIncompat&incompat64Bit != 0 {
		return uint32(sb.DescSize)
	}

	return groupDescSmallSize
}

// GroupCount returns the number of block groups.
func (sb *Superblock) GroupCount() uint32 {
	if sb.InodesPerGroup == 0 {
		return 0
	}

	return (sb.InodesCount + sb.InodesPerGroup - 1) / sb.InodesPerGroup
}

func readSuperblock(device io.ReaderAt) (*Superblock, error) {
	buf := make([]byte, 1024)
	_, err := device.ReadAt(buf, SuperblockOffset)
	if err != nil {
		return nil, fmt.Errorf("Failed to read superblock: %w", err)
	}

	sb := &Superblock{}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, sb)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode superblock: %w", err)
	}

	if sb.Magic != SuperblockMagic {
		return nil, fmt.Errorf("%w: 0x%04X", ErrBadMagic, sb.Magic)
	}

	return sb, nil
}

// GroupDescriptor is the portion of an ext4 group descriptor the reader
// needs. Only the low 32 bits of the inode table pointer are used.
type GroupDescriptor struct {
	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksCountLo uint16
	FreeInodesCountLo uint16
	UsedDirsCountLo   uint16
	Flags             uint16
	ExcludeBitmapLo   uint32
	BlockBitmapCsumLo uint16
	InodeBitmapCsumLo uint16
	ItableUnusedLo    uint16
	Checksum          uint16
}

func readGroupDescriptor(device io.ReaderAt, sb *Superblock, group uint32) (*GroupDescriptor, error) {
	// The descriptor table starts in the block following the superblock.
	tableOffset := uint64(sb.FirstDataBlock+1) * sb.BlockSize()
	offset := tableOffset + uint64(group)*uint64(sb.GroupDescSize())

	buf := make([]byte, groupDescSmallSize)
	_, err := device.ReadAt(buf, int64(offset))
	if err != nil {
		return nil, fmt.Errorf("Failed to read group descriptor %d: %w", group, err)
	}

	desc := &GroupDescriptor{}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, desc)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode group descriptor %d: %w", group, err)
	}

	return desc, nil
}
