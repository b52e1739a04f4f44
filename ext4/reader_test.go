package ext4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// imageBuilder assembles a minimal single-group ext4 image in memory:
// 1 KiB blocks, the superblock in block 1, the group descriptor table in
// block 2, a 16 entry inode table in blocks 3-6 and data from block 7 on.
type imageBuilder struct {
	buf []byte
}

const (
	testBlocks     = 32
	testBlockSize  = 1024
	testInodeSize  = 256
	testInodeCount = 16
	inodeTableBlk  = 3
)

func newImageBuilder() *imageBuilder {
	b := &imageBuilder{buf: make([]byte, testBlocks*testBlockSize)}

	sb := make([]byte, 1024)
	le := binary.LittleEndian
	le.PutUint32(sb[0:], testInodeCount)  // s_inodes_count
	le.PutUint32(sb[4:], testBlocks)      // s_blocks_count_lo
	le.PutUint32(sb[20:], 1)              // s_first_data_block
	le.PutUint32(sb[24:], 0)              // s_log_block_size
	le.PutUint32(sb[32:], 8192)           // s_blocks_per_group
	le.PutUint32(sb[40:], testInodeCount) // s_inodes_per_group
	le.PutUint16(sb[56:], SuperblockMagic)
	le.PutUint32(sb[76:], 1)   // s_rev_level
	le.PutUint32(sb[84:], 11)  // s_first_ino
	le.PutUint16(sb[88:], testInodeSize)
	le.PutUint32(sb[96:], 0x40) // s_feature_incompat: extents
	copy(b.buf[SuperblockOffset:], sb)

	// Group 0 descriptor: inode table pointer.
	le.PutUint32(b.buf[2*testBlockSize+8:], inodeTableBlk)

	return b
}

func (b *imageBuilder) bytes() []byte {
	return b.buf
}

// inodeBuf returns the raw on-disk slice for an inode number.
func (b *imageBuilder) inodeBuf(number uint32) []byte {
	offset := inodeTableBlk*testBlockSize + int(number-1)*testInodeSize
	return b.buf[offset : offset+testInodeSize]
}

// writeInode fills an inode with a depth zero extent list.
func (b *imageBuilder) writeInode(number uint32, mode uint16, size uint32, extents []Extent) {
	raw := b.inodeBuf(number)
	le := binary.LittleEndian

	le.PutUint16(raw[0:], mode)
	le.PutUint32(raw[4:], size)
	le.PutUint16(raw[26:], 1)        // links
	le.PutUint32(raw[32:], 0x80000)  // EXT4_EXTENTS_FL
	le.PutUint16(raw[128:], 32)      // i_extra_isize

	// Extent header and leaves in i_block.
	block := raw[40:100]
	le.PutUint16(block[0:], ExtentMagic)
	le.PutUint16(block[2:], uint16(len(extents)))
	le.PutUint16(block[4:], 4)
	le.PutUint16(block[6:], 0) // depth

	for i, extent := range extents {
		leaf := block[extentHeaderSize+i*extentEntrySize:]
		le.PutUint32(leaf[0:], extent.Block)
		le.PutUint16(leaf[4:], extent.Len)
		le.PutUint32(leaf[8:], extent.Start)
	}
}

// writeDirBlock encodes directory entries into a data block, the final
// entry's record length covering the remainder of the block.
func (b *imageBuilder) writeDirBlock(blockNr uint32, entries []DirEntry) {
	block := b.buf[int(blockNr)*testBlockSize : (int(blockNr)+1)*testBlockSize]
	le := binary.LittleEndian

	offset := 0
	for i, entry := range entries {
		recLen := align4(8 + len(entry.Name))
		if i == len(entries)-1 {
			recLen = testBlockSize - offset
		}

		le.PutUint32(block[offset:], entry.Inode)
		le.PutUint16(block[offset+4:], uint16(recLen))
		block[offset+6] = byte(len(entry.Name))
		block[offset+7] = entry.FileType
		copy(block[offset+8:], entry.Name)

		offset += recLen
	}
}

func (b *imageBuilder) writeData(blockNr uint32, data []byte) {
	copy(b.buf[int(blockNr)*testBlockSize:], data)
}

const (
	modeDir     = 0x41ED
	modeRegular = 0x81A4
)

// buildTestImage lays out:
//
//	/           inode 2, dir block 7
//	/a.txt      inode 12, "hello" in block 9
//	/b.txt      hardlink to inode 12
//	/d.bin      inode 14, depth-1 extent tree via leaf block 12, data block 13
//	/sub/       inode 11, dir block 8
//	/sub/c.txt  inode 13, "world!" in block 10, xattr block 11
func buildTestImage(t *testing.T) []byte {
	t.Helper()

	b := newImageBuilder()

	b.writeInode(2, modeDir, testBlockSize, []Extent{{Block: 0, Len: 1, Start: 7}})
	b.writeDirBlock(7, []DirEntry{
		{Inode: 2, FileType: FileTypeDir, Name: "."},
		{Inode: 2, FileType: FileTypeDir, Name: ".."},
		{Inode: 12, FileType: FileTypeRegular, Name: "a.txt"},
		{Inode: 12, FileType: FileTypeRegular, Name: "b.txt"},
		{Inode: 11, FileType: FileTypeDir, Name: "sub"},
		{Inode: 14, FileType: FileTypeRegular, Name: "d.bin"},
	})

	b.writeInode(11, modeDir, testBlockSize, []Extent{{Block: 0, Len: 1, Start: 8}})
	b.writeDirBlock(8, []DirEntry{
		{Inode: 11, FileType: FileTypeDir, Name: "."},
		{Inode: 2, FileType: FileTypeDir, Name: ".."},
		{Inode: 13, FileType: FileTypeRegular, Name: "c.txt"},
	})

	b.writeInode(12, modeRegular, 5, []Extent{{Block: 0, Len: 1, Start: 9}})
	b.writeData(9, []byte("hello"))
	// Two directory entries reference inode 12.
	binary.LittleEndian.PutUint16(b.inodeBuf(12)[26:], 2)

	b.writeInode(13, modeRegular, 6, []Extent{{Block: 0, Len: 1, Start: 10}})
	b.writeData(10, []byte("world!"))

	// Inline xattr plus overflow block for /sub/c.txt.
	raw13 := b.inodeBuf(13)
	inline, block, err := EncodeXattrs(map[string][]byte{"user.origin": []byte("image")}, testInodeSize-(inodeBaseSize+32), testBlockSize)
	require.NoError(t, err)
	require.Nil(t, block)
	copy(raw13[inodeBaseSize+32:], inline)

	_, xattrBlock, err := EncodeXattrs(map[string][]byte{"security.selinux": []byte("system_u:object_r:etc_t")}, 0, testBlockSize)
	require.NoError(t, err)
	require.NotNil(t, xattrBlock)
	b.writeData(11, xattrBlock)
	binary.LittleEndian.PutUint32(raw13[104:], 11) // i_file_acl_lo

	// Depth one extent tree for /d.bin: the inode holds one index entry
	// pointing at leaf block 12, which holds one extent at block 13.
	raw14 := b.inodeBuf(14)
	le := binary.LittleEndian
	le.PutUint16(raw14[0:], modeRegular)
	le.PutUint32(raw14[4:], 10)
	le.PutUint16(raw14[26:], 1)
	le.PutUint32(raw14[32:], 0x80000)
	le.PutUint16(raw14[128:], 32)

	inodeBlock := raw14[40:100]
	le.PutUint16(inodeBlock[0:], ExtentMagic)
	le.PutUint16(inodeBlock[2:], 1)
	le.PutUint16(inodeBlock[4:], 4)
	le.PutUint16(inodeBlock[6:], 1) // depth
	le.PutUint32(inodeBlock[extentHeaderSize+0:], 0)
	le.PutUint32(inodeBlock[extentHeaderSize+4:], 12) // ei_leaf_lo

	leafBlock := make([]byte, testBlockSize)
	le.PutUint16(leafBlock[0:], ExtentMagic)
	le.PutUint16(leafBlock[2:], 1)
	le.PutUint16(leafBlock[4:], 84)
	le.PutUint16(leafBlock[6:], 0)
	le.PutUint32(leafBlock[extentHeaderSize+0:], 0)
	le.PutUint16(leafBlock[extentHeaderSize+4:], 1)
	le.PutUint32(leafBlock[extentHeaderSize+8:], 13)
	b.writeData(12, leafBlock)
	b.writeData(13, []byte("0123456789"))

	return b.bytes()
}

func TestReaderWalk(t *testing.T) {
	image := buildTestImage(t)

	r, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	assert.Equal(t, uint64(testBlockSize), r.Superblock.BlockSize())

	node, err := r.Lookup("/a.txt")
	require.NoError(t, err)

	data, err := r.ReadFile(node)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	node, err = r.Lookup("/sub/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "/sub/c.txt", r.Path(node))

	data, err = r.ReadFile(node)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(data))

	// /b.txt shares inode 12 with /a.txt: exactly one of the two paths is a
	// tree node, the other lives in the hardlink map.
	assert.Equal(t, map[string]uint32{"/b.txt": 12}, r.Hardlinks())

	_, err = r.Lookup("/b.txt")
	require.ErrorIs(t, err, ErrNotFound)

	aNode, err := r.Lookup("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(12), aNode.Inode)
}

func TestReaderParentPointers(t *testing.T) {
	image := buildTestImage(t)

	r, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	nodes := r.Nodes()
	require.NotEmpty(t, nodes)
	assert.Equal(t, -1, nodes[0].Parent)

	for i := 1; i < len(nodes); i++ {
		parent := nodes[i].Parent
		require.GreaterOrEqual(t, parent, 0)
		assert.Contains(t, nodes[parent].Children, i)
	}
}

func TestReaderDepthOneExtents(t *testing.T) {
	image := buildTestImage(t)

	r, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	node, err := r.Lookup("/d.bin")
	require.NoError(t, err)
	require.Len(t, node.Extents, 1)
	assert.Equal(t, uint32(13), node.Extents[0].Start)

	data, err := r.ReadFile(node)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestReaderXattrs(t *testing.T) {
	image := buildTestImage(t)

	r, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	node, err := r.Lookup("/sub/c.txt")
	require.NoError(t, err)

	attrs, err := r.Xattrs(node.Inode)
	require.NoError(t, err)

	assert.Equal(t, map[string][]byte{
		"user.origin":      []byte("image"),
		"security.selinux": []byte("system_u:object_r:etc_t"),
	}, attrs)
}

func TestReaderBadMagic(t *testing.T) {
	image := buildTestImage(t)
	image[SuperblockOffset+56] = 0
	image[SuperblockOffset+57] = 0

	_, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestReaderDeepExtents(t *testing.T) {
	image := buildTestImage(t)

	// Rewrite /a.txt's extent tree header to claim depth 2.
	b := &imageBuilder{buf: image}
	raw := b.inodeBuf(12)
	binary.LittleEndian.PutUint16(raw[40+6:], 2)

	_, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.ErrorIs(t, err, ErrDeepExtents)
}

func TestReaderExtentOutOfBounds(t *testing.T) {
	image := buildTestImage(t)

	// Point /a.txt's extent past the device end.
	b := &imageBuilder{buf: image}
	raw := b.inodeBuf(12)
	binary.LittleEndian.PutUint32(raw[40+extentHeaderSize+8:], testBlocks+100)

	_, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReaderMissingExtentHeaderIsEmptyFile(t *testing.T) {
	image := buildTestImage(t)

	// Zero /a.txt's i_block: no extent header means an empty extent list.
	b := &imageBuilder{buf: image}
	raw := b.inodeBuf(12)
	for i := 40; i < 100; i++ {
		raw[i] = 0
	}

	binary.LittleEndian.PutUint32(raw[4:], 0)

	r, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	node, err := r.Lookup("/a.txt")
	require.NoError(t, err)
	assert.Empty(t, node.Extents)

	data, err := r.ReadFile(node)
	require.NoError(t, err)
	assert.Empty(t, data)
}
