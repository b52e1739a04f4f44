package ext4

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// xattrBlockHeaderSize is the size of the header leading a dedicated
// extended attribute block.
const xattrBlockHeaderSize = 32

// xattrEntryFixedSize is the fixed part of an entry before the name.
const xattrEntryFixedSize = 16

// Attribute name prefixes are compressed via a small index table; index 0
// means the name is stored verbatim.
var xattrPrefixes = map[uint8]string{
	1: "user.",
	2: "system.posix_acl_access",
	3: "system.posix_acl_default",
	4: "trusted.",
	6: "security.",
	7: "system.",
	8: "system.richacl",
}

// Exact-name prefixes carry the whole attribute name in the index.
var xattrExactIndexes = []uint8{2, 3, 8}

func xattrSplitName(full string) (uint8, string) {
	for _, index := range xattrExactIndexes {
		if full == xattrPrefixes[index] {
			return index, ""
		}
	}

	// Among the dotted prefixes the longest match wins. Exact-name entries
	// such as "system.richacl" were handled above and are skipped here.
	best := uint8(0)
	for index, prefix := range xattrPrefixes {
		if !strings.HasSuffix(prefix, ".") {
			continue
		}

		if strings.HasPrefix(full, prefix) && (best == 0 || len(prefix) > len(xattrPrefixes[best])) {
			best = index
		}
	}

	if best == 0 {
		return 0, full
	}

	return best, strings.TrimPrefix(full, xattrPrefixes[best])
}

func xattrFullName(index uint8, name string) string {
	return xattrPrefixes[index] + name
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// decodeXattrEntries parses the entry list starting at buf[entriesOffset].
// Value offsets are resolved against buf[valueBase:].
func decodeXattrEntries(buf []byte, entriesOffset int, valueBase int) (map[string][]byte, error) {
	attrs := map[string][]byte{}

	offset := entriesOffset
	for {
		if offset+4 > len(buf) {
			return nil, fmt.Errorf("Truncated extended attribute entry list at offset %d", offset)
		}

		// A zero word terminates the list.
		if binary.LittleEndian.Uint32(buf[offset:]) == 0 {
			break
		}

		if offset+xattrEntryFixedSize > len(buf) {
			return nil, fmt.Errorf("Truncated extended attribute entry at offset %d", offset)
		}

		nameLen := int(buf[offset])
		nameIndex := buf[offset+1]
		valueOffs := int(binary.LittleEndian.Uint16(buf[offset+2:]))
		valueSize := int(binary.LittleEndian.Uint32(buf[offset+8:]))

		if offset+xattrEntryFixedSize+nameLen > len(buf) {
			return nil, fmt.Errorf("Truncated extended attribute name at offset %d", offset)
		}

		name := string(buf[offset+xattrEntryFixedSize : offset+xattrEntryFixedSize+nameLen])

		valueStart := valueBase + valueOffs
		if valueStart+valueSize > len(buf) {
			return nil, fmt.Errorf("Extended attribute value outside buffer for %q", name)
		}

		attrs[xattrFullName(nameIndex, name)] = append([]byte{}, buf[valueStart:valueStart+valueSize]...)

		offset += align4(xattrEntryFixedSize + nameLen)
	}

	return attrs, nil
}

// DecodeInlineXattrs parses the in-inode attribute area. buf begins at the
// ibody magic; value offsets are relative to the first entry.
func DecodeInlineXattrs(buf []byte) (map[string][]byte, error) {
	if len(buf) < 4 || binary.LittleEndian.Uint32(buf) != XattrMagic {
		// No inline attributes.
		return map[string][]byte{}, nil
	}

	return decodeXattrEntries(buf, 4, 4)
}

// DecodeBlockXattrs parses a dedicated attribute block. Value offsets are
// relative to the block start.
func DecodeBlockXattrs(block []byte) (map[string][]byte, error) {
	if len(block) < xattrBlockHeaderSize || binary.LittleEndian.Uint32(block) != XattrMagic {
		return map[string][]byte{}, nil
	}

	return decodeXattrEntries(block, xattrBlockHeaderSize, 0)
}

type xattrItem struct {
	index uint8
	name  string
	value []byte
}

func (it xattrItem) entrySize() int {
	return align4(xattrEntryFixedSize + len(it.name))
}

func (it xattrItem) valueSize() int {
	return align4(len(it.value))
}

func encodeEntries(buf []byte, entriesOffset int, valueBase int, items []xattrItem) {
	entryPos := entriesOffset
	valueEnd := len(buf)

	for _, it := range items {
		valueEnd -= it.valueSize()
		copy(buf[valueEnd:], it.value)

		buf[entryPos] = byte(len(it.name))
		buf[entryPos+1] = it.index
		binary.LittleEndian.PutUint16(buf[entryPos+2:], uint16(valueEnd-valueBase))
		binary.LittleEndian.PutUint32(buf[entryPos+4:], 0) // e_value_inum
		binary.LittleEndian.PutUint32(buf[entryPos+8:], uint32(len(it.value)))
		binary.LittleEndian.PutUint32(buf[entryPos+12:], 0) // e_hash
		copy(buf[entryPos+xattrEntryFixedSize:], it.name)

		entryPos += it.entrySize()
	}
}

// EncodeXattrs encodes an attribute map into an inline area of the given
// capacity, overflowing into a single attribute block once inline space is
// exhausted. The returned inline buffer begins with the ibody magic; the
// block buffer is nil when everything fits inline.
func EncodeXattrs(attrs map[string][]byte, inlineCapacity int, blockSize int) ([]byte, []byte, error) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}

	sort.Strings(names)

	items := make([]xattrItem, 0, len(names))
	for _, name := range names {
		index, suffix := xattrSplitName(name)
		items = append(items, xattrItem{index: index, name: suffix, value: attrs[name]})
	}

	var inline, block []xattrItem

	// 4 bytes of magic up front, 4 bytes of list terminator.
	inlineUsed := 4 + 4
	blockUsed := xattrBlockHeaderSize + 4

	for _, it := range items {
		need := it.entrySize() + it.valueSize()

		if inlineCapacity >= 8 && inlineUsed+need <= inlineCapacity {
			inline = append(inline, it)
			inlineUsed += need
			continue
		}

		if blockUsed+need > blockSize {
			return nil, nil, fmt.Errorf("Extended attributes do not fit in %d inline plus %d block bytes", inlineCapacity, blockSize)
		}

		block = append(block, it)
		blockUsed += need
	}

	var inlineBuf []byte
	if inlineCapacity >= 8 {
		inlineBuf = make([]byte, inlineCapacity)
		binary.LittleEndian.PutUint32(inlineBuf, XattrMagic)
		encodeEntries(inlineBuf, 4, 4, inline)
	}

	var blockBuf []byte
	if len(block) > 0 {
		blockBuf = make([]byte, blockSize)
		binary.LittleEndian.PutUint32(blockBuf, XattrMagic)
		binary.LittleEndian.PutUint32(blockBuf[4:], 1) // h_refcount
		binary.LittleEndian.PutUint32(blockBuf[8:], 1) // h_blocks
		encodeEntries(blockBuf, xattrBlockHeaderSize, 0, block)
	}

	return inlineBuf, blockBuf, nil
}

// readInodeXattrs returns the union of an inode's inline attributes and the
// attributes stored in its dedicated block, if any.
func readInodeXattrs(device io.ReaderAt, sb *Superblock, inode *Inode) (map[string][]byte, error) {
	attrs := map[string][]byte{}

	inlineStart := inodeBaseSize + int(inode.ExtraISize)
	if inode.ExtraISize > 0 && inlineStart+4 <= len(inode.Raw) {
		inline, err := DecodeInlineXattrs(inode.Raw[inlineStart:])
		if err != nil {
			return nil, fmt.Errorf("Failed to decode inline attributes of inode %d: %w", inode.Number, err)
		}

		for name, value := range inline {
			attrs[name] = value
		}
	}

	if inode.FileACLLo != 0 {
		block := make([]byte, sb.BlockSize())
		_, err := device.ReadAt(block, int64(uint64(inode.FileACLLo)*sb.BlockSize()))
		if err != nil {
			return nil, fmt.Errorf("Failed to read attribute block of inode %d: %w", inode.Number, err)
		}

		fromBlock, err := DecodeBlockXattrs(block)
		if err != nil {
			return nil, fmt.Errorf("Failed to decode attribute block of inode %d: %w", inode.Number, err)
		}

		// Union by full name, the block completing the inline set.
		for name, value := range fromBlock {
			_, exists := attrs[name]
			if !exists {
				attrs[name] = value
			}
		}
	}

	return attrs, nil
}
