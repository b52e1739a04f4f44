// Package ext4 implements a read-only parser for the ext4 on-disk format:
// superblock, group descriptors, inodes, extent trees, directory blocks and
// extended attributes. It walks the directory tree of an image, caching
// inodes and recording hardlinks, and is used to inspect and clone initial
// filesystems.
//
// The reader is single-owner: it is not safe for concurrent use and callers
// must serialize access.
package ext4

import (
	"errors"
)

// On-disk constants.
const (
	// SuperblockOffset is the byte offset of the superblock in the image.
	SuperblockOffset = 1024

	// SuperblockMagic identifies an ext4 superblock.
	SuperblockMagic = 0xEF53

	// ExtentMagic identifies an extent tree header.
	ExtentMagic = 0xF30A

	// XattrMagic identifies an extended attribute header, both in-inode and
	// in a dedicated block.
	XattrMagic = 0xEA020000

	// RootInode is the inode number of the root directory.
	RootInode = 2

	// incompat64Bit is the 64-bit feature flag in s_feature_incompat.
	incompat64Bit = 0x80

	// groupDescSmallSize is the descriptor size without the 64-bit feature.
	groupDescSmallSize = 32

	// inodeBaseSize is the size of the fixed part of an on-disk inode.
	inodeBaseSize = 128
)

// ErrBadMagic is returned when the superblock magic does not match.
var ErrBadMagic = errors.New("Bad superblock magic")

// ErrBadExtentMagic is returned when an extent node header is invalid.
var ErrBadExtentMagic = errors.New("Bad extent header magic")

// ErrDeepExtents is returned for extent trees deeper than one level.
var ErrDeepExtents = errors.New("Extent trees deeper than one level are unsupported")

// ErrOutOfBounds is returned when an on-disk pointer leaves the device.
var ErrOutOfBounds = errors.New("Block reference outside device bounds")

// ErrNotFound is returned when a path or inode is not present.
var ErrNotFound = errors.New("Not found")

// File types stored in directory entries.
const (
	FileTypeUnknown  = 0
	FileTypeRegular  = 1
	FileTypeDir      = 2
	FileTypeChardev  = 3
	FileTypeBlockdev = 4
	FileTypeFifo     = 5
	FileTypeSocket   = 6
	FileTypeSymlink  = 7
)
