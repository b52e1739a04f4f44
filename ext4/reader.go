package ext4

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Node is one entry in the file tree. Nodes are held in an arena owned by
// the Reader and reference each other by index.
type Node struct {
	// Inode is the inode number backing this node.
	Inode uint32

	// Name is the entry name, empty for the root.
	Name string

	// Parent is the arena index of the parent node, -1 for the root.
	Parent int

	// Extents is the node's decoded extent list.
	Extents []Extent

	// Children holds arena indexes of child nodes, ordered by name.
	Children []int
}

// Reader provides read-only access to an ext4 image.
type Reader struct {
	device io.ReaderAt
	size   int64
	closer io.Closer

	// Superblock is the image's validated superblock.
	Superblock *Superblock

	groupDescriptors map[uint32]*GroupDescriptor
	inodes           map[uint32]*Inode
	nodes            []Node
	paths            map[string]int
	hardlinks        map[string]uint32
}

// Open opens an image file and walks its directory tree.
func Open(imagePath string) (*Reader, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("Failed to open image %q: %w", imagePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("Failed to stat image %q: %w", imagePath, err)
	}

	r, err := NewReader(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r.closer = f

	return r, nil
}

// NewReader parses an image available through an io.ReaderAt of the given
// size and walks its directory tree.
func NewReader(device io.ReaderAt, size int64) (*Reader, error) {
	sb, err := readSuperblock(device)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		device:           device,
		size:             size,
		Superblock:       sb,
		groupDescriptors: map[uint32]*GroupDescriptor{},
		inodes:           map[uint32]*Inode{},
		paths:            map[string]int{},
		hardlinks:        map[string]uint32{},
	}

	err = r.walk()
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Close releases the underlying file when the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}

	return r.closer.Close()
}

// Root returns the root directory node.
func (r *Reader) Root() *Node {
	return &r.nodes[0]
}

// Nodes returns the node arena. The slice must not be mutated.
func (r *Reader) Nodes() []Node {
	return r.nodes
}

// Node returns the node at the given arena index.
func (r *Reader) Node(index int) *Node {
	return &r.nodes[index]
}

// Lookup resolves an absolute path to its tree node. Hardlink paths are not
// tree nodes: Lookup fails with ErrNotFound for them, and Hardlinks maps
// them to their inode numbers.
func (r *Reader) Lookup(p string) (*Node, error) {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))

	index, ok := r.paths[p]
	if ok {
		return &r.nodes[index], nil
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, p)
}

// Hardlinks returns the map from secondary paths to inode numbers recorded
// during the walk.
func (r *Reader) Hardlinks() map[string]uint32 {
	return r.hardlinks
}

// Path reconstructs the absolute path of a node.
func (r *Reader) Path(n *Node) string {
	if n.Parent < 0 {
		return "/"
	}

	parts := []string{}
	for cur := n; cur.Parent >= 0; cur = &r.nodes[cur.Parent] {
		parts = append(parts, cur.Name)
	}

	// Reverse into a path.
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}

	return b.String()
}

// Inode returns the cached inode for a number, fetching it on first use.
func (r *Reader) Inode(number uint32) (*Inode, error) {
	inode, ok := r.inodes[number]
	if ok {
		return inode, nil
	}

	if number == 0 || number > r.Superblock.InodesCount {
		return nil, fmt.Errorf("%w: inode %d", ErrNotFound, number)
	}

	group := (number - 1) / r.Superblock.InodesPerGroup

	desc, ok := r.groupDescriptors[group]
	if !ok {
		var err error
		desc, err = readGroupDescriptor(r.device, r.Superblock, group)
		if err != nil {
			return nil, err
		}

		r.groupDescriptors[group] = desc
	}

	inode, err := readInode(r.device, r.Superblock, desc, number)
	if err != nil {
		return nil, err
	}

	r.inodes[number] = inode

	return inode, nil
}

// Xattrs returns the union of inline and block extended attributes of an
// inode, keyed by full attribute name.
func (r *Reader) Xattrs(number uint32) (map[string][]byte, error) {
	inode, err := r.Inode(number)
	if err != nil {
		return nil, err
	}

	return readInodeXattrs(r.device, r.Superblock, inode)
}

// ReadFile returns the full contents of a regular file node.
func (r *Reader) ReadFile(n *Node) ([]byte, error) {
	inode, err := r.Inode(n.Inode)
	if err != nil {
		return nil, err
	}

	blockSize := r.Superblock.BlockSize()
	data := make([]byte, 0, inode.Size())

	for _, extent := range n.Extents {
		buf := make([]byte, uint64(extent.Len)*blockSize)
		_, err := r.device.ReadAt(buf, int64(uint64(extent.Start)*blockSize))
		if err != nil {
			return nil, fmt.Errorf("Failed to read extent at block %d: %w", extent.Start, err)
		}

		data = append(data, buf...)
	}

	if uint64(len(data)) > inode.Size() {
		data = data[:inode.Size()]
	}

	return data, nil
}

func (r *Reader) validateExtents(extents []Extent) error {
	blockSize := r.Superblock.BlockSize()
	deviceBlocks := uint64(r.size) / blockSize

	for _, extent := range extents {
		if uint64(extent.Start)+uint64(extent.Len) > deviceBlocks {
			return fmt.Errorf("%w: blocks [%d, %d)", ErrOutOfBounds, extent.Start, uint64(extent.Start)+uint64(extent.Len))
		}
	}

	return nil
}

// walk performs the depth-first traversal from the root inode, building the
// node arena and the hardlink map.
func (r *Reader) walk() error {
	rootInode, err := r.Inode(RootInode)
	if err != nil {
		return err
	}

	rootExtents, err := readExtents(r.device, r.Superblock, rootInode)
	if err != nil {
		return err
	}

	err = r.validateExtents(rootExtents)
	if err != nil {
		return err
	}

	r.nodes = append(r.nodes, Node{Inode: RootInode, Parent: -1, Extents: rootExtents})
	r.paths["/"] = 0

	return r.walkDir(0, "/")
}

func (r *Reader) walkDir(nodeIndex int, dirPath string) error {
	entries, err := r.readDirEntries(nodeIndex)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		childPath := path.Join(dirPath, entry.Name)

		// A second sighting of a cached inode is a hardlink: record the
		// path and do not re-walk.
		_, seen := r.inodes[entry.Inode]
		if seen {
			r.hardlinks[childPath] = entry.Inode
			continue
		}

		inode, err := r.Inode(entry.Inode)
		if err != nil {
			return err
		}

		extents, err := readExtents(r.device, r.Superblock, inode)
		if err != nil {
			return fmt.Errorf("Failed to decode extents of %q: %w", childPath, err)
		}

		err = r.validateExtents(extents)
		if err != nil {
			return fmt.Errorf("Invalid extents of %q: %w", childPath, err)
		}

		childIndex := len(r.nodes)
		r.nodes = append(r.nodes, Node{
			Inode:   entry.Inode,
			Name:    entry.Name,
			Parent:  nodeIndex,
			Extents: extents,
		})
		r.nodes[nodeIndex].Children = append(r.nodes[nodeIndex].Children, childIndex)
		r.paths[childPath] = childIndex

		if inode.IsDir() {
			err = r.walkDir(childIndex, childPath)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// readDirEntries reads and parses every block of a directory node, returning
// the entries sorted by name.
func (r *Reader) readDirEntries(nodeIndex int) ([]DirEntry, error) {
	node := &r.nodes[nodeIndex]
	blockSize := r.Superblock.BlockSize()

	entries := []DirEntry{}
	for _, extent := range node.Extents {
		for i := range uint64(extent.Len) {
			block := make([]byte, blockSize)
			_, err := r.device.ReadAt(block, int64((uint64(extent.Start)+i)*blockSize))
			if err != nil {
				return nil, fmt.Errorf("Failed to read directory block %d: %w", uint64(extent.Start)+i, err)
			}

			parsed, err := parseDirBlock(block)
			if err != nil {
				return nil, fmt.Errorf("Failed to parse directory block %d: %w", uint64(extent.Start)+i, err)
			}

			entries = append(entries, parsed...)
		}
	}

	sortEntries(entries)

	return entries, nil
}
