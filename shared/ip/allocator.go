package ip

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAllocatorFull is returned when no free address remains in the range.
var ErrAllocatorFull = errors.New("Allocator range exhausted")

// ErrAlreadyAllocated is returned when reserving an address that is in use.
var ErrAlreadyAllocated = errors.New("Address already allocated")

// ErrNotAllocated is returned when releasing an address that is not in use.
var ErrNotAllocated = errors.New("Address not allocated")

// ErrRangeExceeded is returned for addresses outside the allocator range and
// for ranges that are empty or overflow the address type.
var ErrRangeExceeded = errors.New("Address range exceeded")

// Allocator hands out 32 bit values from the half open range
// [lower, lower+size). Released values are reused in least recently
// released order.
type Allocator struct {
	mu    sync.Mutex
	lower uint32
	size  uint32

	used   map[uint32]struct{}
	freed  []uint32 // LRU free list, head is next to hand out.
	cursor uint32   // Count of never-issued values handed out so far.
}

// NewAllocator returns an allocator over [lower, lower+size).
func NewAllocator(lower uint32, size uint32) (*Allocator, error) {
	err := checkRange(lower, size)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		lower: lower,
		size:  size,
		used:  map[uint32]struct{}{},
	}, nil
}

func checkRange(lower uint32, size uint32) error {
	if size == 0 {
		return fmt.Errorf("%w: zero size", ErrRangeExceeded)
	}

	if uint64(lower)+uint64(size)-1 > uint64(^uint32(0)) {
		return fmt.Errorf("%w: range overflows address type", ErrRangeExceeded)
	}

	return nil
}

// Allocate returns a free value from the range.
func (a *Allocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.freed) > 0 {
		value := a.freed[0]
		a.freed = a.freed[1:]
		a.used[value] = struct{}{}

		return value, nil
	}

	if a.cursor < a.size {
		value := a.lower + a.cursor
		a.cursor++
		a.used[value] = struct{}{}

		return value, nil
	}

	return 0, ErrAllocatorFull
}

// Reserve marks a specific value as allocated.
func (a *Allocator) Reserve(value uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.checkBounds(value)
	if err != nil {
		return err
	}

	_, inUse := a.used[value]
	if inUse {
		return fmt.Errorf("%w: %d", ErrAlreadyAllocated, value)
	}

	// Pull the value off the free list if it has been issued before.
	for i, freed := range a.freed {
		if freed == value {
			a.freed = append(a.freed[:i], a.freed[i+1:]...)
			break
		}
	}

	// Advance the cursor past directly reserved never-issued values so they
	// are not handed out twice. Values skipped over move to the free list.
	for a.cursor < a.size && a.lower+a.cursor < value {
		a.freed = append(a.freed, a.lower+a.cursor)
		a.cursor++
	}

	if a.cursor < a.size && a.lower+a.cursor == value {
		a.cursor++
	}

	a.used[value] = struct{}{}

	return nil
}

// Release returns a value to the free list.
func (a *Allocator) Release(value uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.checkBounds(value)
	if err != nil {
		return err
	}

	_, inUse := a.used[value]
	if !inUse {
		return fmt.Errorf("%w: %d", ErrNotAllocated, value)
	}

	delete(a.used, value)
	a.freed = append(a.freed, value)

	return nil
}

// Allocated returns the number of values currently in use.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.used)
}

func (a *Allocator) checkBounds(value uint32) error {
	if value < a.lower || uint64(value) >= uint64(a.lower)+uint64(a.size) {
		return fmt.Errorf("%w: %d outside [%d, %d)", ErrRangeExceeded, value, a.lower, uint64(a.lower)+uint64(a.size))
	}

	return nil
}

// RotatingAllocator hands out strictly increasing values until the top of
// the range is reached, and only then wraps around to previously released
// entries. Releases do not move the rotation pointer backwards.
type RotatingAllocator struct {
	mu    sync.Mutex
	lower uint32
	size  uint32

	used map[uint32]struct{}
	next uint32 // Offset of the rotation pointer from lower.
}

// NewRotatingAllocator returns a rotating allocator over [lower, lower+size).
func NewRotatingAllocator(lower uint32, size uint32) (*RotatingAllocator, error) {
	err := checkRange(lower, size)
	if err != nil {
		return nil, err
	}

	return &RotatingAllocator{
		lower: lower,
		size:  size,
		used:  map[uint32]struct{}{},
	}, nil
}

// Allocate returns the first free value at or after the rotation pointer,
// wrapping once the end of the range is passed.
func (r *RotatingAllocator) Allocate() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for scanned := uint32(0); scanned < r.size; scanned++ {
		offset := (r.next + scanned) % r.size
		value := r.lower + offset

		_, inUse := r.used[value]
		if inUse {
			continue
		}

		r.used[value] = struct{}{}
		r.next = (offset + 1) % r.size

		return value, nil
	}

	return 0, ErrAllocatorFull
}

// Reserve marks a specific value as allocated without moving the rotation pointer.
func (r *RotatingAllocator) Reserve(value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.checkBounds(value)
	if err != nil {
		return err
	}

	_, inUse := r.used[value]
	if inUse {
		return fmt.Errorf("%w: %d", ErrAlreadyAllocated, value)
	}

	r.used[value] = struct{}{}

	return nil
}

// Release returns a value to the pool without moving the rotation pointer.
func (r *RotatingAllocator) Release(value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.checkBounds(value)
	if err != nil {
		return err
	}

	_, inUse := r.used[value]
	if !inUse {
		return fmt.Errorf("%w: %d", ErrNotAllocated, value)
	}

	delete(r.used, value)

	return nil
}

// Allocated returns the number of values currently in use.
func (r *RotatingAllocator) Allocated() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.used)
}

func (r *RotatingAllocator) checkBounds(value uint32) error {
	if value < r.lower || uint64(value) >= uint64(r.lower)+uint64(r.size) {
		return fmt.Errorf("%w: %d outside [%d, %d)", ErrRangeExceeded, value, r.lower, uint64(r.lower)+uint64(r.size))
	}

	return nil
}
