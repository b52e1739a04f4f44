//go:build linux

// Package epoll provides an edge-triggered readiness loop over a set of
// registered file descriptors.
package epoll

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/yeraldinm/containerization-sub002/shared/logger"
)

// Handler is invoked with the ready event mask for its file descriptor.
type Handler func(events uint32)

// ErrLoopClosed is returned when operating on a closed loop.
var ErrLoopClosed = errors.New("Readiness loop is closed")

// Loop is an epoll backed registrar of fd to handler mappings. Registered
// descriptors are switched to non-blocking mode and watched edge-triggered.
type Loop struct {
	epollFD int

	// Self-pipe used to wake Run for shutdown.
	wakeRead  int
	wakeWrite int

	mu       sync.Mutex
	handlers map[int]Handler
	closed   bool
}

// NewLoop creates the epoll instance and its shutdown pipe.
func NewLoop() (*Loop, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("Failed to create epoll instance: %w", err)
	}

	var pipeFDs [2]int
	err = unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		_ = unix.Close(epollFD)
		return nil, fmt.Errorf("Failed to create wake pipe: %w", err)
	}

	l := &Loop{
		epollFD:   epollFD,
		wakeRead:  pipeFDs[0],
		wakeWrite: pipeFDs[1],
		handlers:  map[int]Handler{},
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeRead)}
	err = unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, l.wakeRead, &event)
	if err != nil {
		l.closeFDs()
		return nil, fmt.Errorf("Failed to register wake pipe: %w", err)
	}

	return l, nil
}

// Add registers a handler for a file descriptor. The descriptor is made
// non-blocking and watched with EPOLLET in addition to the given mask.
func (l *Loop) Add(fd int, events uint32, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopClosed
	}

	err := unix.SetNonblock(fd, true)
	if err != nil {
		return fmt.Errorf("Failed to set fd %d non-blocking: %w", fd, err)
	}

	event := unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)}
	err = unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, &event)
	if err != nil {
		return fmt.Errorf("Failed to register fd %d: %w", fd, err)
	}

	l.handlers[fd] = handler

	return nil
}

// Delete removes a file descriptor from the loop. The caller may already
// have closed the descriptor, so ENOENT, EBADF and EPERM are tolerated.
func (l *Loop) Delete(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.handlers, fd)

	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("Failed to unregister fd %d: %w", fd, err)
	}

	return nil
}

// Run blocks dispatching readiness events until the loop is shut down or,
// with a non-negative timeout, until an epoll wait returns no events.
func (l *Loop) Run(maxEvents int, timeoutMs int) error {
	if maxEvents <= 0 {
		maxEvents = 16
	}

	events := make([]unix.EpollEvent, maxEvents)

	for {
		n, err := unix.EpollWait(l.epollFD, events, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return fmt.Errorf("epoll_wait failed: %w", err)
		}

		if n == 0 {
			// Quiescent with a bounded timeout.
			return nil
		}

		for _, event := range events[:n] {
			fd := int(event.Fd)

			if fd == l.wakeRead {
				l.drainWakePipe()
				return nil
			}

			l.mu.Lock()
			handler := l.handlers[fd]
			l.mu.Unlock()

			if handler == nil {
				logger.Debug("Readiness event for unregistered fd", logger.Ctx{"fd": fd, "events": event.Events})
				continue
			}

			handler(event.Events)
		}
	}
}

// Shutdown wakes any Run call so it returns cleanly.
func (l *Loop) Shutdown() {
	buf := []byte{0}
	_, _ = unix.Write(l.wakeWrite, buf)
}

// Close shuts the loop down and releases its descriptors.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	l.handlers = map[int]Handler{}
	l.closeFDs()

	return nil
}

func (l *Loop) drainWakePipe() {
	buf := make([]byte, 16)
	for {
		_, err := unix.Read(l.wakeRead, buf)
		if err != nil {
			return
		}
	}
}

func (l *Loop) closeFDs() {
	_ = unix.Close(l.epollFD)
	_ = unix.Close(l.wakeRead)
	_ = unix.Close(l.wakeWrite)
}
