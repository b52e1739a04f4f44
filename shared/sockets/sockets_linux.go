//go:build linux

// Package sockets provides a single non-blocking stream socket type
// parameterized by address family (Unix, vsock, IPv4 TCP).
package sockets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/yeraldinm/containerization-sub002/shared/cell"
	"github.com/yeraldinm/containerization-sub002/shared/ip"
	"github.com/yeraldinm/containerization-sub002/shared/logger"
)

// ErrSocketClosed is returned when operating on a closed socket.
var ErrSocketClosed = errors.New("Socket is closed")

// ErrInvalidOperation is returned when an operation is not legal in the
// socket's current state.
var ErrInvalidOperation = errors.New("Invalid operation on socket")

// ErrAcceptStreamExists is returned when a listener already has an active
// accept stream.
var ErrAcceptStreamExists = errors.New("Accept stream already exists")

// State is the lifecycle state of a socket.
type State int

// Socket states.
const (
	StateCreated State = iota
	StateConnected
	StateListening
	StateClosed
)

// Addr is a connect or bind target for one of the supported families.
type Addr interface {
	sockaddr() (unix.Sockaddr, error)
}

// UnixAddr addresses a Unix stream socket by filesystem path.
type UnixAddr struct {
	Path string

	// Mode, when non-zero, is applied to the bound socket path before listen.
	Mode os.FileMode

	// UnlinkExisting removes a stale socket path before bind.
	UnlinkExisting bool
}

func (a UnixAddr) sockaddr() (unix.Sockaddr, error) {
	if a.Path == "" {
		return nil, fmt.Errorf("%w: empty unix socket path", ErrInvalidOperation)
	}

	return &unix.SockaddrUnix{Name: a.Path}, nil
}

// VsockAddr addresses a vsock endpoint by (cid, port).
type VsockAddr struct {
	CID  uint32
	Port uint32
}

func (a VsockAddr) sockaddr() (unix.Sockaddr, error) {
	return &unix.SockaddrVM{CID: a.CID, Port: a.Port}, nil
}

// InetAddr addresses an IPv4 TCP endpoint.
type InetAddr struct {
	Addr ip.Addr
	Port uint16
}

func (a InetAddr) sockaddr() (unix.Sockaddr, error) {
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	value := uint32(a.Addr)
	sa.Addr = [4]byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}

	return sa, nil
}

func family(addr Addr) (int, error) {
	switch addr.(type) {
	case UnixAddr:
		return unix.AF_UNIX, nil
	case VsockAddr:
		return unix.AF_VSOCK, nil
	case InetAddr:
		return unix.AF_INET, nil
	default:
		return 0, fmt.Errorf("%w: unknown address family", ErrInvalidOperation)
	}
}

// Socket is a non-blocking stream socket.
type Socket struct {
	fd    int
	state *cell.Cell[State]

	acceptMu     sync.Mutex
	acceptActive bool
	acceptTomb   *tomb.Tomb

	// Kept for unlinking the path on close of a unix listener.
	boundPath string
}

// New creates a socket of the family implied by the address type. The
// descriptor is created non-blocking and close-on-exec.
func New(addr Addr) (*Socket, error) {
	af, err := family(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to create socket: %w", err)
	}

	return &Socket{fd: fd, state: cell.New(StateCreated)}, nil
}

// NewFromFD wraps an already-connected descriptor (such as one handed back
// by a hypervisor) into a connected socket. The descriptor is switched to
// non-blocking mode.
func NewFromFD(fd int) (*Socket, error) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		return nil, fmt.Errorf("Failed to set fd %d non-blocking: %w", fd, err)
	}

	return &Socket{fd: fd, state: cell.New(StateConnected)}, nil
}

// FD returns the underlying descriptor.
func (s *Socket) FD() int {
	return s.fd
}

// State returns the socket's current state.
func (s *Socket) State() State {
	return s.state.Get()
}

// Connect connects a created socket to the given address, waiting for the
// non-blocking connect to complete.
func (s *Socket) Connect(addr Addr) error {
	if s.state.Get() != StateCreated {
		return fmt.Errorf("%w: connect requires a created socket", ErrInvalidOperation)
	}

	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}

	err = unix.Connect(s.fd, sa)
	for errors.Is(err, unix.EINTR) {
		err = unix.Connect(s.fd, sa)
	}

	if errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EAGAIN) {
		err = waitFD(s.fd, unix.POLLOUT)
		if err != nil {
			return err
		}

		soErr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("Failed to read connect result: %w", err)
		}

		if soErr != 0 {
			return fmt.Errorf("Failed to connect: %w", unix.Errno(soErr))
		}
	} else if err != nil {
		return fmt.Errorf("Failed to connect: %w", err)
	}

	s.state.Set(StateConnected)

	return nil
}

// Listen binds the socket to the address and starts listening. For Unix
// addresses a stale socket path is unlinked before bind when requested and
// the path mode is applied before listen.
func (s *Socket) Listen(addr Addr, backlog int) error {
	if s.state.Get() != StateCreated {
		return fmt.Errorf("%w: listen requires a created socket", ErrInvalidOperation)
	}

	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}

	unixAddr, isUnix := addr.(UnixAddr)
	if isUnix && unixAddr.UnlinkExisting {
		err := os.Remove(unixAddr.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("Failed to remove stale socket path %q: %w", unixAddr.Path, err)
		}
	}

	err = unix.Bind(s.fd, sa)
	if err != nil {
		return fmt.Errorf("Failed to bind: %w", err)
	}

	if isUnix {
		s.boundPath = unixAddr.Path

		if unixAddr.Mode != 0 {
			err := os.Chmod(unixAddr.Path, unixAddr.Mode)
			if err != nil {
				return fmt.Errorf("Failed to chmod socket path %q: %w", unixAddr.Path, err)
			}
		}
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	err = unix.Listen(s.fd, backlog)
	if err != nil {
		return fmt.Errorf("Failed to listen: %w", err)
	}

	s.state.Set(StateListening)

	return nil
}

// Accept waits for and returns the next connection on a listening socket.
func (s *Socket) Accept() (*Socket, error) {
	for {
		if s.state.Get() != StateListening {
			return nil, fmt.Errorf("%w: accept requires a listening socket", ErrInvalidOperation)
		}

		fd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return &Socket{fd: fd, state: cell.New(StateConnected)}, nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EAGAIN) {
			err = waitFD(s.fd, unix.POLLIN)
			if err != nil {
				if s.state.Get() == StateClosed {
					return nil, ErrSocketClosed
				}

				return nil, err
			}

			continue
		}

		if errors.Is(err, unix.EBADF) && s.state.Get() == StateClosed {
			return nil, ErrSocketClosed
		}

		return nil, fmt.Errorf("Failed to accept: %w", err)
	}
}

// AcceptStream returns a channel producing accepted sockets until the
// listener is closed. Only one stream may be active per listener.
func (s *Socket) AcceptStream() (<-chan *Socket, error) {
	if s.state.Get() != StateListening {
		return nil, fmt.Errorf("%w: accept stream requires a listening socket", ErrInvalidOperation)
	}

	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	if s.acceptActive {
		return nil, ErrAcceptStreamExists
	}

	s.acceptActive = true

	out := make(chan *Socket)
	s.acceptTomb = &tomb.Tomb{}
	s.acceptTomb.Go(func() error {
		defer close(out)

		for {
			conn, err := s.Accept()
			if err != nil {
				if !errors.Is(err, ErrSocketClosed) {
					logger.Warn("Accept stream terminated", logger.Ctx{"err": err})
				}

				return nil
			}

			select {
			case out <- conn:
			case <-s.acceptTomb.Dying():
				_ = conn.Close()
				return nil
			}
		}
	})

	return out, nil
}

// Read reads from a connected socket, waiting for readiness as needed.
func (s *Socket) Read(p []byte) (int, error) {
	if s.state.Get() != StateConnected {
		return 0, fmt.Errorf("%w: read requires a connected socket", ErrInvalidOperation)
	}

	for {
		n, err := unix.Read(s.fd, p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}

			return n, nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EAGAIN) {
			err = waitFD(s.fd, unix.POLLIN)
			if err != nil {
				return 0, err
			}

			continue
		}

		if s.state.Get() == StateClosed {
			return 0, ErrSocketClosed
		}

		return 0, fmt.Errorf("Failed to read: %w", err)
	}
}

// Write writes the whole buffer to a connected socket.
func (s *Socket) Write(p []byte) (int, error) {
	if s.state.Get() != StateConnected {
		return 0, fmt.Errorf("%w: write requires a connected socket", ErrInvalidOperation)
	}

	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		if n > 0 {
			written += n
		}

		if err == nil {
			continue
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EAGAIN) {
			err = waitFD(s.fd, unix.POLLOUT)
			if err != nil {
				return written, err
			}

			continue
		}

		if s.state.Get() == StateClosed {
			return written, ErrSocketClosed
		}

		return written, fmt.Errorf("Failed to write: %w", err)
	}

	return written, nil
}

// CloseWrite half-closes the write side of a connected socket.
func (s *Socket) CloseWrite() error {
	if s.state.Get() != StateConnected {
		return fmt.Errorf("%w: shutdown requires a connected socket", ErrInvalidOperation)
	}

	err := unix.Shutdown(s.fd, unix.SHUT_WR)
	if err != nil && !errors.Is(err, unix.ENOTCONN) {
		return fmt.Errorf("Failed to shut down write side: %w", err)
	}

	return nil
}

// Close closes the socket. A listening Unix socket's path is unlinked.
// Closing terminates any active accept stream.
func (s *Socket) Close() error {
	previous := s.state.Swap(StateClosed)
	if previous == StateClosed {
		return nil
	}

	s.acceptMu.Lock()
	acceptTomb := s.acceptTomb
	s.acceptMu.Unlock()

	err := unix.Close(s.fd)

	if acceptTomb != nil {
		acceptTomb.Kill(nil)
		_ = acceptTomb.Wait()
	}

	if s.boundPath != "" {
		_ = os.Remove(s.boundPath)
	}

	if err != nil {
		return fmt.Errorf("Failed to close socket: %w", err)
	}

	return nil
}

// waitFD blocks until the descriptor is ready for the given poll events.
func waitFD(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}

	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return fmt.Errorf("Failed to poll fd %d: %w", fd, err)
		}

		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return fmt.Errorf("%w: fd %d", ErrSocketClosed, fd)
			}

			return nil
		}
	}
}
