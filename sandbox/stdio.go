package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/yeraldinm/containerization-sub002/shared/cancel"
	"github.com/yeraldinm/containerization-sub002/shared/eagain"
	"github.com/yeraldinm/containerization-sub002/shared/epoll"
	"github.com/yeraldinm/containerization-sub002/shared/logger"
	"github.com/yeraldinm/containerization-sub002/vm"
)

// fdConn is a stream backed by a raw descriptor. Such streams are relayed
// through the edge-triggered readiness loop instead of a copy goroutine.
type fdConn interface {
	FD() int
}

// closeWriter is a stream supporting write-side half-shutdown.
type closeWriter interface {
	CloseWrite() error
}

func halfCloseOrClose(conn io.ReadWriteCloser) {
	cw, ok := conn.(closeWriter)
	if ok {
		_ = cw.CloseWrite()
		return
	}

	_ = conn.Close()
}

// relay forwards a process's standard streams between the caller-supplied
// sinks and the guest's vsock ports. Guest-to-host streams complete on EOF;
// host-to-guest streams half-close the connection when the source ends.
type relay struct {
	mu     sync.Mutex
	loop   *epoll.Loop
	conns  []io.Closer
	closed bool

	// tasks joins the loop and output copy goroutines on Close. Input copy
	// goroutines are detached: a source like os.Stdin cannot be unblocked.
	tasks sync.WaitGroup

	// Output stream accounting: outDone fires once the relay is sealed
	// and every output stream has been flushed to its sink.
	outCount int
	sealed   bool
	outDone  *cancel.Canceller
}

// startRelay dials the reserved stdio ports and wires each stream. Output
// ports without a caller sink are drained and discarded so the guest never
// blocks on a full pipe.
func startRelay(ctx context.Context, instance vm.Instance, ports stdioPorts, streams StdioStreams, terminal bool) (*relay, error) {
	rl := &relay{outDone: cancel.New()}

	ok := false
	defer func() {
		if !ok {
			rl.seal()
			_ = rl.Close()
		}
	}()

	if terminal {
		// One merged stream carries both directions.
		conn, err := instance.DialPort(ctx, *ports.stdin)
		if err != nil {
			return nil, fmt.Errorf("Failed to dial terminal port %d: %w", *ports.stdin, err)
		}

		rl.track(conn)
		rl.addOutput(conn, streams.Stdout)

		if streams.Stdin != nil {
			rl.addInput(streams.Stdin, conn)
		}
	} else {
		stdinConn, err := instance.DialPort(ctx, *ports.stdin)
		if err != nil {
			return nil, fmt.Errorf("Failed to dial stdin port %d: %w", *ports.stdin, err)
		}

		rl.track(stdinConn)

		if streams.Stdin != nil {
			rl.addInput(streams.Stdin, stdinConn)
		} else {
			// Nothing to feed: signal EOF to the guest right away.
			halfCloseOrClose(stdinConn)
		}

		stdoutConn, err := instance.DialPort(ctx, *ports.stdout)
		if err != nil {
			return nil, fmt.Errorf("Failed to dial stdout port %d: %w", *ports.stdout, err)
		}

		rl.track(stdoutConn)
		rl.addOutput(stdoutConn, streams.Stdout)

		if ports.stderr != nil {
			stderrConn, err := instance.DialPort(ctx, *ports.stderr)
			if err != nil {
				return nil, fmt.Errorf("Failed to dial stderr port %d: %w", *ports.stderr, err)
			}

			rl.track(stderrConn)
			rl.addOutput(stderrConn, streams.Stderr)
		}
	}

	rl.seal()
	ok = true

	return rl, nil
}

func (rl *relay) track(conn io.Closer) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.conns = append(rl.conns, conn)
}

// seal marks registration complete; once the output count drops to zero the
// relay is drained and the readiness loop can stop.
func (rl *relay) seal() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.sealed {
		return
	}

	rl.sealed = true
	if rl.outCount == 0 {
		rl.finishLocked()
	}
}

// finishOutput retires one output stream.
func (rl *relay) finishOutput() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.outCount--
	if rl.sealed && rl.outCount == 0 {
		rl.finishLocked()
	}
}

func (rl *relay) finishLocked() {
	rl.outDone.Cancel()

	if rl.loop != nil {
		rl.loop.Shutdown()
	}
}

// addOutput forwards guest output to the sink until EOF. Descriptor-backed
// streams go through the readiness loop; anything else is copied on a
// goroutine.
func (rl *relay) addOutput(conn io.ReadWriteCloser, sink io.Writer) {
	if sink == nil {
		sink = io.Discard
	}

	rl.mu.Lock()
	rl.outCount++
	rl.mu.Unlock()

	fc, ok := conn.(fdConn)
	if ok {
		err := rl.addOutputFD(fc.FD(), conn, sink)
		if err == nil {
			return
		}

		logger.Warn("Falling back to copy goroutine for stdio", logger.Ctx{"err": err})
	}

	rl.tasks.Add(1)
	go func() {
		defer rl.tasks.Done()
		defer rl.finishOutput()

		_, err := io.Copy(sink, eagain.Reader{Reader: conn})
		if err != nil {
			logger.Debug("Stdio output copy ended", logger.Ctx{"err": err})
		}
	}()
}

// addOutputFD registers a descriptor-backed output with the shared
// readiness loop.
func (rl *relay) addOutputFD(fd int, conn io.ReadWriteCloser, sink io.Writer) error {
	loop, err := rl.readinessLoop()
	if err != nil {
		return err
	}

	var once sync.Once
	finish := func() {
		once.Do(func() {
			_ = loop.Delete(fd)
			rl.finishOutput()
		})
	}

	buf := make([]byte, 32<<10)

	return loop.Add(fd, unix.EPOLLIN|unix.EPOLLRDHUP, func(events uint32) {
		for {
			n, err := unix.Read(fd, buf)
			if n > 0 {
				_, werr := sink.Write(buf[:n])
				if werr != nil {
					// Downstream is gone: cancel this direction.
					_ = conn.Close()
					finish()
					return
				}
			}

			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}

				if errors.Is(err, unix.EAGAIN) {
					// Drained for this edge, wait for the next one.
					return
				}

				finish()
				return
			}

			if n == 0 {
				// EOF upstream.
				finish()
				return
			}
		}
	})
}

// addInput feeds the caller's source into the guest, half-closing the
// stream on EOF so the guest observes end of input.
func (rl *relay) addInput(source io.Reader, conn io.ReadWriteCloser) {
	go func() {
		_, err := io.Copy(eagain.Writer{Writer: conn}, source)
		if err != nil {
			logger.Debug("Stdio input copy ended", logger.Ctx{"err": err})
		}

		halfCloseOrClose(conn)
	}()
}

// readinessLoop lazily creates the relay's shared epoll loop and its
// dispatch goroutine.
func (rl *relay) readinessLoop() (*epoll.Loop, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.loop != nil {
		return rl.loop, nil
	}

	loop, err := epoll.NewLoop()
	if err != nil {
		return nil, err
	}

	rl.loop = loop

	rl.tasks.Add(1)
	go func() {
		defer rl.tasks.Done()

		err := loop.Run(16, -1)
		if err != nil {
			logger.Warn("Stdio readiness loop failed", logger.Ctx{"err": err})
		}
	}()

	return loop, nil
}

// Drain blocks until every output stream has been flushed to its sink.
func (rl *relay) Drain(ctx context.Context) error {
	select {
	case <-rl.outDone.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the relay down: connections are closed, the readiness loop is
// stopped and the joinable goroutines are collected.
func (rl *relay) Close() error {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil
	}

	rl.closed = true
	conns := rl.conns
	loop := rl.loop
	rl.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}

	if loop != nil {
		loop.Shutdown()
	}

	rl.tasks.Wait()

	if loop != nil {
		_ = loop.Close()
	}

	return nil
}
