//go:build linux

package epoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoopDispatch(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	var pipeFDs [2]int
	require.NoError(t, unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC))
	defer func() {
		_ = unix.Close(pipeFDs[0])
		_ = unix.Close(pipeFDs[1])
	}()

	got := make(chan uint32, 1)
	err = loop.Add(pipeFDs[0], unix.EPOLLIN, func(events uint32) {
		// Drain so the edge does not re-trigger.
		buf := make([]byte, 16)
		_, _ = unix.Read(pipeFDs[0], buf)
		got <- events
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() {
		runDone <- loop.Run(8, -1)
	}()

	_, err = unix.Write(pipeFDs[1], []byte("x"))
	require.NoError(t, err)

	select {
	case events := <-got:
		assert.NotZero(t, events&unix.EPOLLIN)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for readiness event")
	}

	loop.Shutdown()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestLoopDeleteIdempotent(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	var pipeFDs [2]int
	require.NoError(t, unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC))

	require.NoError(t, loop.Add(pipeFDs[0], unix.EPOLLIN, func(uint32) {}))

	// Deleting twice, and deleting after the caller closed the fd, succeed.
	require.NoError(t, loop.Delete(pipeFDs[0]))
	require.NoError(t, loop.Delete(pipeFDs[0]))

	_ = unix.Close(pipeFDs[0])
	_ = unix.Close(pipeFDs[1])
	require.NoError(t, loop.Delete(pipeFDs[0]))

	// Deleting a descriptor that was never registered is tolerated too.
	require.NoError(t, loop.Delete(12345))
}

func TestLoopQuiescentTimeout(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	// With a bounded timeout and no ready descriptors Run returns.
	err = loop.Run(4, 10)
	require.NoError(t, err)
}

func TestLoopAddAfterClose(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	var pipeFDs [2]int
	require.NoError(t, unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC))
	defer func() {
		_ = unix.Close(pipeFDs[0])
		_ = unix.Close(pipeFDs[1])
	}()

	err = loop.Add(pipeFDs[0], unix.EPOLLIN, func(uint32) {})
	require.ErrorIs(t, err, ErrLoopClosed)
}
