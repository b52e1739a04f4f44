//go:build linux

package spawn

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func stdioFiles(t *testing.T) (files []*os.File, stdout *os.File) {
	t.Helper()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = devNull.Close() })

	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return []*os.File{devNull, w, devNull}, r
}

func TestRunTrue(t *testing.T) {
	files, _ := stdioFiles(t)
	defer func() { _ = files[1].Close() }()

	pid, err := Run("/bin/true", []string{"true"}, nil, files, "", Attr{})
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	code, err := Wait(pid)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunFalse(t *testing.T) {
	files, _ := stdioFiles(t)
	defer func() { _ = files[1].Close() }()

	pid, err := Run("/bin/false", []string{"false"}, nil, files, "", Attr{})
	require.NoError(t, err)

	code, err := Wait(pid)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestRunEcho(t *testing.T) {
	files, stdout := stdioFiles(t)

	pid, err := Run("/bin/echo", []string{"echo", "hi"}, nil, files, "", Attr{})
	require.NoError(t, err)

	// Close the parent's copy of the write end so the read drains.
	_ = files[1].Close()

	data, err := io.ReadAll(stdout)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	code, err := Wait(pid)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunWorkingDirectory(t *testing.T) {
	files, stdout := stdioFiles(t)

	dir := t.TempDir()
	pid, err := Run("/bin/pwd", []string{"pwd"}, nil, files, dir, Attr{})
	require.NoError(t, err)

	_ = files[1].Close()

	data, err := io.ReadAll(stdout)
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", string(data))

	code, err := Wait(pid)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunMissingExecutable(t *testing.T) {
	files, _ := stdioFiles(t)
	defer func() { _ = files[1].Close() }()

	_, err := Run("/nonexistent/binary", []string{"binary"}, nil, files, "", Attr{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ENOENT))

	// The failed child must have been reaped already.
	var status unix.WaitStatus
	_, err = unix.Wait4(-1, &status, unix.WNOHANG, nil)
	assert.True(t, err == nil || errors.Is(err, unix.ECHILD))
}

func TestRunSetsid(t *testing.T) {
	files, _ := stdioFiles(t)
	defer func() { _ = files[1].Close() }()

	// A session leader's sid equals its pid.
	pid, err := Run("/bin/sleep", []string{"sleep", "5"}, nil, files, "", Attr{SetSID: true})
	require.NoError(t, err)

	sid, err := unix.Getsid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, sid)

	require.NoError(t, unix.Kill(pid, unix.SIGKILL))

	_, err = Wait(pid)
	require.NoError(t, err)
}

func TestRunProcessGroup(t *testing.T) {
	files, _ := stdioFiles(t)
	defer func() { _ = files[1].Close() }()

	pid, err := Run("/bin/sleep", []string{"sleep", "5"}, nil, files, "", Attr{SetPGID: true})
	require.NoError(t, err)

	pgid, err := unix.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, pgid)

	require.NoError(t, unix.Kill(pid, unix.SIGKILL))

	code, err := Wait(pid)
	require.NoError(t, err)
	assert.Equal(t, 128+int(unix.SIGKILL), code)
}
