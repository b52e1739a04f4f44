//go:build linux

// Package spawn provides a fork/exec primitive with explicit file descriptor
// placement, session and controlling-terminal control, and credential
// switching.
//
// The underlying fork/exec is syscall.ForkExec, whose child-side algorithm
// is the classic one: a close-on-exec sync pipe relays the child's pre-exec
// errno to the parent, the requested descriptors are shuffled into fds
// 0..N-1 through temporary duplicates above the pipe, every other inherited
// descriptor stays close-on-exec, and a failed child is reaped before the
// call returns. Credentials are applied groups/gid first, then uid.
package spawn

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Attr carries the session, process group, terminal and credential
// attributes applied in the child before exec.
type Attr struct {
	// SetPGID moves the child into process group PGID (0 creates one).
	SetPGID bool
	PGID    int

	// SetSID makes the child a session leader.
	SetSID bool

	// SetCTTY makes CTTY the child's controlling terminal. CTTY is a
	// descriptor number in the child, i.e. an index into the placed files.
	SetCTTY bool
	CTTY    int

	// UID and GID switch the child's credentials when non-nil. The gid is
	// applied before the uid.
	UID *uint32
	GID *uint32

	// ExtraGIDs is the supplementary group list.
	ExtraGIDs []uint32
}

// The primitive manipulates process-wide state (the fork itself and, via the
// runtime, the signal handling around it), so spawns are serialized.
var spawnMu sync.Mutex

// Run starts path with the given argv and environment. files[i] becomes the
// child's descriptor i; the child inherits nothing else. dir, when
// non-empty, is the child's working directory. It returns the child pid.
//
// Any pre-exec failure in the child is reported as that failure's errno and
// the child is reaped before Run returns.
func Run(path string, args []string, env []string, files []*os.File, dir string, attr Attr) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("%w: empty executable path", unix.EINVAL)
	}

	fds := make([]uintptr, len(files))
	for i, file := range files {
		if file == nil {
			return 0, fmt.Errorf("%w: nil file at index %d", unix.EINVAL, i)
		}

		fds[i] = file.Fd()
	}

	sys := &syscall.SysProcAttr{
		Setsid:  attr.SetSID,
		Setpgid: attr.SetPGID,
		Pgid:    attr.PGID,
		Setctty: attr.SetCTTY,
		Ctty:    attr.CTTY,
	}

	if attr.UID != nil || attr.GID != nil || len(attr.ExtraGIDs) > 0 {
		credential := &syscall.Credential{}

		if attr.UID != nil {
			credential.Uid = *attr.UID
		}

		if attr.GID != nil {
			credential.Gid = *attr.GID
		}

		credential.Groups = append(credential.Groups, attr.ExtraGIDs...)

		sys.Credential = credential
	}

	procAttr := &syscall.ProcAttr{
		Dir:   dir,
		Env:   env,
		Files: fds,
		Sys:   sys,
	}

	spawnMu.Lock()
	defer spawnMu.Unlock()

	pid, err := syscall.ForkExec(path, args, procAttr)
	if err != nil {
		return 0, fmt.Errorf("Failed to spawn %q: %w", path, err)
	}

	return pid, nil
}

// Wait reaps the child and returns its exit code. A child killed by a
// signal yields 128 plus the signal number.
func Wait(pid int) (int, error) {
	var status unix.WaitStatus

	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == nil {
			break
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		return -1, fmt.Errorf("Failed to wait for pid %d: %w", pid, err)
	}

	if status.Signaled() {
		return 128 + int(status.Signal()), nil
	}

	return status.ExitStatus(), nil
}
