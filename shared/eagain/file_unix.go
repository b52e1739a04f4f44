//go:build linux

// Package eagain provides io.Reader and io.Writer wrappers that transparently
// retry reads and writes interrupted by EAGAIN or EINTR on non-blocking files.
package eagain

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Reader represents an io.Reader that handles EAGAIN and EINTR.
type Reader struct {
	Reader io.Reader
}

// Read implements io.Reader.
func (er Reader) Read(p []byte) (int, error) {
	again := true
	for again {
		again = false

		n, err := er.Reader.Read(p)
		if err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
			again = true
			continue
		}

		return n, err
	}

	return 0, nil
}

// Writer represents an io.Writer that handles EAGAIN and EINTR.
type Writer struct {
	Writer io.Writer
}

// Write implements io.Writer.
func (ew Writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := ew.Writer.Write(p[written:])
		written += n

		if err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
			continue
		}

		if err != nil {
			return written, err
		}
	}

	return written, nil
}
