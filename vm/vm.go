// Package vm defines the hypervisor capability the container lifecycle
// consumes. Implementations boot a lightweight Linux VM from a kernel and an
// initial filesystem and expose its vsock transport; the backends themselves
// live outside this module.
package vm

import (
	"context"
	"io"

	"github.com/yeraldinm/containerization-sub002/agent"
)

// BlockDevice describes a disk attached to a VM at boot.
type BlockDevice struct {
	// Path is the host path of the backing image.
	Path string

	// ReadOnly attaches the device read-only.
	ReadOnly bool
}

// BootConfig describes how to boot a VM.
type BootConfig struct {
	// Kernel is the host path of the kernel image.
	Kernel string

	// InitialFilesystem is the block device holding the supervisor's root.
	InitialFilesystem BlockDevice

	// RootFilesystem is the container's root block device.
	RootFilesystem BlockDevice

	// BootlogPath receives the VM console output.
	BootlogPath string

	// NestedVirtualization enables hardware virtualization inside the guest.
	NestedVirtualization bool
}

// Instance is a booted VM.
type Instance interface {
	// Agent returns the transport for the in-guest supervisor's agent
	// port, either a connected descriptor or a proxied socket path.
	Agent(ctx context.Context) (*agent.Transport, error)

	// DialPort connects to an arbitrary guest vsock port.
	DialPort(ctx context.Context, port uint32) (io.ReadWriteCloser, error)

	// Stop shuts the VM down. It is idempotent.
	Stop(ctx context.Context) error
}

// Manager produces boot-ready VMs.
type Manager interface {
	// Boot starts a VM for the given configuration.
	Boot(ctx context.Context, config BootConfig) (Instance, error)
}
