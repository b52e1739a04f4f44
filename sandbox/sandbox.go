// Package sandbox implements the container lifecycle: it boots a VM for a
// container's root filesystem, drives the in-guest supervisor to mount and
// configure the sandbox, launches the init and exec'd processes, relays
// their standard streams over vsock and tears everything down.
package sandbox

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/yeraldinm/containerization-sub002/agent"
	"github.com/yeraldinm/containerization-sub002/vm"
)

// ErrExists is returned for duplicate container or exec ids.
var ErrExists = errors.New("Identifier already in use")

// ErrNotFound is returned for unknown container or exec ids.
var ErrNotFound = errors.New("Identifier not found")

// ErrInvalidState is returned for operations illegal in the current
// lifecycle state.
var ErrInvalidState = errors.New("Invalid lifecycle state")

// ErrInvalidArgument is returned for malformed configuration.
var ErrInvalidArgument = errors.New("Invalid argument")

// State is the container lifecycle state.
type State int

// Container states.
const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MountKind discriminates the mount descriptor union.
type MountKind int

// Mount kinds.
const (
	// MountBlock is a block device mount.
	MountBlock MountKind = iota

	// MountShare is a host directory share.
	MountShare

	// MountVirtiofs is a virtiofs tag mount.
	MountVirtiofs
)

// Mount describes one filesystem mounted into the container. Options are
// ordered and duplicates are allowed.
type Mount struct {
	Kind        MountKind
	Format      string
	Source      string
	Tag         string
	Destination string
	Options     []string
}

// User is the credential set the init process runs with.
type User struct {
	UID            uint32
	GID            uint32
	AdditionalGIDs []uint32
}

// NetworkConfig programs the guest's network through the agent.
type NetworkConfig struct {
	// Interface is the guest interface name.
	Interface string

	// Address is the interface address in CIDR notation.
	Address string

	// Gateway is the default gateway address.
	Gateway string

	// DNS is the resolver configuration, written to DNSLocation.
	DNS         agent.DNSConfig
	DNSLocation string
}

// StdioStreams are the caller-supplied stdio sinks and source. A nil Stdout
// sink has the guest output drained and discarded. Without a terminal, a nil
// Stdin is signalled to the guest as immediate EOF and a nil Stderr gets no
// port at all.
type StdioStreams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Config describes a container to create.
type Config struct {
	// Kernel, InitialFilesystem and BootlogPath configure the VM boot.
	Kernel            string
	InitialFilesystem vm.BlockDevice
	BootlogPath       string

	// Rootfs is the container's immutable root filesystem block device.
	Rootfs vm.BlockDevice

	// Args, Env, Cwd and User form the init process spec.
	Args []string
	Env  []string
	Cwd  string
	User User

	// Hostname is applied inside the guest.
	Hostname string

	// Terminal merges the init process's stdio into one stream.
	Terminal bool

	// Mounts are applied in declared order after the standard setup.
	Mounts []Mount

	// Network, when set, is programmed before the init process is created.
	Network *NetworkConfig

	// Sysctls are applied right after the standard setup.
	Sysctls map[string]string

	// NestedVirtualization passes hardware virtualization into the guest.
	NestedVirtualization bool

	// Stdio are the init process streams.
	Stdio StdioStreams

	// ShutdownDelay is the pause between the TERM and KILL rounds of the
	// guest shutdown. Zero means the agent default.
	ShutdownDelay time.Duration

	// GracePeriod bounds how long Stop waits between SIGTERM and SIGKILL.
	// Zero means DefaultGracePeriod.
	GracePeriod time.Duration
}

// DefaultGracePeriod is the default SIGTERM to SIGKILL grace in Stop.
const DefaultGracePeriod = 5 * time.Second

// registry is the in-memory container table.
type registry struct {
	mu         sync.Mutex
	containers map[string]*Container
}

func newRegistry() *registry {
	return &registry{containers: map[string]*Container{}}
}

func (r *registry) add(id string, c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, taken := r.containers[id]
	if taken {
		return ErrExists
	}

	r.containers[id] = c

	return nil
}

func (r *registry) get(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return nil, ErrNotFound
	}

	return c, nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.containers, id)
}
