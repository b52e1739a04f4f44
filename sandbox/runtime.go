package sandbox

import (
	"context"
	"fmt"

	"github.com/yeraldinm/containerization-sub002/agent"
	"github.com/yeraldinm/containerization-sub002/shared/cell"
	"github.com/yeraldinm/containerization-sub002/shared/ip"
	"github.com/yeraldinm/containerization-sub002/shared/logger"
	"github.com/yeraldinm/containerization-sub002/shared/revert"
	"github.com/yeraldinm/containerization-sub002/vm"
)

// Stdio vsock ports are handed out of this range, rotating so recently
// released ports are not immediately reused.
const (
	stdioPortBase  = 0x10000
	stdioPortCount = 0x10000
)

// Runtime owns the container registry, the stdio port allocator and the
// hypervisor capability.
type Runtime struct {
	manager  vm.Manager
	registry *registry
	ports    *ip.RotatingAllocator

	// connect builds the agent client for a booted instance. Tests inject
	// their own.
	connect func(ctx context.Context, instance vm.Instance) (*agent.Client, error)
}

// NewRuntime returns a runtime backed by the given hypervisor capability.
func NewRuntime(manager vm.Manager) *Runtime {
	ports, err := ip.NewRotatingAllocator(stdioPortBase, stdioPortCount)
	if err != nil {
		// The range is a compile-time constant; this cannot happen.
		panic(err)
	}

	return &Runtime{
		manager:  manager,
		registry: newRegistry(),
		ports:    ports,
		connect: func(ctx context.Context, instance vm.Instance) (*agent.Client, error) {
			transport, err := instance.Agent(ctx)
			if err != nil {
				return nil, err
			}

			return agent.Connect(transport)
		},
	}
}

// Get returns a container by id.
func (r *Runtime) Get(id string) (*Container, error) {
	return r.registry.get(id)
}

// stdioPorts are the reserved vsock ports of one process.
type stdioPorts struct {
	stdin  *uint32
	stdout *uint32
	stderr *uint32

	// reserved lists the distinct ports to release.
	reserved []uint32
}

func (p stdioPorts) agentPorts() agent.StdioPorts {
	return agent.StdioPorts{Stdin: p.stdin, Stdout: p.stdout, Stderr: p.stderr}
}

// reserveStdioPorts allocates the vsock ports for a process: one merged
// port with a terminal, two without a stderr sink, three otherwise.
func (r *Runtime) reserveStdioPorts(terminal bool, streams StdioStreams) (stdioPorts, error) {
	count := 3
	if terminal {
		count = 1
	} else if streams.Stderr == nil {
		count = 2
	}

	ports := stdioPorts{}
	for range count {
		port, err := r.ports.Allocate()
		if err != nil {
			r.releaseStdioPorts(ports)
			return stdioPorts{}, err
		}

		ports.reserved = append(ports.reserved, port)
	}

	if terminal {
		ports.stdin = &ports.reserved[0]
		ports.stdout = &ports.reserved[0]
	} else {
		ports.stdin = &ports.reserved[0]
		ports.stdout = &ports.reserved[1]

		if count == 3 {
			ports.stderr = &ports.reserved[2]
		}
	}

	return ports, nil
}

func (r *Runtime) releaseStdioPorts(ports stdioPorts) {
	for _, port := range ports.reserved {
		err := r.ports.Release(port)
		if err != nil {
			logger.Warn("Failed to release stdio port", logger.Ctx{"port": port, "err": err})
		}
	}
}

// Create boots a VM for the container, prepares the guest through the agent
// and registers the init process. Any failure tears down in reverse order
// and leaves no residue.
func (r *Runtime) Create(ctx context.Context, id string, config Config) (*Container, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty container id", ErrInvalidArgument)
	}

	if len(config.Args) == 0 {
		return nil, fmt.Errorf("%w: empty init arguments", ErrInvalidArgument)
	}

	// Validate the network configuration before touching anything.
	if config.Network != nil {
		_, err := ip.ParseCIDR(config.Network.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: bad interface address: %w", ErrInvalidArgument, err)
		}

		_, err = ip.ParseAddr(config.Network.Gateway)
		if err != nil {
			return nil, fmt.Errorf("%w: bad gateway address: %w", ErrInvalidArgument, err)
		}
	}

	c := &Container{
		id:       id,
		config:   config,
		runtime:  r,
		state:    cell.New(StateCreated),
		execs:    map[string]*Process{},
		logger:   logger.AddContext(logger.Ctx{"container": id}),
	}

	reverter := revert.New()
	defer reverter.Fail()

	err := r.registry.add(id, c)
	if err != nil {
		return nil, fmt.Errorf("Failed to register container %q: %w", id, err)
	}

	reverter.Add(func() { r.registry.remove(id) })

	ports, err := r.reserveStdioPorts(config.Terminal, config.Stdio)
	if err != nil {
		return nil, fmt.Errorf("Failed to reserve stdio ports: %w", err)
	}

	reverter.Add(func() { r.releaseStdioPorts(ports) })

	c.logger.Debug("Booting sandbox VM", logger.Ctx{"kernel": config.Kernel})

	instance, err := r.manager.Boot(ctx, vm.BootConfig{
		Kernel:               config.Kernel,
		InitialFilesystem:    config.InitialFilesystem,
		RootFilesystem:       config.Rootfs,
		BootlogPath:          config.BootlogPath,
		NestedVirtualization: config.NestedVirtualization,
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to boot VM: %w", err)
	}

	reverter.Add(func() { _ = instance.Stop(context.Background()) })

	client, err := r.connect(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to agent: %w", err)
	}

	reverter.Add(func() { _ = client.Close() })

	err = c.prepareGuest(ctx, client, reverter)
	if err != nil {
		return nil, err
	}

	init := &Process{
		id:        id,
		container: c,
		ports:     ports,
		streams:   config.Stdio,
		pid:       cell.New(int32(0)),
		spec: agent.ProcessSpec{
			Args:     config.Args,
			Env:      config.Env,
			Cwd:      config.Cwd,
			Terminal: config.Terminal,
			User: agent.ProcessUser{
				UID:            config.User.UID,
				GID:            config.User.GID,
				AdditionalGIDs: config.User.AdditionalGIDs,
			},
		},
	}

	err = client.CreateProcess(ctx, init.id, "", ports.agentPorts(), &init.spec)
	if err != nil {
		return nil, fmt.Errorf("Failed to create init process: %w", err)
	}

	c.instance = instance
	c.client = client
	c.init = init

	reverter.Success()

	c.logger.Info("Container created")

	return c, nil
}
