package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"

	"github.com/yeraldinm/containerization-sub002/agent"
	"github.com/yeraldinm/containerization-sub002/shared/cell"
	"github.com/yeraldinm/containerization-sub002/shared/logger"
	"github.com/yeraldinm/containerization-sub002/shared/revert"
	"github.com/yeraldinm/containerization-sub002/vm"
)

// Container is one sandbox: a VM, an agent channel and an init process.
type Container struct {
	id      string
	config  Config
	runtime *Runtime
	logger  logger.Logger

	state *cell.Cell[State]

	instance vm.Instance
	client   *agent.Client
	init     *Process

	execMu sync.Mutex
	execs  map[string]*Process
}

// ID returns the container id.
func (c *Container) ID() string {
	return c.id
}

// State returns the container lifecycle state.
func (c *Container) State() State {
	return c.state.Get()
}

// Init returns the init process handle.
func (c *Container) Init() *Process {
	return c.init
}

// prepareGuest runs the standard setup, sysctls, network programming and
// mounts, registering an unwind step for each mount.
func (c *Container) prepareGuest(ctx context.Context, client *agent.Client, reverter *revert.Reverter) error {
	err := client.StandardSetup(ctx)
	if err != nil {
		return fmt.Errorf("Failed guest standard setup: %w", err)
	}

	sysctls := map[string]string{}
	for key, value := range c.config.Sysctls {
		sysctls[key] = value
	}

	if c.config.Hostname != "" {
		sysctls["kernel.hostname"] = c.config.Hostname
	}

	if len(sysctls) > 0 {
		err := client.Sysctl(ctx, sysctls)
		if err != nil {
			return fmt.Errorf("Failed to apply sysctls: %w", err)
		}
	}

	if c.config.Network != nil {
		err := c.programNetwork(ctx, client, c.config.Network)
		if err != nil {
			return err
		}
	}

	// Mounts are applied in declared order and unwound in reverse.
	for _, mount := range c.config.Mounts {
		err := c.applyMount(ctx, client, mount)
		if err != nil {
			return fmt.Errorf("Failed to mount %q: %w", mount.Destination, err)
		}

		destination := mount.Destination
		reverter.Add(func() {
			err := client.Umount(context.Background(), destination, 0)
			if err != nil {
				// A mount that never fully materialized is fine to skip.
				agentErr := &agent.Error{}
				if errors.As(err, &agentErr) && agentErr.Status == codes.NotFound {
					return
				}

				c.logger.Warn("Failed to unmount during cleanup", logger.Ctx{"destination": destination, "err": err})
			}
		})
	}

	return nil
}

func (c *Container) programNetwork(ctx context.Context, client *agent.Client, network *NetworkConfig) error {
	iface := network.Interface
	if iface == "" {
		iface = "eth0"
	}

	err := client.Up(ctx, iface)
	if err != nil {
		return fmt.Errorf("Failed to bring %q up: %w", iface, err)
	}

	err = client.AddressAdd(ctx, iface, network.Address)
	if err != nil {
		return fmt.Errorf("Failed to add address to %q: %w", iface, err)
	}

	err = client.RouteAddDefault(ctx, iface, network.Gateway)
	if err != nil {
		return fmt.Errorf("Failed to add default route via %q: %w", network.Gateway, err)
	}

	location := network.DNSLocation
	if location == "" {
		location = "/etc/resolv.conf"
	}

	err = client.ConfigureDNS(ctx, network.DNS, location)
	if err != nil {
		return fmt.Errorf("Failed to configure DNS: %w", err)
	}

	return nil
}

func (c *Container) applyMount(ctx context.Context, client *agent.Client, mount Mount) error {
	switch mount.Kind {
	case MountBlock:
		return client.Mount(ctx, mount.Format, mount.Source, mount.Destination, mount.Options)
	case MountShare:
		return client.Mount(ctx, "virtiofs", mount.Source, mount.Destination, mount.Options)
	case MountVirtiofs:
		return client.Mount(ctx, "virtiofs", mount.Tag, mount.Destination, mount.Options)
	default:
		return fmt.Errorf("%w: unknown mount kind %d", ErrInvalidArgument, mount.Kind)
	}
}

// Start launches the init process and begins relaying its standard streams.
// It is legal only from the Created state; on failure the container stays
// Created with init not running.
func (c *Container) Start(ctx context.Context) error {
	if c.state.Get() != StateCreated {
		return fmt.Errorf("%w: start requires a created container", ErrInvalidState)
	}

	err := c.init.start(ctx)
	if err != nil {
		return err
	}

	c.state.Set(StateRunning)

	c.logger.Info("Container started", logger.Ctx{"pid": c.init.PID()})

	return nil
}

// Wait blocks until the init process exits and returns its exit code. The
// result latches: later calls return the cached code immediately. All
// buffered stdio output reaches the caller's sinks before Wait returns.
// Cancelling the context aborts only this observation; re-issuing Wait
// resumes it.
func (c *Container) Wait(ctx context.Context) (int32, error) {
	return c.init.Wait(ctx)
}

// Kill sends an arbitrary signal to the init process.
func (c *Container) Kill(ctx context.Context, signal int32) error {
	if c.state.Get() != StateRunning {
		return fmt.Errorf("%w: kill requires a running container", ErrInvalidState)
	}

	return c.client.SignalProcess(ctx, c.init.id, "", signal)
}

// Exec creates and starts an additional process in the container. The id
// must be unique within the container. The returned handle exposes Wait,
// Signal, Resize and Delete.
func (c *Container) Exec(ctx context.Context, id string, spec agent.ProcessSpec, streams StdioStreams) (*Process, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty exec id", ErrInvalidArgument)
	}

	if c.state.Get() != StateRunning {
		return nil, fmt.Errorf("%w: exec requires a running container", ErrInvalidState)
	}

	c.execMu.Lock()
	_, taken := c.execs[id]
	if taken {
		c.execMu.Unlock()
		return nil, fmt.Errorf("%w: exec %q", ErrExists, id)
	}

	// Reserve the slot before the RPCs so concurrent execs with the same
	// id cannot race.
	c.execs[id] = nil
	c.execMu.Unlock()

	reverter := revert.New()
	defer reverter.Fail()

	reverter.Add(func() {
		c.execMu.Lock()
		delete(c.execs, id)
		c.execMu.Unlock()
	})

	ports, err := c.runtime.reserveStdioPorts(spec.Terminal, streams)
	if err != nil {
		return nil, fmt.Errorf("Failed to reserve stdio ports: %w", err)
	}

	reverter.Add(func() { c.runtime.releaseStdioPorts(ports) })

	process := &Process{
		id:        id,
		container: c,
		ports:     ports,
		streams:   streams,
		spec:      spec,
		pid:       cell.New(int32(0)),
	}

	err = c.client.CreateProcess(ctx, id, c.id, ports.agentPorts(), &spec)
	if err != nil {
		return nil, fmt.Errorf("Failed to create exec process %q: %w", id, err)
	}

	err = process.start(ctx)
	if err != nil {
		_ = c.client.DeleteProcess(context.Background(), id, c.id)
		return nil, err
	}

	c.execMu.Lock()
	c.execs[id] = process
	c.execMu.Unlock()

	reverter.Success()

	return process, nil
}

// Stop terminates the container: SIGTERM to init, a bounded grace period,
// SIGKILL if needed, then a syncing guest shutdown, hypervisor stop and
// port release. Every step is attempted even when earlier ones fail and
// the failures are aggregated.
func (c *Container) Stop(ctx context.Context) error {
	state := c.state.Get()
	if state == StateStopped {
		return nil
	}

	failures := []error{}

	if state == StateRunning {
		err := c.stopInit(ctx)
		if err != nil {
			failures = append(failures, err)
		}

		// Outstanding exec handles must settle before teardown.
		err = c.waitExecs(ctx)
		if err != nil {
			failures = append(failures, err)
		}
	}

	err := c.client.SyncingShutdown(ctx, c.config.ShutdownDelay)
	if err != nil {
		failures = append(failures, fmt.Errorf("Failed syncing shutdown: %w", err))
	}

	err = c.client.Close()
	if err != nil {
		failures = append(failures, fmt.Errorf("Failed to close agent channel: %w", err))
	}

	err = c.instance.Stop(ctx)
	if err != nil {
		failures = append(failures, fmt.Errorf("Failed to stop VM: %w", err))
	}

	c.runtime.releaseStdioPorts(c.init.ports)

	c.state.Set(StateStopped)

	c.logger.Info("Container stopped")

	return errors.Join(failures...)
}

// stopInit delivers SIGTERM, waits out the grace period and escalates to
// SIGKILL if the init process is still running.
func (c *Container) stopInit(ctx context.Context) error {
	err := c.client.SignalProcess(ctx, c.init.id, "", int32(unix.SIGTERM))
	if err != nil {
		return fmt.Errorf("Failed to deliver SIGTERM: %w", err)
	}

	grace := c.config.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	_, err = c.init.Wait(graceCtx)
	if err == nil {
		return nil
	}

	c.logger.Info("Grace period expired, escalating to SIGKILL")

	err = c.client.SignalProcess(ctx, c.init.id, "", int32(unix.SIGKILL))
	if err != nil {
		return fmt.Errorf("Failed to deliver SIGKILL: %w", err)
	}

	_, err = c.init.Wait(ctx)
	if err != nil {
		return fmt.Errorf("Failed to reap init after SIGKILL: %w", err)
	}

	return nil
}

// waitExecs waits for every outstanding exec'd process to exit.
func (c *Container) waitExecs(ctx context.Context) error {
	c.execMu.Lock()
	pending := make([]*Process, 0, len(c.execs))
	for _, process := range c.execs {
		if process != nil {
			pending = append(pending, process)
		}
	}
	c.execMu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, process := range pending {
		group.Go(func() error {
			_, err := process.Wait(groupCtx)
			return err
		})
	}

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("Failed to settle exec'd processes: %w", err)
	}

	return nil
}

// Delete removes a stopped container from the registry. Every exec'd
// process must have terminated.
func (c *Container) Delete(ctx context.Context) error {
	if c.state.Get() != StateStopped {
		return fmt.Errorf("%w: delete requires a stopped container", ErrInvalidState)
	}

	c.runtime.registry.remove(c.id)

	return nil
}

// execDone drops an exec'd process from the outstanding table.
func (c *Container) execDone(id string) {
	c.execMu.Lock()
	delete(c.execs, id)
	c.execMu.Unlock()
}
