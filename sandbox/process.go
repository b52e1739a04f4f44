package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/yeraldinm/containerization-sub002/agent"
	"github.com/yeraldinm/containerization-sub002/shared/cell"
)

// ProcessState is the lifecycle state of an init or exec'd process.
type ProcessState int

// Process states.
const (
	ProcessCreated ProcessState = iota
	ProcessStarted
	ProcessExited
	ProcessDeleted
)

// Process is one guest process, identified by (container id, process id).
// The init process uses the container id as its process id.
type Process struct {
	id        string
	container *Container
	spec      agent.ProcessSpec
	ports     stdioPorts
	streams   StdioStreams

	// pid is the last known guest pid.
	pid *cell.Cell[int32]

	relay *relay

	waitMu   sync.Mutex
	state    ProcessState
	exitCode int32
}

// ID returns the process id.
func (p *Process) ID() string {
	return p.id
}

// PID returns the last known guest pid.
func (p *Process) PID() int32 {
	return p.pid.Get()
}

// containerID returns the owning container id for agent calls, empty for
// the init process itself.
func (p *Process) containerID() string {
	if p.container.init == p {
		return ""
	}

	return p.container.id
}

// start connects the stdio relay and launches the process.
func (p *Process) start(ctx context.Context) error {
	relay, err := startRelay(ctx, p.container.instance, p.ports, p.streams, p.spec.Terminal)
	if err != nil {
		return fmt.Errorf("Failed to start stdio relay for %q: %w", p.id, err)
	}

	pid, err := p.container.client.StartProcess(ctx, p.id, p.containerID())
	if err != nil {
		_ = relay.Close()
		return fmt.Errorf("Failed to start process %q: %w", p.id, err)
	}

	p.relay = relay
	p.pid.Set(pid)

	p.waitMu.Lock()
	p.state = ProcessStarted
	p.waitMu.Unlock()

	return nil
}

// Wait blocks until the process exits and returns its exit code. The code
// latches on first success; buffered stdio output is flushed to the
// caller's sinks before Wait returns. Cancelling the context aborts only
// the pending observation.
func (p *Process) Wait(ctx context.Context) (int32, error) {
	p.waitMu.Lock()
	if p.state == ProcessExited || p.state == ProcessDeleted {
		code := p.exitCode
		p.waitMu.Unlock()
		return code, nil
	}
	p.waitMu.Unlock()

	code, err := p.container.client.WaitProcess(ctx, p.id, p.containerID(), 0)
	if err != nil {
		return 0, err
	}

	// Deliver remaining buffered output before reporting the exit.
	if p.relay != nil {
		err := p.relay.Drain(ctx)
		if err != nil {
			return 0, fmt.Errorf("Failed to drain stdio of %q: %w", p.id, err)
		}
	}

	p.waitMu.Lock()
	if p.state != ProcessExited && p.state != ProcessDeleted {
		p.state = ProcessExited
		p.exitCode = code
	}
	code = p.exitCode
	p.waitMu.Unlock()

	return code, nil
}

// Signal delivers a signal to the process.
func (p *Process) Signal(ctx context.Context, signal int32) error {
	return p.container.client.SignalProcess(ctx, p.id, p.containerID(), signal)
}

// Resize updates the process's terminal size.
func (p *Process) Resize(ctx context.Context, columns uint32, rows uint32) error {
	return p.container.client.ResizeProcess(ctx, p.id, p.containerID(), columns, rows)
}

// Delete removes an exited process from the supervisor and releases its
// stdio ports.
func (p *Process) Delete(ctx context.Context) error {
	p.waitMu.Lock()
	state := p.state
	p.waitMu.Unlock()

	if state != ProcessExited {
		return fmt.Errorf("%w: delete requires an exited process", ErrInvalidState)
	}

	err := p.container.client.DeleteProcess(ctx, p.id, p.containerID())
	if err != nil {
		return err
	}

	if p.relay != nil {
		_ = p.relay.Close()
	}

	p.container.runtime.releaseStdioPorts(p.ports)
	p.container.execDone(p.id)

	p.waitMu.Lock()
	p.state = ProcessDeleted
	p.waitMu.Unlock()

	return nil
}
