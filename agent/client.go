// Package agent provides the typed RPC client for the in-guest supervisor.
// It mounts filesystems, configures the network, drives guest processes and
// manages vsock socket relays over a gRPC channel reachable through a Unix
// socket, a vsock address or an already-connected descriptor.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/yeraldinm/containerization-sub002/shared/logger"
)

// servicePrefix is the wire name of the supervisor service.
const servicePrefix = "/vminitd.v1.Agent/"

// DefaultShutdownDelay is the pause between the TERM and KILL rounds of
// SyncingShutdown.
const DefaultShutdownDelay = 10 * time.Millisecond

// Client is a connected agent channel. All methods are safe for concurrent
// use; the agent serializes per-container operations on its side.
type Client struct {
	conn *grpc.ClientConn
}

// Connect establishes the agent channel for the given transport.
func Connect(transport *Transport) (*Client, error) {
	conn, err := transport.connect()
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

// Close tears the channel down.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, op string, req any, resp any) error {
	err := c.conn.Invoke(ctx, servicePrefix+op, req, resp)

	return mapError(ctx, op, err)
}

// StandardSetup brings lo up, sets PATH and mounts sysfs, tmpfs, devpts and
// cgroup2 with standard options.
func (c *Client) StandardSetup(ctx context.Context) error {
	return c.invoke(ctx, "StandardSetup", &standardSetupRequest{}, &emptyResponse{})
}

// Mount mounts a filesystem inside the guest.
func (c *Client) Mount(ctx context.Context, fsType string, source string, destination string, options []string) error {
	req := &mountRequest{Type: fsType, Source: source, Destination: destination, Options: options}

	return c.invoke(ctx, "Mount", req, &emptyResponse{})
}

// Umount unmounts a guest path.
func (c *Client) Umount(ctx context.Context, path string, flags int32) error {
	return c.invoke(ctx, "Umount", &umountRequest{Path: path, Flags: flags}, &emptyResponse{})
}

// Mkdir creates a directory inside the guest.
func (c *Client) Mkdir(ctx context.Context, path string, recursive bool, perms uint32) error {
	return c.invoke(ctx, "Mkdir", &mkdirRequest{Path: path, Recursive: recursive, Perms: perms}, &emptyResponse{})
}

// CreateProcess registers a process with the supervisor. The spec travels
// as canonical JSON; the call fails if the id is already in use.
func (c *Client) CreateProcess(ctx context.Context, id string, containerID string, stdio StdioPorts, spec *ProcessSpec) error {
	encoded, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("Failed to encode process spec: %w", err)
	}

	req := &createProcessRequest{ID: id, ContainerID: containerID, Stdio: stdio, Spec: encoded}

	return c.invoke(ctx, "CreateProcess", req, &emptyResponse{})
}

// StartProcess launches a created process and returns its guest pid.
func (c *Client) StartProcess(ctx context.Context, id string, containerID string) (int32, error) {
	resp := startProcessResponse{}

	err := c.invoke(ctx, "StartProcess", &processRequest{ID: id, ContainerID: containerID}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.PID, nil
}

// SignalProcess delivers a signal to a guest process.
func (c *Client) SignalProcess(ctx context.Context, id string, containerID string, signal int32) error {
	req := &signalProcessRequest{ID: id, ContainerID: containerID, Signal: signal}

	return c.invoke(ctx, "SignalProcess", req, &emptyResponse{})
}

// ResizeProcess updates the terminal size of a guest process.
func (c *Client) ResizeProcess(ctx context.Context, id string, containerID string, columns uint32, rows uint32) error {
	req := &resizeProcessRequest{ID: id, ContainerID: containerID, Columns: columns, Rows: rows}

	return c.invoke(ctx, "ResizeProcess", req, &emptyResponse{})
}

// WaitProcess blocks until the process exits and returns its exit code. A
// non-zero timeout bounds the RPC only; on expiry the caller sees a
// TimeoutError and the supervisor's process table is unchanged.
func (c *Client) WaitProcess(ctx context.Context, id string, containerID string, timeout time.Duration) (int32, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp := waitProcessResponse{}

	err := c.invoke(ctx, "WaitProcess", &waitProcessRequest{ID: id, ContainerID: containerID}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.ExitCode, nil
}

// DeleteProcess removes an exited process from the supervisor.
func (c *Client) DeleteProcess(ctx context.Context, id string, containerID string) error {
	return c.invoke(ctx, "DeleteProcess", &processRequest{ID: id, ContainerID: containerID}, &emptyResponse{})
}

// Up brings a guest interface up.
func (c *Client) Up(ctx context.Context, iface string) error {
	return c.invoke(ctx, "Up", &interfaceRequest{Interface: iface}, &emptyResponse{})
}

// Down takes a guest interface down.
func (c *Client) Down(ctx context.Context, iface string) error {
	return c.invoke(ctx, "Down", &interfaceRequest{Interface: iface}, &emptyResponse{})
}

// AddressAdd assigns a CIDR address to a guest interface.
func (c *Client) AddressAdd(ctx context.Context, iface string, cidr string) error {
	return c.invoke(ctx, "AddressAdd", &addressAddRequest{Interface: iface, Address: cidr}, &emptyResponse{})
}

// RouteAddDefault installs the default route through the gateway.
func (c *Client) RouteAddDefault(ctx context.Context, iface string, gateway string) error {
	return c.invoke(ctx, "RouteAddDefault", &routeAddDefaultRequest{Interface: iface, Gateway: gateway}, &emptyResponse{})
}

// ConfigureDNS writes the resolver configuration to the given location.
func (c *Client) ConfigureDNS(ctx context.Context, config DNSConfig, location string) error {
	return c.invoke(ctx, "ConfigureDNS", &configureDNSRequest{Config: config, Location: location}, &emptyResponse{})
}

// Getenv reads a supervisor environment variable.
func (c *Client) Getenv(ctx context.Context, key string) (string, error) {
	resp := getenvResponse{}

	err := c.invoke(ctx, "Getenv", &getenvRequest{Key: key}, &resp)
	if err != nil {
		return "", err
	}

	return resp.Value, nil
}

// Setenv sets a supervisor environment variable.
func (c *Client) Setenv(ctx context.Context, key string, value string) error {
	return c.invoke(ctx, "Setenv", &setenvRequest{Key: key, Value: value}, &emptyResponse{})
}

// Sysctl applies kernel settings inside the guest.
func (c *Client) Sysctl(ctx context.Context, settings map[string]string) error {
	return c.invoke(ctx, "Sysctl", &sysctlRequest{Settings: settings}, &emptyResponse{})
}

// SetTime sets the guest clock.
func (c *Client) SetTime(ctx context.Context, sec int64, usec int64) error {
	return c.invoke(ctx, "SetTime", &setTimeRequest{Sec: sec, Usec: usec}, &emptyResponse{})
}

// Sync flushes guest filesystem buffers.
func (c *Client) Sync(ctx context.Context) error {
	return c.invoke(ctx, "Sync", &standardSetupRequest{}, &emptyResponse{})
}

// Kill delivers a signal to a raw guest pid.
func (c *Client) Kill(ctx context.Context, pid int32, signal int32) (int32, error) {
	resp := killResponse{}

	err := c.invoke(ctx, "Kill", &killRequest{PID: pid, Signal: signal}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.Result, nil
}

// SyncingShutdown terminates everything in the guest and syncs disks: TERM
// to every process, a short pause, sync, then KILL, pause and sync again.
// The pause between rounds defaults to DefaultShutdownDelay when delay is
// zero. The pauses are cooperative sleeps in the guest, never busy waits.
func (c *Client) SyncingShutdown(ctx context.Context, delay time.Duration) error {
	if delay == 0 {
		delay = DefaultShutdownDelay
	}

	logger.Debug("Requesting syncing shutdown", logger.Ctx{"delay": delay})

	return c.invoke(ctx, "SyncingShutdown", &syncingShutdownRequest{DelayUsec: delay.Microseconds()}, &emptyResponse{})
}

// SetupEmulator registers a binfmt interpreter for foreign binaries.
func (c *Client) SetupEmulator(ctx context.Context, binaryPath string, binfmtEntry string) error {
	req := &setupEmulatorRequest{BinaryPath: binaryPath, BinfmtEntry: binfmtEntry}

	return c.invoke(ctx, "SetupEmulator", req, &emptyResponse{})
}

// RelaySocket starts a socket relay in the guest. On success the relay is
// owned by the guest until StopSocketRelay.
func (c *Client) RelaySocket(ctx context.Context, port uint32, relay RelayConfig) error {
	return c.invoke(ctx, "RelaySocket", &relaySocketRequest{Port: port, Relay: relay}, &emptyResponse{})
}

// StopSocketRelay stops a socket relay by id.
func (c *Client) StopSocketRelay(ctx context.Context, id string) error {
	return c.invoke(ctx, "StopSocketRelay", &stopSocketRelayRequest{ID: id}, &emptyResponse{})
}
