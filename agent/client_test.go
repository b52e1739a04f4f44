package agent_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yeraldinm/containerization-sub002/agent"
	"github.com/yeraldinm/containerization-sub002/agent/agenttest"
)

type call struct {
	method string
	body   []byte
}

// startFakeAgent runs an agenttest server on a Unix socket and records calls.
func startFakeAgent(t *testing.T, handler agenttest.Handler) (*agent.Client, *[]call, *sync.Mutex) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agent.sock")

	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	var mu sync.Mutex
	calls := []call{}

	server := agenttest.New(listener, func(method string, body []byte) (any, error) {
		mu.Lock()
		calls = append(calls, call{method: method, body: body})
		mu.Unlock()

		if handler != nil {
			return handler(method, body)
		}

		return nil, nil
	})
	t.Cleanup(server.Stop)

	client, err := agent.Connect(&agent.Transport{UnixPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, &calls, &mu
}

func TestClientStandardSetupAndMounts(t *testing.T) {
	client, calls, mu := startFakeAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, client.StandardSetup(ctx))
	require.NoError(t, client.Mount(ctx, "virtiofs", "share0", "/mnt", []string{"ro"}))
	require.NoError(t, client.Mkdir(ctx, "/run/foo", true, 0o755))
	require.NoError(t, client.Umount(ctx, "/mnt", 0))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, *calls, 4)
	assert.Equal(t, "StandardSetup", (*calls)[0].method)
	assert.Equal(t, "Mount", (*calls)[1].method)

	var mount map[string]any
	require.NoError(t, json.Unmarshal((*calls)[1].body, &mount))
	assert.Equal(t, "virtiofs", mount["type"])
	assert.Equal(t, "/mnt", mount["destination"])
	assert.Equal(t, []any{"ro"}, mount["options"])
}

func TestClientProcessLifecycle(t *testing.T) {
	client, calls, mu := startFakeAgent(t, func(method string, body []byte) (any, error) {
		switch method {
		case "StartProcess":
			return map[string]any{"pid": 42}, nil
		case "WaitProcess":
			return map[string]any{"exitCode": 7}, nil
		}

		return nil, nil
	})

	ctx := context.Background()

	stdout := uint32(61000)
	spec := &agent.ProcessSpec{Args: []string{"/bin/true"}, User: agent.ProcessUser{UID: 0, GID: 0}}
	require.NoError(t, client.CreateProcess(ctx, "init", "", agent.StdioPorts{Stdout: &stdout}, spec))

	pid, err := client.StartProcess(ctx, "init", "")
	require.NoError(t, err)
	assert.Equal(t, int32(42), pid)

	code, err := client.WaitProcess(ctx, "init", "", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(7), code)

	require.NoError(t, client.SignalProcess(ctx, "init", "", 15))
	require.NoError(t, client.DeleteProcess(ctx, "init", ""))

	mu.Lock()
	defer mu.Unlock()

	// The process spec travels as embedded canonical JSON.
	var create map[string]any
	require.NoError(t, json.Unmarshal((*calls)[0].body, &create))
	assert.Equal(t, "init", create["id"])

	var decoded map[string]any
	specJSON, err := json.Marshal(create["spec"])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(specJSON, &decoded))
	assert.Equal(t, []any{"/bin/true"}, decoded["args"])
}

func TestClientWaitTimeout(t *testing.T) {
	client, _, _ := startFakeAgent(t, func(method string, body []byte) (any, error) {
		if method == "WaitProcess" {
			time.Sleep(2 * time.Second)
		}

		return nil, nil
	})

	_, err := client.WaitProcess(context.Background(), "init", "", 50*time.Millisecond)
	require.Error(t, err)

	timeoutErr := &agent.TimeoutError{}
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "WaitProcess", timeoutErr.Op)
	assert.False(t, timeoutErr.Deadline.IsZero())
}

func TestClientAgentError(t *testing.T) {
	client, _, _ := startFakeAgent(t, func(method string, body []byte) (any, error) {
		return nil, status.Error(codes.NotFound, "no such process")
	})

	err := client.SignalProcess(context.Background(), "ghost", "", 9)
	require.Error(t, err)

	agentErr := &agent.Error{}
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, codes.NotFound, agentErr.Status)
	assert.Equal(t, "no such process", agentErr.Message)
}

func TestClientUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.sock")

	client, err := agent.Connect(&agent.Transport{UnixPath: path})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	err = client.Sync(context.Background())
	require.Error(t, err)

	unavailableErr := &agent.UnavailableError{}
	require.ErrorAs(t, err, &unavailableErr)
}

func TestClientNetworkCalls(t *testing.T) {
	client, calls, mu := startFakeAgent(t, nil)
	ctx := context.Background()

	require.NoError(t, client.Up(ctx, "eth0"))
	require.NoError(t, client.AddressAdd(ctx, "eth0", "192.168.64.2/24"))
	require.NoError(t, client.RouteAddDefault(ctx, "eth0", "192.168.64.1"))
	require.NoError(t, client.ConfigureDNS(ctx, agent.DNSConfig{Nameservers: []string{"1.1.1.1"}}, "/etc/resolv.conf"))
	require.NoError(t, client.Sysctl(ctx, map[string]string{"kernel.hostname": "foo-bar"}))

	mu.Lock()
	defer mu.Unlock()

	methods := make([]string, 0, len(*calls))
	for _, c := range *calls {
		methods = append(methods, c.method)
	}

	assert.Equal(t, []string{"Up", "AddressAdd", "RouteAddDefault", "ConfigureDNS", "Sysctl"}, methods)
}

func TestClientSyncingShutdownDefaultDelay(t *testing.T) {
	client, calls, mu := startFakeAgent(t, nil)

	require.NoError(t, client.SyncingShutdown(context.Background(), 0))

	mu.Lock()
	defer mu.Unlock()

	var req map[string]any
	require.NoError(t, json.Unmarshal((*calls)[0].body, &req))

	// The default inter-signal delay is 10ms.
	assert.Equal(t, float64(agent.DefaultShutdownDelay.Microseconds()), req["delayUsec"])
}

func TestClientRelaySocket(t *testing.T) {
	client, calls, mu := startFakeAgent(t, nil)
	ctx := context.Background()

	perms := uint32(0o600)
	relay := agent.RelayConfig{
		ID:        "relay-1",
		Direction: agent.RelayInto,
		From:      "/run/host.sock",
		To:        "/run/guest.sock",
		Perms:     &perms,
	}

	require.NoError(t, client.RelaySocket(ctx, 61001, relay))
	require.NoError(t, client.StopSocketRelay(ctx, "relay-1"))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, *calls, 2)

	var req map[string]any
	require.NoError(t, json.Unmarshal((*calls)[0].body, &req))
	assert.Equal(t, float64(61001), req["port"])
}
