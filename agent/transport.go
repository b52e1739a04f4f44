package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yeraldinm/containerization-sub002/shared/logger"
)

// maxMessageSize bounds inbound RPC messages.
const maxMessageSize = 64 << 20

// dialAttempts bounds the number of transport connect attempts before giving
// up.
const dialAttempts = 5

// Transport addresses the in-guest supervisor. Exactly one of the fields
// must be set.
type Transport struct {
	// UnixPath dials a host Unix socket proxied to the guest.
	UnixPath string

	// VsockCID and VsockPort dial the guest directly over vsock.
	VsockCID  uint32
	VsockPort uint32

	// File is an already-connected descriptor handed back by the
	// hypervisor. The transport takes ownership.
	File *os.File
}

// dialOnce establishes one raw connection for the configured address.
func (t *Transport) dialOnce(ctx context.Context) (net.Conn, error) {
	switch {
	case t.File != nil:
		conn, err := net.FileConn(t.File)
		if err != nil {
			return nil, fmt.Errorf("Failed to wrap agent fd: %w", err)
		}

		return conn, nil
	case t.UnixPath != "":
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "unix", t.UnixPath)
		if err != nil {
			return nil, fmt.Errorf("Failed to dial agent socket %q: %w", t.UnixPath, err)
		}

		return conn, nil
	default:
		conn, err := vsock.Dial(t.VsockCID, t.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("Failed to dial agent vsock (%d, %d): %w", t.VsockCID, t.VsockPort, err)
		}

		return conn, nil
	}
}

// dial connects with bounded retries.
func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn

	err := retry.Retry(func(attempt uint) error {
		var err error

		conn, err = t.dialOnce(ctx)
		if err != nil {
			logger.Debug("Agent transport connect attempt failed", logger.Ctx{"attempt": attempt, "err": err})
		}

		return err
	}, strategy.Limit(dialAttempts), strategy.Backoff(backoff.Linear(100*time.Millisecond)))
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// connect opens the gRPC channel for the transport.
func (t *Transport) connect() (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient("passthrough:///agent",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return t.dial(ctx)
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.ForceCodec(jsonCodec{}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("Failed to create agent channel: %w", err)
	}

	return conn, nil
}
