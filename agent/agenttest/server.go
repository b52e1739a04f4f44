// Package agenttest provides an in-process stand-in for the guest
// supervisor, used by tests that need an agent endpoint without a VM.
package agenttest

import (
	"encoding/json"
	"net"
	"strings"

	"google.golang.org/grpc"
)

// Handler handles one RPC by method name with the raw JSON request body.
type Handler func(method string, body []byte) (any, error)

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	return json.Unmarshal(data, v)
}

// Server is a fake agent listening on a caller-supplied listener.
type Server struct {
	grpcServer *grpc.Server
}

// New starts a fake agent on the listener. The handler receives the bare
// method name (without the service prefix) and the JSON request body.
func New(listener net.Listener, handler Handler) *Server {
	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
			fullMethod, _ := grpc.MethodFromServerStream(stream)

			method := fullMethod
			idx := strings.LastIndex(fullMethod, "/")
			if idx >= 0 {
				method = fullMethod[idx+1:]
			}

			var body json.RawMessage
			err := stream.RecvMsg(&body)
			if err != nil {
				return err
			}

			resp, err := handler(method, body)
			if err != nil {
				return err
			}

			if resp == nil {
				resp = struct{}{}
			}

			return stream.SendMsg(resp)
		}),
	)

	go func() { _ = grpcServer.Serve(listener) }()

	return &Server{grpcServer: grpcServer}
}

// Stop shuts the fake agent down.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}
