package gateway

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/overflow-control/internal/logging"
)

const requestIDMetadataKey = "x-request-id"

// Config selects and addresses the valve gateway.
type Config struct {
	// Kind is "grpc" for a remote gateway or "fake" for the in-process
	// simulator.
	Kind    string `yaml:"kind" validate:"omitempty,oneof=grpc fake"`
	Address string `yaml:"address" validate:"required_if=Kind grpc"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Kind == "" {
		c.Kind = "grpc"
	}
	if c.Kind == "grpc" && c.Address == "" {
		c.Address = "localhost:7443"
	}
}

// Client is a Gateway backed by a gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for address. Extra dial options are appended after
// the tracing stats handler and request-id interceptor.
func Dial(address string, interceptors []grpc.UnaryClientInterceptor, opts ...grpc.DialOption) (*Client, error) {
	chain := append([]grpc.UnaryClientInterceptor{RequestIDUnaryClientInterceptor()}, interceptors...)
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(chain...),
	}
	conn, err := grpc.NewClient(address, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// SetValve implements Gateway.
func (c *Client) SetValve(ctx context.Context, req Request) (Response, error) {
	in, err := req.toStruct()
	if err != nil {
		return Response{}, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, SetValveMethod, in, out); err != nil {
		return Response{}, FromStatusError(err)
	}
	resp, err := responseFromStruct(out)
	if err != nil {
		return Response{}, fmt.Errorf("decode gateway reply for %s: %w", req.ValveID, err)
	}
	return resp, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// RequestIDUnaryClientInterceptor forwards the request_id or cycle_id on the
// context as x-request-id metadata.
func RequestIDUnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		id := logging.RequestIDFromContext(ctx)
		if id == "" {
			id = logging.CycleIDFromContext(ctx)
		}
		if id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
