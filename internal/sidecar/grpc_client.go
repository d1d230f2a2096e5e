package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// The sidecar speaks JSON-framed gRPC: subscribe_events is a
// server-streaming RPC, send_message a unary RPC. Messages are JSON so the
// sidecar (a separate, non-Go process) needs no generated stubs.

const (
	jsonCodecName      = "json"
	subscribeMethod    = "/tandem.sidecar.v1.Sidecar/SubscribeEvents"
	sendMessageMethod  = "/tandem.sidecar.v1.Sidecar/SendMessage"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec satisfies grpc's encoding.Codec over encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

// GRPCClient implements Client over a gRPC connection to the sidecar.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// GRPCConfig configures the sidecar connection.
type GRPCConfig struct {
	// Target is the sidecar's listen address, e.g. "127.0.0.1:43017".
	Target string
}

// NewGRPCClient dials the sidecar. The connection is lazy; failures surface
// on the first RPC.
func NewGRPCClient(cfg GRPCConfig) (*GRPCClient, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("sidecar: target address is required")
	}
	conn, err := grpc.NewClient(cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial sidecar: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close tears down the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

type subscribeRequest struct{}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type sendMessageResponse struct{}

var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "SubscribeEvents",
	ServerStreams: true,
}

// SubscribeEvents opens the server-streaming subscription and pumps events
// into a channel until the stream ends or ctx is cancelled.
func (c *GRPCClient) SubscribeEvents(ctx context.Context) (<-chan UpstreamEvent, <-chan error, error) {
	stream, err := c.conn.NewStream(ctx, subscribeStreamDesc, subscribeMethod)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := stream.SendMsg(&subscribeRequest{}); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	events := make(chan UpstreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errCh)
		for {
			var event UpstreamEvent
			if err := stream.RecvMsg(&event); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				errCh <- fmt.Errorf("%w: %v", ErrUnavailable, err)
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errCh, nil
}

// SendMessage issues a user turn via the unary RPC.
func (c *GRPCClient) SendMessage(ctx context.Context, sessionID, message string) error {
	req := &sendMessageRequest{SessionID: sessionID, Message: message}
	var resp sendMessageResponse
	if err := c.conn.Invoke(ctx, sendMessageMethod, req, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
