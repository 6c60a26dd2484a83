package grpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"geotrack-svr/internal/codec"
)

const callTimeout = 5 * time.Second

// Client forwards accepted statuses to an upstream gRPC service.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewClient connects lazily; the first Forward establishes the connection.
func NewClient(addr string, lg *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &Client{conn: conn, logger: lg.With("component", "grpc-forwarder")}, nil
}

func (c *Client) Name() string { return "grpc" }

func (c *Client) Close() error {
	return c.conn.Close()
}

// Forward sends one status and waits for the upstream acknowledgement.
func (c *Client) Forward(ctx context.Context, s codec.Status) error {
	req, err := buildRequest(s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	res := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, ForwardMethod, req, res); err != nil {
		return fmt.Errorf("forward %s: %w", s.SourceID, err)
	}
	if !res.GetValue() {
		c.logger.Warn("forwarder rejected status", "source_id", s.SourceID, "ts", s.Timestamp.Unix())
	}
	return nil
}

func buildRequest(s codec.Status) (*structpb.Struct, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"sourceId":  s.SourceID.String(),
		"timestamp": float64(s.Timestamp.Unix()),
		"payload":   string(payload),
	})
}
