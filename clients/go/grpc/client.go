// Package grpc provides a gRPC client for the assignz assignment service.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	assignz "github.com/matt-riley/assignz/clients/go"
	"github.com/matt-riley/assignz/internal/server"
)

// batchConcurrency bounds the in-flight calls of AssignBatch.
const batchConcurrency = 8

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the assignz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format. It is only needed
	// for LoadConfiguration.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements assignz.Assigner, assignz.BanditSelector,
// assignz.Precomputer, assignz.ConfigurationLoader and assignz.Streamer over
// gRPC.
type Client struct {
	cfg  Config
	stub *server.AssignmentServiceClient
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for the assignz gRPC server. The
// connection is established lazily. Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("assignz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, stub: server.NewAssignmentServiceClient(conn), conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

// -- wire helpers ------------------------------------------------------------

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("assignz: marshal request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("assignz: encode request: %w", err)
	}
	return msg, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value.
func fromStruct(msg *structpb.Struct, dst any) error {
	b, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("assignz: encode response: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("assignz: decode response: %w", err)
	}
	return nil
}

func call[T any](ctx context.Context, in any, fn func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error), name string) (T, error) {
	var out T
	msg, err := toStruct(in)
	if err != nil {
		return out, err
	}
	resp, err := fn(ctx, msg)
	if err != nil {
		return out, fmt.Errorf("assignz: %s: %w", name, err)
	}
	if err := fromStruct(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

// itemError reports whether err concerns a single request rather than the
// connection, so a batch can carry on past it.
func itemError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

// -- Assigner ----------------------------------------------------------------

func (c *Client) Assign(ctx context.Context, req assignz.AssignmentRequest) (assignz.Assignment, error) {
	return call[assignz.Assignment](ctx, req, c.stub.GetAssignment, "GetAssignment")
}

// AssignBatch issues one GetAssignment per request with bounded
// concurrency. Request-level failures are reported in Assignment.Error;
// transport failures abort the batch.
func (c *Client) AssignBatch(ctx context.Context, reqs []assignz.AssignmentRequest) ([]assignz.Assignment, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	results := make([]assignz.Assignment, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			a, err := c.Assign(gctx, req)
			switch {
			case err == nil:
				results[i] = a
			case itemError(err):
				results[i] = assignz.Assignment{
					FlagKey:    req.FlagKey,
					SubjectKey: req.SubjectKey,
					Error:      status.Convert(errors.Unwrap(err)).Message(),
				}
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// -- BanditSelector ----------------------------------------------------------

func (c *Client) BanditAction(ctx context.Context, req assignz.BanditActionRequest) (assignz.BanditAction, error) {
	return call[assignz.BanditAction](ctx, req, c.stub.GetBanditAction, "GetBanditAction")
}

func (c *Client) BanditKeys(ctx context.Context) ([]string, error) {
	resp, err := c.stub.GetBanditKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("assignz: GetBanditKeys: %w", err)
	}
	var out struct {
		BanditKeys []string `json:"banditKeys"`
	}
	if err := fromStruct(resp, &out); err != nil {
		return nil, err
	}
	return out.BanditKeys, nil
}

// -- Precomputer -------------------------------------------------------------

type precomputeResponse struct {
	Flags map[string]assignz.PrecomputedFlag `json:"flags"`
}

func (c *Client) Precompute(ctx context.Context, subjectKey string, attributes map[string]any) (map[string]assignz.PrecomputedFlag, error) {
	in := map[string]any{"subjectKey": subjectKey}
	if len(attributes) > 0 {
		in["subjectAttributes"] = attributes
	}
	out, err := call[precomputeResponse](ctx, in, c.stub.GetPrecomputed, "GetPrecomputed")
	if err != nil {
		return nil, err
	}
	return out.Flags, nil
}

// -- ConfigurationLoader -----------------------------------------------------

func (c *Client) LoadConfiguration(ctx context.Context, payload assignz.ConfigurationPayload) (assignz.ConfigurationEvent, error) {
	if len(payload.Flags) == 0 {
		return assignz.ConfigurationEvent{}, errors.New("assignz: flags document is required")
	}
	return call[assignz.ConfigurationEvent](c.authCtx(ctx), payload, c.stub.LoadConfiguration, "LoadConfiguration")
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the WatchConfiguration stream and emits
// ConfigurationEvents on the returned channel. Versions at or below
// lastVersion are not replayed. The channel is closed when ctx is cancelled
// or the stream ends.
func (c *Client) Stream(ctx context.Context, lastVersion uint64) (<-chan assignz.ConfigurationEvent, error) {
	in, err := toStruct(map[string]any{"lastVersion": lastVersion})
	if err != nil {
		return nil, err
	}
	stream, err := c.stub.WatchConfiguration(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("assignz: WatchConfiguration: %w", err)
	}

	ch := make(chan assignz.ConfigurationEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg, err := stream.Recv()
			if err != nil {
				return
			}
			var ev assignz.ConfigurationEvent
			if err := fromStruct(msg, &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
