package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/assignz/internal/server"
)

// dialer opens client connections. Tests replace it with an in-memory dialer.
var dialer = func(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func newWatchCmd() *cobra.Command {
	var (
		target      string
		lastVersion uint64
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow configuration changes on a server",
		Long: `Open a WatchConfiguration stream and print one JSON summary per
installed configuration until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dialer(target)
			if err != nil {
				return fmt.Errorf("dial %s: %w", target, err)
			}
			defer conn.Close()

			req, err := structpb.NewStruct(map[string]any{"lastVersion": float64(lastVersion)})
			if err != nil {
				return err
			}
			stream, err := server.NewAssignmentServiceClient(conn).WatchConfiguration(cmd.Context(), req)
			if err != nil {
				return err
			}
			for {
				msg, err := stream.Recv()
				if errors.Is(err, io.EOF) || cmd.Context().Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				if err := writeStruct(cmd.OutOrStdout(), msg); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&target, "grpc", "localhost:9090", "server gRPC address")
	cmd.Flags().Uint64Var(&lastVersion, "since", 0, "skip configurations up to this version")
	return cmd
}

func newPushCmd() *cobra.Command {
	var (
		target string
		token  string
		flags  string
		models string
		refs   string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replace the configuration on a server",
		Long: `Send flags and bandit payloads to a server with LoadConfiguration.
The server must have ADMIN_API_KEYS set; --token is "<id>.<secret>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]json.RawMessage{}
			for name, path := range map[string]string{"flags": flags, "bandits": refs, "banditModels": models} {
				data, err := readFile(path)
				if err != nil {
					return err
				}
				if len(data) > 0 {
					body[name] = data
				}
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode payloads: %w", err)
			}
			req := &structpb.Struct{}
			if err := protojson.Unmarshal(raw, req); err != nil {
				return fmt.Errorf("encode payloads: %w", err)
			}

			conn, err := dialer(target)
			if err != nil {
				return fmt.Errorf("dial %s: %w", target, err)
			}
			defer conn.Close()

			ctx := metadata.AppendToOutgoingContext(cmd.Context(), "authorization", "Bearer "+token)
			summary, err := server.NewAssignmentServiceClient(conn).LoadConfiguration(ctx, req)
			if err != nil {
				return err
			}
			return writeStruct(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&target, "grpc", "localhost:9090", "server gRPC address")
	cmd.Flags().StringVar(&token, "token", "", "admin API key (required)")
	cmd.Flags().StringVar(&flags, "flags", "", "flags configuration file (required)")
	cmd.Flags().StringVar(&refs, "bandits", "", "bandit references file")
	cmd.Flags().StringVar(&models, "models", "", "bandit models file")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("flags")
	return cmd
}

// writeStruct prints msg as one compact JSON line. protojson output is
// deliberately unstable, so the struct goes through encoding/json.
func writeStruct(w io.Writer, msg *structpb.Struct) error {
	line, err := json.Marshal(msg.AsMap())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(line))
	return err
}
