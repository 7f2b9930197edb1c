package grpc_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	assignz "github.com/matt-riley/assignz/clients/go"
	assignzgrpc "github.com/matt-riley/assignz/clients/go/grpc"
	"github.com/matt-riley/assignz/internal/middleware"
	"github.com/matt-riley/assignz/internal/server"
	"github.com/matt-riley/assignz/internal/service"
)

const bannerActions = `{
	"nike": {"numeric": {"brand_affinity": 0.4}, "categorical": {"loyalty_tier": "gold"}},
	"adidas": {"numeric": {"brand_affinity": 2.0}, "categorical": {"purchased_last_30_days": "false"}},
	"reebok": {}
}`

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "..", "internal", "core", "testdata", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}

func newService(t *testing.T, opts ...service.Option) *service.Client {
	t.Helper()
	opts = append([]service.Option{service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	svc := service.New(opts...)
	if err := svc.LoadConfiguration(context.Background(), readFixture(t, "flags.json"), nil, readFixture(t, "bandit-models.json")); err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	return svc
}

// startServer serves svc over an in-memory listener. Configuration writes
// require the "ops.admin-secret" token.
func startServer(t *testing.T, svc *service.Client, apiKey string) *assignzgrpc.Client {
	t.Helper()
	sum := sha256.Sum256([]byte("admin-secret"))
	keys := middleware.AdminKeys{"ops": hex.EncodeToString(sum[:])}

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(
		middleware.UnaryBearerAuthInterceptor(keys, middleware.WithProtectedMethods(server.MethodLoadConfiguration)),
	))
	server.RegisterAssignmentServiceServer(gs, server.NewGRPCServer(svc,
		server.WithConfigurationWrites(true),
		server.WithWatchPollInterval(5*time.Millisecond),
	))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); lis.Close() })

	c, err := assignzgrpc.NewGRPCClient(assignzgrpc.Config{
		Address: "passthrough:///bufnet",
		APIKey:  apiKey,
		DialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAssign(t *testing.T) {
	c := startServer(t, newService(t), "")
	ctx := context.Background()

	a, err := c.Assign(ctx, assignz.AssignmentRequest{
		FlagKey:       "integer-flag",
		SubjectKey:    "alice",
		VariationType: assignz.TypeInteger,
		DefaultValue:  0,
	})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if err := a.Decode(&n); err != nil || n != 2 {
		t.Fatalf("value = %d, %v; want 2", n, err)
	}
	if !a.Matched() || a.AllocationKey != "50/50 split" {
		t.Fatalf("unexpected assignment: %+v", a)
	}

	a, err = c.Assign(ctx, assignz.AssignmentRequest{
		FlagKey:       "json-config-flag",
		SubjectKey:    "bob",
		VariationType: assignz.TypeJSON,
		DefaultValue:  map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := a.Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc["string"] != "one" || doc["integer"] != float64(1) {
		t.Fatalf("json value = %v", doc)
	}
}

func TestAssignStrictNotFound(t *testing.T) {
	c := startServer(t, newService(t, service.WithGraceful(false)), "")
	_, err := c.Assign(context.Background(), assignz.AssignmentRequest{
		FlagKey:       "missing",
		SubjectKey:    "alice",
		VariationType: assignz.TypeString,
		DefaultValue:  "x",
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %v, want NotFound (err %v)", status.Code(err), err)
	}
}

func TestAssignBatch(t *testing.T) {
	c := startServer(t, newService(t, service.WithGraceful(false)), "")
	results, err := c.AssignBatch(context.Background(), []assignz.AssignmentRequest{
		{FlagKey: "integer-flag", SubjectKey: "alice", VariationType: assignz.TypeInteger, DefaultValue: 0},
		{FlagKey: "missing", SubjectKey: "alice", VariationType: assignz.TypeString, DefaultValue: "x"},
		{FlagKey: "integer-flag", SubjectKey: "bob", VariationType: assignz.TypeInteger, DefaultValue: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if string(results[0].Value) != "2" || string(results[2].Value) != "1" {
		t.Fatalf("values = %s, %s; want 2, 1", results[0].Value, results[2].Value)
	}
	if results[1].FlagKey != "missing" || results[1].Error != "flag not found" {
		t.Fatalf("missing flag result = %+v", results[1])
	}
}

func TestBanditAction(t *testing.T) {
	c := startServer(t, newService(t), "")
	ctx := context.Background()

	var actions map[string]assignz.ContextAttributes
	if err := json.Unmarshal([]byte(bannerActions), &actions); err != nil {
		t.Fatal(err)
	}
	got, err := c.BanditAction(ctx, assignz.BanditActionRequest{
		FlagKey:           "banner_bandit_flag",
		SubjectKey:        "alice",
		SubjectAttributes: assignz.ContextAttributes{Numeric: map[string]float64{"account_age": 3}, Categorical: map[string]string{"gender_identity": "female"}},
		Actions:           actions,
		DefaultVariation:  "control",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Variation != "banner_bandit" || got.Action != "nike" || got.ModelVersion != "123" {
		t.Fatalf("unexpected action: %+v", got)
	}

	_, err = c.BanditAction(ctx, assignz.BanditActionRequest{
		FlagKey:          "banner_bandit_flag",
		SubjectKey:       "alice",
		DefaultVariation: "control",
	})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code = %v, want FailedPrecondition", status.Code(err))
	}

	keys, err := c.BanditKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(keys, ",") != "banner_bandit,car_bandit" {
		t.Fatalf("bandit keys = %v", keys)
	}
}

func TestPrecompute(t *testing.T) {
	c := startServer(t, newService(t), "")
	flags, err := c.Precompute(context.Background(), "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := flags["integer-flag"]
	if string(got.VariationValue) != "1" || got.VariationType != assignz.TypeInteger {
		t.Fatalf("integer-flag = %+v", got)
	}
}

func TestLoadConfiguration(t *testing.T) {
	flags := readFixture(t, "flags.json")

	t.Run("requires a token", func(t *testing.T) {
		c := startServer(t, newService(t), "")
		_, err := c.LoadConfiguration(context.Background(), assignz.ConfigurationPayload{Flags: flags})
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("code = %v, want Unauthenticated", status.Code(err))
		}
	})

	t.Run("installs with a valid token", func(t *testing.T) {
		svc := newService(t)
		c := startServer(t, svc, "ops.admin-secret")
		ev, err := c.LoadConfiguration(context.Background(), assignz.ConfigurationPayload{Flags: flags})
		if err != nil {
			t.Fatal(err)
		}
		if ev.Version != 2 || ev.Environment != "Test" || ev.Flags != 12 {
			t.Fatalf("summary = %+v", ev)
		}
		if svc.Version() != 2 {
			t.Fatalf("service version = %d, want 2", svc.Version())
		}
	})

	t.Run("rejects an empty payload locally", func(t *testing.T) {
		c := startServer(t, newService(t), "ops.admin-secret")
		if _, err := c.LoadConfiguration(context.Background(), assignz.ConfigurationPayload{}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestStream(t *testing.T) {
	svc := newService(t)
	c := startServer(t, svc, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	first := <-ch
	if first.Version != 1 || first.Environment != "Test" || first.Bandits != 2 {
		t.Fatalf("first event = %+v", first)
	}

	if err := svc.LoadConfiguration(ctx, readFixture(t, "flags.json"), nil, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if ev.Version != 2 {
			t.Fatalf("second event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for second event")
	}

	cancel()
	for range ch {
	}
}
