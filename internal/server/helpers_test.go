package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/assignz/internal/middleware"
	"github.com/matt-riley/assignz/internal/service"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	testAdminToken = "ops.admin-secret"
	bannerActions  = `{
		"nike": {"numeric": {"brand_affinity": 0.4}, "categorical": {"loyalty_tier": "gold"}},
		"adidas": {"numeric": {"brand_affinity": 2.0}, "categorical": {"purchased_last_30_days": "false"}},
		"reebok": {}
	}`
	bannerSubject = `{"numeric": {"account_age": 3}, "categorical": {"gender_identity": "female"}}`
)

func readFixture(t testing.TB, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "core", "testdata", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}

func newClient(t testing.TB, opts ...service.Option) *service.Client {
	t.Helper()
	opts = append([]service.Option{
		service.WithClock(func() time.Time { return testNow }),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return service.New(opts...)
}

func newLoadedClient(t testing.TB, opts ...service.Option) *service.Client {
	t.Helper()
	c := newClient(t, opts...)
	if err := c.LoadConfiguration(context.Background(), readFixture(t, "flags.json"), nil, readFixture(t, "bandit-models.json")); err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	return c
}

// testAdminKeys uses a legacy SHA-256 hash so tests skip bcrypt's cost.
func testAdminKeys() middleware.AdminKeys {
	sum := sha256.Sum256([]byte("admin-secret"))
	return middleware.AdminKeys{"ops": hex.EncodeToString(sum[:])}
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
