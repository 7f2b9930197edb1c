// Fuzz tests for the SSE parser and error decoding.
// Uses the white-box package (package http) to reach unexported symbols.
package http

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	assignz "github.com/matt-riley/assignz/clients/go"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
// Draining the channel prevents goroutine leaks in corpus-mode runs.
func runParseSSE(b []byte) []assignz.ConfigurationEvent {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan assignz.ConfigurationEvent, 256)
	go func() {
		defer close(ch)
		parseSSE(ctx, bufio.NewReader(bytes.NewReader(b)), ch)
	}()
	var evs []assignz.ConfigurationEvent
	for e := range ch {
		evs = append(evs, e)
	}
	return evs
}

func TestParseSSEUsesEventIDWhenVersionMissing(t *testing.T) {
	evs := runParseSSE([]byte("id: 9\nevent: configuration\ndata: {\"flags\":3}\r\n\r\n"))
	if len(evs) != 1 || evs[0].Version != 9 || evs[0].Flags != 3 {
		t.Fatalf("got %+v", evs)
	}
}

// FuzzParseSSE ensures the SSE parser never panics and emits at most one
// event per data line.
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("id: 1\nevent: configuration\ndata: {\"version\":1,\"flags\":12}\n\n"))
	f.Add([]byte("id: 2\nevent: other\ndata: {}\n\n"))
	f.Add([]byte("data: {\"version\":\ndata: 3}\n\n"))
	f.Add([]byte(":comment\ndata: {}\n\n"))
	f.Add([]byte("id: 18446744073709551616\ndata: {}\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte(strings.Repeat("data: {}\n", 100) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs := runParseSSE(data)
		if dataLines := bytes.Count(data, []byte("\n")); len(evs) > dataLines {
			t.Errorf("got %d events from input with %d lines", len(evs), dataLines)
		}
	})
}

// FuzzReadAPIError ensures any error body yields an APIError with the
// response status.
func FuzzReadAPIError(f *testing.F) {
	f.Add(400, []byte(`{"error":"bad","kind":"schema"}`))
	f.Add(404, []byte(`{"error":""}`))
	f.Add(500, []byte("plain text"))
	f.Add(503, []byte(""))

	f.Fuzz(func(t *testing.T, status int, body []byte) {
		resp := &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body))}
		err := readAPIError(resp)
		apiErr, ok := err.(*APIError)
		if !ok {
			t.Fatalf("readAPIError returned %T", err)
		}
		if apiErr.StatusCode != status {
			t.Errorf("status = %d, want %d", apiErr.StatusCode, status)
		}
	})
}
