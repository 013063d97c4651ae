package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcStub is a minimal JSON-RPC endpoint answering eth_blockNumber, with a
// switch to fail every request with a 500.
type rpcStub struct {
	head  uint64
	fail  atomic.Bool
	calls atomic.Int64
}

func (s *rpcStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if s.fail.Load() {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(body, &req)

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_blockNumber":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0x2a"}`))
		default:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialTest(t *testing.T, primary, fallback string) *Client {
	t.Helper()
	cfg := Config{
		PrimaryURL:      primary,
		FallbackURL:     fallback,
		RequestTimeout:  2 * time.Second,
		MaxAttempts:     2,
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
	}
	c, err := Dial(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestHeadNumber(t *testing.T) {
	stub := &rpcStub{head: 42}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := dialTest(t, srv.URL, "")
	head, err := c.HeadNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), head)
}

func TestPrimaryExhaustedReturnsTransient(t *testing.T) {
	stub := &rpcStub{}
	stub.fail.Store(true)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := dialTest(t, srv.URL, "")
	_, err := c.HeadNumber(context.Background())
	require.Error(t, err)

	var transient *TransientRPCError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "head_number", transient.Op)
	assert.Equal(t, int64(2), stub.calls.Load(), "both attempts consumed")
}

func TestFallbackTakesOverWhenPrimaryExhausted(t *testing.T) {
	primary := &rpcStub{}
	primary.fail.Store(true)
	primarySrv := httptest.NewServer(primary.handler())
	defer primarySrv.Close()

	fallback := &rpcStub{}
	fallbackSrv := httptest.NewServer(fallback.handler())
	defer fallbackSrv.Close()

	c := dialTest(t, primarySrv.URL, fallbackSrv.URL)
	head, err := c.HeadNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), head)
	assert.Positive(t, fallback.calls.Load())
}

func TestErrorTypesUnwrap(t *testing.T) {
	inner := errors.New("boom")

	transient := &TransientRPCError{Op: "head", Err: inner}
	assert.ErrorIs(t, transient, inner)
	assert.Contains(t, transient.Error(), "transient")

	fatal := &FatalRPCError{Op: "head", Err: inner}
	assert.ErrorIs(t, fatal, inner)
	assert.Contains(t, fatal.Error(), "fatal")
}

func TestIsMalformed(t *testing.T) {
	assert.True(t, isMalformed(&json.SyntaxError{}))
	assert.True(t, isMalformed(&json.UnmarshalTypeError{}))
	assert.False(t, isMalformed(errors.New("connection reset")))
	assert.False(t, isMalformed(nil))
}
