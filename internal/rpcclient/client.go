// Package rpcclient talks to a Flare JSON-RPC endpoint (and an optional
// fallback) to fetch chain head, blocks, and logs for the indexer.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/flareemissary/emissary/internal/ratelimit"
)

// Config controls retry/backoff and throttling behavior.
type Config struct {
	PrimaryURL      string
	FallbackURL     string // empty disables failover
	RequestTimeout  time.Duration
	MaxAttempts     int
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Client wraps a primary and an optional fallback Ethereum-JSON-RPC
// endpoint, retrying transient failures with jittered exponential backoff
// and falling over to the secondary endpoint once the primary exhausts its
// attempts. Every outbound call passes through an in-process rate limiter
// keyed by method name so a runaway poll loop can't overwhelm the node.
type Client struct {
	cfg     Config
	primary *ethclient.Client
	fallback *ethclient.Client
	limiter *ratelimit.MemoryLimiter
	logger  *slog.Logger
}

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
)

// Dial connects to the primary (and, if configured, fallback) RPC endpoints.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	primary, err := ethclient.DialContext(ctx, cfg.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial primary: %w", err)
	}

	var fallback *ethclient.Client
	if cfg.FallbackURL != "" {
		fallback, err = ethclient.DialContext(ctx, cfg.FallbackURL)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("rpcclient: dial fallback: %w", err)
		}
	}

	rate := cfg.RateLimitPerSec
	if rate <= 0 {
		rate = 5
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		limiter:  ratelimit.NewMemoryLimiter(rate, burst),
		logger:   logger,
	}, nil
}

// Close releases the underlying connections.
func (c *Client) Close() {
	c.primary.Close()
	if c.fallback != nil {
		c.fallback.Close()
	}
	_ = c.limiter.Close()
}

// HeadNumber returns the current chain head block number.
func (c *Client) HeadNumber(ctx context.Context) (int64, error) {
	var result uint64
	err := c.withRetry(ctx, "head_number", func(ctx context.Context, cli *ethclient.Client) error {
		n, err := cli.BlockNumber(ctx)
		if err != nil {
			return err
		}
		result = n
		return nil
	})
	return int64(result), err
}

// HeaderByNumber fetches a block header by height.
func (c *Client) HeaderByNumber(ctx context.Context, number int64) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, "header_by_number", func(ctx context.Context, cli *ethclient.Client) error {
		h, err := cli.HeaderByNumber(ctx, big.NewInt(number))
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	return header, err
}

// HeaderByHash fetches a block header by hash.
func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, "header_by_hash", func(ctx context.Context, cli *ethclient.Client) error {
		h, err := cli.HeaderByHash(ctx, hash)
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	return header, err
}

// FilterLogs fetches logs for a contiguous block range restricted to the
// given contract addresses and (optional) topic0 set.
func (c *Client) FilterLogs(ctx context.Context, fromBlock, toBlock int64, addresses []common.Address, topics []common.Hash) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: addresses,
	}
	if len(topics) > 0 {
		q.Topics = [][]common.Hash{topics}
	}

	var logs []types.Log
	err := c.withRetry(ctx, "filter_logs", func(ctx context.Context, cli *ethclient.Client) error {
		l, err := cli.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	return logs, err
}

// withRetry runs fn against the primary endpoint with jittered exponential
// backoff, falling over to the secondary endpoint (if configured) once the
// primary has exhausted its attempts. A per-attempt timeout is retried like
// any other transient failure; no further attempt starts once ctx itself is
// done.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context, *ethclient.Client) error) error {
	if err := c.waitForToken(ctx, op); err != nil {
		return err
	}

	err := c.callWithBackoff(ctx, op, c.primary, fn)
	if err == nil || c.fallback == nil {
		return err
	}

	var transient *TransientRPCError
	if !errors.As(err, &transient) {
		return err
	}

	c.logger.Warn("rpcclient: primary exhausted, trying fallback", "op", op, "error", err)
	return c.callWithBackoff(ctx, op, c.fallback, fn)
}

func (c *Client) callWithBackoff(ctx context.Context, op string, cli *ethclient.Client, fn func(context.Context, *ethclient.Client) error) error {
	backoff := baseBackoff
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int64N(int64(backoff))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff/2 + jitter):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		err := fn(callCtx, cli)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		if isMalformed(err) {
			// Retrying a response that fails to decode won't fix it.
			return &FatalRPCError{Op: op, Err: err}
		}
		lastErr = err
		c.logger.Debug("rpcclient: attempt failed", "op", op, "attempt", attempt+1, "error", err)
	}

	return &TransientRPCError{Op: op, Err: lastErr}
}

// isMalformed reports whether err indicates a response body that failed to
// decode — a schema violation on the provider side, not a network hiccup.
func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// waitForToken blocks until the rate limiter admits one request for op, or
// the context is done. Polling the bucket is cheap relative to the RPC call
// it's gating.
func (c *Client) waitForToken(ctx context.Context, op string) error {
	for {
		allowed, err := c.limiter.Allow(ctx, op)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
