// Package poller drives the ingestion pipeline: it advances a per-chain
// cursor from the last persisted height toward the chain head, fetches
// each block's header and logs, runs reorg detection, and commits decoded
// events through the storage layer. One poller task per chain; it is the
// only writer of the cursor, which keeps reorg handling single-threaded.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"github.com/flareemissary/emissary/internal/decode"
	"github.com/flareemissary/emissary/internal/model"
	"github.com/flareemissary/emissary/internal/reorg"
	"github.com/flareemissary/emissary/internal/storage"
	"github.com/flareemissary/emissary/internal/telemetry"
)

// ChainReader is the RPC surface the poller consumes, satisfied by
// rpcclient.Client and faked in tests.
type ChainReader interface {
	HeadNumber(ctx context.Context) (int64, error)
	HeaderByNumber(ctx context.Context, number int64) (*types.Header, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock int64, addresses []common.Address, topics []common.Hash) ([]types.Log, error)
}

// Store is the persistence surface the poller needs: cursor and window
// seeding on startup, the per-block atomic commit, and reorg rollback.
type Store interface {
	GetCursor(ctx context.Context, chain string) (model.IndexerCursor, bool, error)
	RecentChainBlocks(ctx context.Context, chain string, window int) ([]model.ChainBlock, error)
	CommitBlock(ctx context.Context, chain string, block model.ChainBlock, height int64, logs []storage.DecodedLog) ([]int64, error)
	RollbackToHeight(ctx context.Context, chain string, height int64) error
}

// Config are the per-chain poller tunables.
type Config struct {
	Chain         string
	PollInterval  time.Duration
	Confirmations int64
	BatchSize     int
	ReorgWindow   int
}

// Poller owns the ingestion loop for one chain. The reorg detector's ring
// buffer is owned exclusively by this task; newly committed event ids are
// published to the events channel for the alert matcher.
type Poller struct {
	cfg      Config
	rpc      ChainReader
	store    Store
	registry *decode.Registry
	detector *reorg.Detector
	events   chan<- int64
	logger   *slog.Logger

	lastHeight int64

	// Gauges observed by the OTEL callback; written only by the poll loop.
	headGauge   atomic.Int64
	cursorGauge atomic.Int64
}

// New builds a poller. events receives the ids of newly inserted events
// after each block commit; the channel is owned by the caller, which
// closes it once Run has returned during shutdown.
func New(cfg Config, rpc ChainReader, store Store, registry *decode.Registry, events chan<- int64, logger *slog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	p := &Poller{
		cfg:      cfg,
		rpc:      rpc,
		store:    store,
		registry: registry,
		events:   events,
		logger:   logger,
	}
	p.registerMetrics()
	return p
}

// Run seeds the cursor and reorg window from the database, then polls
// until ctx is canceled. It returns nil on cancellation, and an error for
// a failure while seeding (cursor or window read, initial head query) and
// for conditions the indexer must not survive: a reorg deeper than the
// tracked window, or a persistence failure that outlived its retries.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.seed(ctx); err != nil {
		return err
	}

	for {
		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				// Shutdown interrupted an in-flight call; not a real failure.
				return nil
			}
			var perr *persistenceError
			if errors.Is(err, reorg.ErrDeepReorg) || errors.As(err, &perr) {
				return err
			}
			p.logger.Warn("poller: cycle failed, retrying after interval", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Poller) seed(ctx context.Context) error {
	cursor, found, err := p.store.GetCursor(ctx, p.cfg.Chain)
	if err != nil {
		return err
	}
	if found {
		p.lastHeight = cursor.LastBlock
	} else {
		// Cold start: begin at the current safe head rather than replaying
		// chain history.
		head, err := p.rpc.HeadNumber(ctx)
		if err != nil {
			return fmt.Errorf("poller: initial head: %w", err)
		}
		p.lastHeight = head - p.cfg.Confirmations - 1
		if p.lastHeight < 0 {
			p.lastHeight = 0
		}
	}
	p.cursorGauge.Store(p.lastHeight)

	window, err := p.store.RecentChainBlocks(ctx, p.cfg.Chain, p.cfg.ReorgWindow)
	if err != nil {
		return err
	}
	p.detector = reorg.NewDetector(p.cfg.ReorgWindow, window)

	p.logger.Info("poller: started",
		"chain", p.cfg.Chain,
		"cursor", p.lastHeight,
		"window_seeded", len(window),
	)
	return nil
}

// cycle advances the cursor by at most one batch toward the safe target
// height. A detected reorg ends the cycle early; the next cycle resumes
// from the rolled-back cursor and re-ingests the canonical chain.
func (p *Poller) cycle(ctx context.Context) error {
	head, err := p.rpc.HeadNumber(ctx)
	if err != nil {
		return err
	}
	p.headGauge.Store(head)

	target := head - p.cfg.Confirmations
	if target <= p.lastHeight {
		return nil
	}

	upper := p.lastHeight + int64(p.cfg.BatchSize)
	if upper > target {
		upper = target
	}

	for h := p.lastHeight + 1; h <= upper; h++ {
		if ctx.Err() != nil {
			return nil
		}
		advanced, err := p.step(ctx, h)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
	return nil
}

// step ingests the block at height h. It returns advanced=false when the
// block triggered a reorg rollback (the cursor moved backward) or was a
// stale response; the caller restarts from the adjusted cursor.
func (p *Poller) step(ctx context.Context, h int64) (bool, error) {
	header, err := p.rpc.HeaderByNumber(ctx, h)
	if err != nil {
		return false, err
	}

	candidate := model.ChainBlock{
		Chain:      p.cfg.Chain,
		Height:     h,
		BlockHash:  header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
	}

	if tip, ok := p.detector.Tip(); ok && h <= tip.Height {
		// Stale response (e.g. a lagging fallback node): ignore.
		p.logger.Debug("poller: stale block response ignored", "height", h, "tip", tip.Height)
		return false, nil
	}

	outcome, evalErr := p.detector.Evaluate(candidate)
	if evalErr != nil {
		// The candidate's parent is nowhere in the window. That is either a
		// reorg that replaced blocks below the tip, or one deeper than the
		// window; walk the window against the canonical chain to find out.
		if errors.Is(evalErr, reorg.ErrDeepReorg) {
			depth, werr := p.walkBack(ctx)
			if werr != nil {
				return false, werr
			}
			return false, p.rollback(ctx, depth)
		}
		return false, evalErr
	}

	switch outcome {
	case reorg.Reorg:
		return false, p.rollback(ctx, p.detector.ReorgDepth(candidate))
	default: // Empty, Extends
		return true, p.accept(ctx, candidate, header)
	}
}

// walkBack re-queries the canonical chain for each tracked height, newest
// first, and returns the number of window entries above the last one whose
// hash is still canonical. If none survive, the fork point is below the
// window and the reorg cannot be resolved.
func (p *Poller) walkBack(ctx context.Context) (int, error) {
	window := p.detector.Window()
	for i := len(window) - 1; i >= 0; i-- {
		header, err := p.rpc.HeaderByNumber(ctx, window[i].Height)
		if err != nil {
			return 0, err
		}
		if header.Hash().Hex() == window[i].BlockHash {
			return len(window) - 1 - i, nil
		}
	}
	return 0, fmt.Errorf("poller: chain %s: fork point below %d tracked blocks: %w",
		p.cfg.Chain, len(window), reorg.ErrDeepReorg)
}

// rollback rewinds to the last common ancestor: events above it are marked
// reorged, the cursor is reset, and the window's displaced tail is popped.
// The next cycle re-fetches from the ancestor upward.
func (p *Poller) rollback(ctx context.Context, depth int) error {
	window := p.detector.Window()
	if depth >= len(window) {
		return fmt.Errorf("poller: chain %s: reorg depth %d exceeds tracked window %d: %w",
			p.cfg.Chain, depth, len(window), reorg.ErrDeepReorg)
	}
	ancestor := window[len(window)-1-depth]

	if err := p.store.RollbackToHeight(ctx, p.cfg.Chain, ancestor.Height); err != nil {
		return &persistenceError{err}
	}
	p.detector.PopTail(depth)
	p.lastHeight = ancestor.Height
	p.cursorGauge.Store(p.lastHeight)

	p.logger.Warn("poller: reorg rolled back",
		"chain", p.cfg.Chain,
		"depth", depth,
		"ancestor", ancestor.Height,
	)
	return nil
}

// accept fetches and decodes the block's logs, commits the block
// atomically, and publishes the newly inserted event ids to the matcher.
func (p *Poller) accept(ctx context.Context, candidate model.ChainBlock, header *types.Header) error {
	logs, err := p.rpc.FilterLogs(ctx, candidate.Height, candidate.Height, nil, nil)
	if err != nil {
		return err
	}

	blockTime := time.Unix(int64(header.Time), 0).UTC() //nolint:gosec // block timestamps fit in int64 until long after this code matters
	decoded := p.decodeLogs(logs, blockTime)

	ids, err := p.store.CommitBlock(ctx, p.cfg.Chain, candidate, candidate.Height, decoded)
	if err != nil {
		return &persistenceError{err}
	}

	p.detector.Push(candidate)
	p.lastHeight = candidate.Height
	p.cursorGauge.Store(p.lastHeight)

	if len(decoded) > 0 {
		p.logger.Info("poller: block committed",
			"chain", p.cfg.Chain,
			"height", candidate.Height,
			"decoded", len(decoded),
			"inserted", len(ids),
		)
	}

	for _, id := range ids {
		select {
		case p.events <- id:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// decodeLogs runs every log through the registry, dropping unknown logs
// silently and malformed ones with a logged DecodeError; a bad payload
// never stops the pipeline.
func (p *Poller) decodeLogs(logs []types.Log, blockTime time.Time) []storage.DecodedLog {
	var decoded []storage.DecodedLog
	for _, l := range logs {
		eventType, payload, ok, err := p.registry.Decode(l)
		if !ok {
			continue
		}
		if err != nil {
			p.logger.Warn("poller: undecodable log dropped", "error", err)
			continue
		}

		d := storage.DecodedLog{
			TxHash:         l.TxHash.Hex(),
			LogIndex:       int(l.Index),
			BlockNumber:    int64(l.BlockNumber), //nolint:gosec // block numbers fit in int64
			BlockTimestamp: blockTime,
			Chain:          p.cfg.Chain,
			Address:        strings.ToLower(l.Address.Hex()),
			EventType:      eventType,
			DecodedData:    payload,
		}
		d.Tick = tickFromPayload(eventType, payload, d.BlockNumber, blockTime, d.TxHash)
		decoded = append(decoded, d)
	}
	return decoded
}

// tickFromPayload derives the time-series row implied by an FTSO price
// finalization. Returns nil for every other event kind, and for payloads
// whose price fails to parse (the event row itself is still persisted).
func tickFromPayload(eventType model.EventType, payload map[string]any, blockNumber int64, blockTime time.Time, txHash string) *model.FtsoPriceTick {
	if eventType != model.EventFtsoPriceEpochFinalized {
		return nil
	}
	feedID, _ := payload["feed_id"].(string)
	priceStr, _ := payload["price"].(string)
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil
	}

	tick := &model.FtsoPriceTick{
		FeedID:         feedID,
		Price:          price,
		BlockNumber:    blockNumber,
		BlockTimestamp: blockTime,
		TxHash:         txHash,
	}
	switch d := payload["decimals"].(type) {
	case int8:
		tick.Decimals = int(d)
	case float64:
		tick.Decimals = int(d)
	case int:
		tick.Decimals = d
	}
	switch e := payload["epoch_id"].(type) {
	case uint32:
		v := int64(e)
		tick.EpochID = &v
	case float64:
		v := int64(e)
		tick.EpochID = &v
	}
	return tick
}

// persistenceError marks a storage failure that survived the storage
// layer's own transient-conflict retries. The indexer exits on these
// rather than looping forever against a broken database.
type persistenceError struct{ err error }

func (e *persistenceError) Error() string { return e.err.Error() }
func (e *persistenceError) Unwrap() error { return e.err }

func (p *Poller) registerMetrics() {
	meter := telemetry.Meter("emissary/poller")

	_, _ = meter.Int64ObservableGauge("emissary.indexer.head_lag",
		metric.WithDescription("Blocks between the chain head and the persisted cursor"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			lag := p.headGauge.Load() - p.cursorGauge.Load()
			if lag < 0 {
				lag = 0
			}
			o.Observe(lag)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("emissary.indexer.last_block",
		metric.WithDescription("Height of the last committed block"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.cursorGauge.Load())
			return nil
		}),
	)
}
