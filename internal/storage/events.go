package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flareemissary/emissary/internal/model"
)

// DecodedLog is one decoded event awaiting persistence, paired with any
// FtsoPriceTick it implies.
type DecodedLog struct {
	TxHash         string
	LogIndex       int
	BlockNumber    int64
	BlockTimestamp time.Time
	Chain          string
	Address        string
	EventType      model.EventType
	DecodedData    map[string]any
	Tick           *model.FtsoPriceTick // non-nil for FTSO PriceEpochFinalized
}

// CommitBlock atomically upserts every decoded log of one block, any
// implied price ticks, the tracked chain-block entry, and the advanced
// cursor, in a single transaction: a block's events and the cursor commit
// together or not at all. Returns the ids of newly inserted
// (non-duplicate) events, in the order given, for post-commit publication
// to the alert matcher.
func (db *DB) CommitBlock(ctx context.Context, chain string, block model.ChainBlock, height int64, logs []DecodedLog) ([]int64, error) {
	var newIDs []int64

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		newIDs = nil
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin commit block: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, l := range logs {
			id, inserted, err := upsertEvent(ctx, tx, l)
			if err != nil {
				return err
			}
			if inserted {
				newIDs = append(newIDs, id)
			}
			if l.Tick != nil {
				if err := insertTick(ctx, tx, *l.Tick); err != nil {
					return err
				}
			}
		}

		if err := recordChainBlock(ctx, tx, block); err != nil {
			return err
		}
		if err := setCursor(ctx, tx, chain, height); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit block: %w", err)
		}
		return nil
	})

	return newIDs, err
}

func upsertEvent(ctx context.Context, tx pgx.Tx, l DecodedLog) (id int64, inserted bool, err error) {
	payload, err := json.Marshal(l.DecodedData)
	if err != nil {
		return 0, false, fmt.Errorf("storage: marshal decoded data: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO indexed_events
		   (tx_hash, log_index, block_number, block_timestamp, chain, address, event_type, decoded_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		 ON CONFLICT (tx_hash, log_index) DO NOTHING
		 RETURNING id`,
		l.TxHash, l.LogIndex, l.BlockNumber, l.BlockTimestamp, l.Chain, l.Address, string(l.EventType), payload,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		// Already present from a prior run; it is not newly inserted, so no
		// id is returned and the matcher does not need it.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: upsert event: %w", err)
	}
	return id, true, nil
}

func insertTick(ctx context.Context, tx pgx.Tx, t model.FtsoPriceTick) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ftso_price_ticks (feed_id, price, decimals, block_number, block_timestamp, epoch_id, tx_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.FeedID, t.Price, t.Decimals, t.BlockNumber, t.BlockTimestamp, t.EpochID, t.TxHash,
	)
	if err != nil {
		return fmt.Errorf("storage: insert tick: %w", err)
	}
	return nil
}

// RollbackToHeight marks every non-reorged event above height as reorged,
// prunes the tracked chain-block entries above it, and resets the cursor.
// All three happen in one transaction so a crash mid-rollback cannot
// leave the cursor ahead of what indexed_events reflects.
func (db *DB) RollbackToHeight(ctx context.Context, chain string, height int64) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin rollback: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`UPDATE indexed_events SET is_reorged = true
			 WHERE chain = $1 AND block_number > $2 AND NOT is_reorged`,
			chain, height,
		); err != nil {
			return fmt.Errorf("storage: mark reorged: %w", err)
		}

		if err := pruneChainBlocksAbove(ctx, tx, chain, height); err != nil {
			return err
		}
		if err := setCursor(ctx, tx, chain, height); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit rollback: %w", err)
		}
		return nil
	})
}

// RecentTicks returns the last n ticks for feedID, newest first, used by
// the alert matcher to evaluate window_ticks predicates.
func (db *DB) RecentTicks(ctx context.Context, feedID string, n int) ([]model.FtsoPriceTick, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, feed_id, price, decimals, block_number, block_timestamp, epoch_id, tx_hash
		 FROM ftso_price_ticks
		 WHERE feed_id = $1
		 ORDER BY block_number DESC
		 LIMIT $2`,
		feedID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.FtsoPriceTick
	for rows.Next() {
		var t model.FtsoPriceTick
		if err := rows.Scan(&t.ID, &t.FeedID, &t.Price, &t.Decimals, &t.BlockNumber, &t.BlockTimestamp, &t.EpochID, &t.TxHash); err != nil {
			return nil, fmt.Errorf("storage: scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// EventByID loads a single indexed event, used by the alert matcher to
// reconstruct context when dispatching from the post-commit channel.
func (db *DB) EventByID(ctx context.Context, id int64) (model.IndexedEvent, error) {
	var e model.IndexedEvent
	var payload []byte
	var eventType string
	err := db.pool.QueryRow(ctx,
		`SELECT id, tx_hash, log_index, block_number, block_timestamp, chain, address, event_type, decoded_data, is_reorged
		 FROM indexed_events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.TxHash, &e.LogIndex, &e.BlockNumber, &e.BlockTimestamp, &e.Chain, &e.Address, &eventType, &payload, &e.IsReorged)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.IndexedEvent{}, ErrNotFound
		}
		return model.IndexedEvent{}, fmt.Errorf("storage: event by id: %w", err)
	}
	e.EventType = model.EventType(eventType)
	if err := json.Unmarshal(payload, &e.DecodedData); err != nil {
		return model.IndexedEvent{}, fmt.Errorf("storage: unmarshal decoded data: %w", err)
	}
	return e, nil
}
