package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flareemissary/emissary/internal/model"
)

// GetCursor returns the persisted cursor for chain, or (zero-value, false)
// if the chain has never been indexed.
func (db *DB) GetCursor(ctx context.Context, chain string) (model.IndexerCursor, bool, error) {
	var c model.IndexerCursor
	err := db.pool.QueryRow(ctx,
		`SELECT chain, last_block, updated_at FROM indexer_cursor WHERE chain = $1`,
		chain,
	).Scan(&c.Chain, &c.LastBlock, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.IndexerCursor{}, false, nil
		}
		return model.IndexerCursor{}, false, fmt.Errorf("storage: get cursor: %w", err)
	}
	return c, true, nil
}

// setCursor upserts the cursor within tx, called as part of the persister's
// per-block atomic commit.
func setCursor(ctx context.Context, tx pgx.Tx, chain string, lastBlock int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO indexer_cursor (chain, last_block, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (chain) DO UPDATE SET last_block = $2, updated_at = now()`,
		chain, lastBlock,
	)
	if err != nil {
		return fmt.Errorf("storage: set cursor: %w", err)
	}
	return nil
}
