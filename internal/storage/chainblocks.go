package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flareemissary/emissary/internal/model"
)

// RecentChainBlocks returns up to window tracked blocks for chain, ordered
// oldest to newest, used to seed the reorg detector's ring buffer after a
// restart.
func (db *DB) RecentChainBlocks(ctx context.Context, chain string, window int) ([]model.ChainBlock, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT height, block_hash, parent_hash
		 FROM chain_blocks
		 WHERE chain = $1
		 ORDER BY height DESC
		 LIMIT $2`,
		chain, window,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent chain blocks: %w", err)
	}
	defer rows.Close()

	var blocks []model.ChainBlock
	for rows.Next() {
		b := model.ChainBlock{Chain: chain}
		if err := rows.Scan(&b.Height, &b.BlockHash, &b.ParentHash); err != nil {
			return nil, fmt.Errorf("storage: scan chain block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: recent chain blocks: %w", err)
	}

	// Reverse to oldest-first, matching reorg.NewDetector's seed order.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks, nil
}

// recordChainBlock upserts a tracked block within tx, called once per
// accepted canonical block in the persister's commit.
func recordChainBlock(ctx context.Context, tx pgx.Tx, b model.ChainBlock) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO chain_blocks (chain, height, block_hash, parent_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chain, height) DO UPDATE
		   SET block_hash = $3, parent_hash = $4`,
		b.Chain, b.Height, b.BlockHash, b.ParentHash,
	)
	if err != nil {
		return fmt.Errorf("storage: record chain block: %w", err)
	}
	return nil
}

// pruneChainBlocksAbove deletes tracked blocks above height within tx, used
// when a reorg rolls the cursor back.
func pruneChainBlocksAbove(ctx context.Context, tx pgx.Tx, chain string, height int64) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM chain_blocks WHERE chain = $1 AND height > $2`,
		chain, height,
	)
	if err != nil {
		return fmt.Errorf("storage: prune chain blocks: %w", err)
	}
	return nil
}
