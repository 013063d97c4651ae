// Package reorg tracks a short window of recent block identities so the
// poller can detect when the chain it's following has reorganized.
package reorg

import (
	"errors"
	"fmt"

	"github.com/flareemissary/emissary/internal/model"
)

// ErrDeepReorg is returned when a new block's parent hash cannot be found
// anywhere within the tracked window. That happens both when the fork
// replaced tracked blocks below the tip and when it is deeper than the
// window; the poller tells the two apart by walking the window back against
// the canonical chain.
var ErrDeepReorg = errors.New("reorg: depth exceeds tracked window")

// Detector holds a bounded ring of the most recently accepted canonical
// blocks, keyed by height, used to decide whether an incoming block
// extends the chain, replaces a reorged tail, or is unrecognized.
type Detector struct {
	window int
	blocks []model.ChainBlock // ordered oldest to newest, len <= window
}

// NewDetector creates a detector with the given window depth. Seed can be
// nil (cold start) or the tail of the persisted canonical chain, in height
// order, to resume tracking across restarts.
func NewDetector(window int, seed []model.ChainBlock) *Detector {
	if window <= 0 {
		window = 10
	}
	d := &Detector{window: window}
	if len(seed) > window {
		seed = seed[len(seed)-window:]
	}
	d.blocks = append(d.blocks, seed...)
	return d
}

// Outcome describes how a candidate block relates to the tracked chain.
type Outcome int

const (
	// Extends means the block's parent hash matches the current tip;
	// append it and advance.
	Extends Outcome = iota
	// Reorg means the block's parent hash does not match the tip, but the
	// new parent is found further back in the window — the tip (and
	// possibly more blocks) must be popped and marked reorged before this
	// block can be accepted.
	Reorg
	// Empty means the detector has no tracked blocks yet (cold start);
	// any block is accepted as the new tip.
	Empty
)

// Evaluate classifies a candidate block against the tracked window.
// It does not mutate the detector; callers call Push (or PopTail) once the
// caller has handled the outcome (e.g. persisted the reorg rollback).
func (d *Detector) Evaluate(candidate model.ChainBlock) (Outcome, error) {
	if len(d.blocks) == 0 {
		return Empty, nil
	}

	tip := d.blocks[len(d.blocks)-1]
	if candidate.ParentHash == tip.BlockHash {
		return Extends, nil
	}

	for i := len(d.blocks) - 2; i >= 0; i-- {
		if candidate.ParentHash == d.blocks[i].BlockHash {
			return Reorg, nil
		}
	}

	return 0, fmt.Errorf("reorg: candidate height %d parent %s: %w", candidate.Height, candidate.ParentHash, ErrDeepReorg)
}

// ReorgDepth returns how many tracked blocks (from the tip backward) must
// be popped for candidate to attach, given Evaluate returned Reorg.
func (d *Detector) ReorgDepth(candidate model.ChainBlock) int {
	for i := len(d.blocks) - 1; i >= 0; i-- {
		if candidate.ParentHash == d.blocks[i].BlockHash {
			return len(d.blocks) - 1 - i
		}
	}
	return len(d.blocks)
}

// PopTail removes n blocks from the tip of the tracked window (used after
// the caller has persisted the corresponding rollback) and returns them in
// the order they were removed (newest first).
func (d *Detector) PopTail(n int) []model.ChainBlock {
	if n > len(d.blocks) {
		n = len(d.blocks)
	}
	popped := make([]model.ChainBlock, n)
	for i := 0; i < n; i++ {
		popped[i] = d.blocks[len(d.blocks)-1-i]
	}
	d.blocks = d.blocks[:len(d.blocks)-n]
	return popped
}

// Push appends a newly accepted canonical block, evicting the oldest entry
// once the window is full.
func (d *Detector) Push(b model.ChainBlock) {
	d.blocks = append(d.blocks, b)
	if len(d.blocks) > d.window {
		d.blocks = d.blocks[len(d.blocks)-d.window:]
	}
}

// Window returns a copy of the tracked blocks, oldest to newest, used by
// the poller to walk back through the window when resolving a reorg whose
// fork point is not the immediate parent.
func (d *Detector) Window() []model.ChainBlock {
	out := make([]model.ChainBlock, len(d.blocks))
	copy(out, d.blocks)
	return out
}

// Tip returns the current chain tip and whether one is tracked.
func (d *Detector) Tip() (model.ChainBlock, bool) {
	if len(d.blocks) == 0 {
		return model.ChainBlock{}, false
	}
	return d.blocks[len(d.blocks)-1], true
}
