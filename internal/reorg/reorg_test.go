package reorg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flareemissary/emissary/internal/model"
)

func block(height int64, hash, parent string) model.ChainBlock {
	return model.ChainBlock{Chain: "flare", Height: height, BlockHash: hash, ParentHash: parent}
}

func TestDetectorEmptyAcceptsAnyBlock(t *testing.T) {
	d := NewDetector(5, nil)

	outcome, err := d.Evaluate(block(100, "0xa", "0x99"))
	require.NoError(t, err)
	assert.Equal(t, Empty, outcome)

	d.Push(block(100, "0xa", "0x99"))
	tip, ok := d.Tip()
	require.True(t, ok)
	assert.Equal(t, int64(100), tip.Height)
}

func TestDetectorExtends(t *testing.T) {
	d := NewDetector(5, []model.ChainBlock{block(100, "0xa", "0x99")})

	outcome, err := d.Evaluate(block(101, "0xb", "0xa"))
	require.NoError(t, err)
	assert.Equal(t, Extends, outcome)
}

func TestDetectorReorgWithinWindow(t *testing.T) {
	d := NewDetector(5, []model.ChainBlock{
		block(100, "0xa", "0x99"),
		block(101, "0xb", "0xa"),
		block(102, "0xc", "0xb"),
	})

	// A competing block attaches to 101: the tip (102) must be popped.
	candidate := block(102, "0xc2", "0xb")
	outcome, err := d.Evaluate(candidate)
	require.NoError(t, err)
	assert.Equal(t, Reorg, outcome)
	assert.Equal(t, 1, d.ReorgDepth(candidate))

	// Deeper: attaches to 100, displacing 101 and 102.
	candidate = block(101, "0xb2", "0xa")
	outcome, err = d.Evaluate(candidate)
	require.NoError(t, err)
	assert.Equal(t, Reorg, outcome)
	assert.Equal(t, 2, d.ReorgDepth(candidate))
}

func TestDetectorDeepReorg(t *testing.T) {
	d := NewDetector(3, []model.ChainBlock{
		block(100, "0xa", "0x99"),
		block(101, "0xb", "0xa"),
		block(102, "0xc", "0xb"),
	})

	_, err := d.Evaluate(block(103, "0xd", "0xunknown"))
	require.ErrorIs(t, err, ErrDeepReorg)
}

func TestDetectorPopTail(t *testing.T) {
	d := NewDetector(5, []model.ChainBlock{
		block(100, "0xa", "0x99"),
		block(101, "0xb", "0xa"),
		block(102, "0xc", "0xb"),
	})

	popped := d.PopTail(2)
	require.Len(t, popped, 2)
	assert.Equal(t, int64(102), popped[0].Height, "newest first")
	assert.Equal(t, int64(101), popped[1].Height)

	tip, ok := d.Tip()
	require.True(t, ok)
	assert.Equal(t, int64(100), tip.Height)

	// Popping more than tracked drains without panicking.
	popped = d.PopTail(10)
	assert.Len(t, popped, 1)
	_, ok = d.Tip()
	assert.False(t, ok)
}

func TestDetectorWindowEvictsOldest(t *testing.T) {
	d := NewDetector(3, nil)
	d.Push(block(100, "0xa", "0x99"))
	d.Push(block(101, "0xb", "0xa"))
	d.Push(block(102, "0xc", "0xb"))
	d.Push(block(103, "0xd", "0xc"))

	window := d.Window()
	require.Len(t, window, 3)
	assert.Equal(t, int64(101), window[0].Height)
	assert.Equal(t, int64(103), window[2].Height)

	// A block attaching below the evicted boundary is now a deep reorg.
	_, err := d.Evaluate(block(101, "0xb2", "0xa"))
	require.ErrorIs(t, err, ErrDeepReorg)
}

func TestDetectorSeedTruncatedToWindow(t *testing.T) {
	seed := []model.ChainBlock{
		block(100, "0xa", "0x99"),
		block(101, "0xb", "0xa"),
		block(102, "0xc", "0xb"),
		block(103, "0xd", "0xc"),
	}
	d := NewDetector(2, seed)

	window := d.Window()
	require.Len(t, window, 2)
	assert.Equal(t, int64(102), window[0].Height)
	assert.Equal(t, int64(103), window[1].Height)
}
