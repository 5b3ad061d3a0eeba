package reputation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/types"
)

func TestLedgerUpdateScore(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(zap.NewNop())

	require.Equal(t, InitialScore, l.Score("B"))

	require.NoError(t, l.UpdateScore(ctx, "B", 0, ByzantineBehavior, -10))
	require.NoError(t, l.UpdateScore(ctx, "B", 0, Slashed, -20))
	require.InDelta(t, 70.0, l.Score("B"), 1e-9)

	updates := l.Updates("B")
	require.Len(t, updates, 2)
	require.Equal(t, Slashed, updates[1].Reason)

	require.NoError(t, l.UpdateScore(ctx, "C", 0, Slashed, -500))
	require.Equal(t, MinScore, l.Score("C"))

	require.NoError(t, l.UpdateScore(ctx, "D", 0, ByzantineBehavior, 50))
	require.Equal(t, MaxScore, l.Score("D"))

	require.Equal(t, []types.NodeID{"D", "B", "C"}, l.Ranked())
}

func TestLedgerRejectsBadInput(t *testing.T) {
	l := NewLedger(nil)
	require.Error(t, l.UpdateScore(context.Background(), "", 0, ByzantineBehavior, -1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.UpdateScore(ctx, "B", 0, ByzantineBehavior, -1), context.Canceled)
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	require.NoError(t, s.UpdateScore(context.Background(), "B", 0, Slashed, -1))
}
