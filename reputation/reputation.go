// Package reputation receives score adjustments for validators.
package reputation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/types"
)

// Reason explains a score adjustment.
type Reason int

const (
	// ByzantineBehavior is verified evidence against the node.
	ByzantineBehavior Reason = iota
	// Slashed is an economic penalty applied to the node.
	Slashed
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ByzantineBehavior:
		return "byzantine_behavior"
	case Slashed:
		return "slashed"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Sink receives reputation updates. Callers log failures and carry on.
type Sink interface {
	UpdateScore(ctx context.Context, node types.NodeID, shard uint64, reason Reason, delta float64) error
}

// Nop discards every update.
type Nop struct{}

// UpdateScore implements Sink.
func (Nop) UpdateScore(context.Context, types.NodeID, uint64, Reason, float64) error {
	return nil
}

const (
	MinScore     = 0.0
	MaxScore     = 100.0
	InitialScore = MaxScore
)

// Update is one applied adjustment.
type Update struct {
	Node   types.NodeID `json:"node"`
	Shard  uint64       `json:"shard"`
	Reason Reason       `json:"reason"`
	Delta  float64      `json:"delta"`
	Score  float64      `json:"score"`
}

// Ledger keeps scores in memory, clamped to [MinScore, MaxScore].
type Ledger struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	scores  map[types.NodeID]float64
	updates []Update
}

// NewLedger creates an in-memory reputation ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger: logger.Named("reputation"),
		scores: make(map[types.NodeID]float64),
	}
}

// UpdateScore implements Sink.
func (l *Ledger) UpdateScore(ctx context.Context, node types.NodeID, shard uint64, reason Reason, delta float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if node == "" {
		return fmt.Errorf("empty node id")
	}

	l.mu.Lock()
	score, ok := l.scores[node]
	if !ok {
		score = InitialScore
	}
	score = min(max(score+delta, MinScore), MaxScore)
	l.scores[node] = score
	l.updates = append(l.updates, Update{Node: node, Shard: shard, Reason: reason, Delta: delta, Score: score})
	l.mu.Unlock()

	l.logger.Debug("Reputation updated",
		zap.String("node", node.String()),
		zap.Stringer("reason", reason),
		zap.Float64("delta", delta),
		zap.Float64("score", score))
	return nil
}

// Score returns the node's score; unknown nodes have InitialScore.
func (l *Ledger) Score(node types.NodeID) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if score, ok := l.scores[node]; ok {
		return score
	}
	return InitialScore
}

// Scores returns all adjusted scores.
func (l *Ledger) Scores() map[types.NodeID]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[types.NodeID]float64, len(l.scores))
	for id, s := range l.scores {
		out[id] = s
	}
	return out
}

// Updates returns the applied adjustments for node in order.
func (l *Ledger) Updates(node types.NodeID) []Update {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Update
	for _, u := range l.updates {
		if u.Node == node {
			out = append(out, u)
		}
	}
	return out
}

// Ranked returns node IDs ordered by descending score.
func (l *Ledger) Ranked() []types.NodeID {
	scores := l.Scores()
	ids := make([]types.NodeID, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}
