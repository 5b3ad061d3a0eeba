package evidence

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/clock"
	"github.com/ahwlsqja/bftguard/types"
)

var (
	ErrUnknownValidator = errors.New("accused node is not a known validator")
	ErrInvalidFaultType = errors.New("invalid fault type")
)

const (
	// MaxPendingEvidence bounds the number of reports awaiting corroboration.
	MaxPendingEvidence = 10000

	// MaxHistoryPerNode bounds the per-node vote and proposal history kept for
	// equivocation detection.
	MaxHistoryPerNode = 1000
)

// Recorder persists verified evidence.
type Recorder interface {
	SaveEvidence(ev *Evidence) error
}

type voteKey struct {
	view   uint64
	height uint64
}

type seenHash struct {
	hash []byte
	seq  uint64
}

type pendingEntry struct {
	evidence  *Evidence
	firstSeen time.Time
}

// Ledger accumulates evidence per node. It is safe for concurrent use.
//
// The ledger never calls back into its owner while holding its lock, so an
// owner may call it from inside its own critical section.
type Ledger struct {
	mu sync.RWMutex

	config   Config
	self     types.NodeID
	logger   *zap.Logger
	clock    *clock.Clock
	verifier Verifier
	recorder Recorder

	validators map[types.NodeID]struct{}
	pending    *lru.Cache[string, *pendingEntry]
	verified   map[string]*Evidence
	faults     map[types.NodeID][]*Evidence
	blacklist  map[types.NodeID]time.Time

	votes     map[types.NodeID]map[voteKey]*seenHash
	proposals map[types.NodeID]map[uint64]*seenHash
	seq       uint64
}

// NewLedger creates a ledger reporting as self. A nil clock follows system time.
func NewLedger(config Config, self types.NodeID, logger *zap.Logger, clk *clock.Clock) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	pending, err := lru.New[string, *pendingEntry](MaxPendingEvidence)
	if err != nil {
		panic(fmt.Sprintf("failed to create pending evidence cache: %v", err))
	}

	var verifier Verifier = AcceptAll{}
	if config.EnableAIDetection {
		verifier = NewModelVerifier(DefaultModel(), config.AIConfidenceThreshold)
	}

	return &Ledger{
		config:     config,
		self:       self,
		logger:     logger.Named("evidence"),
		clock:      clk,
		verifier:   verifier,
		validators: make(map[types.NodeID]struct{}),
		pending:    pending,
		verified:   make(map[string]*Evidence),
		faults:     make(map[types.NodeID][]*Evidence),
		blacklist:  make(map[types.NodeID]time.Time),
		votes:      make(map[types.NodeID]map[voteKey]*seenHash),
		proposals:  make(map[types.NodeID]map[uint64]*seenHash),
	}
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config {
	return l.config
}

// SetVerifier replaces the evidence verifier.
func (l *Ledger) SetVerifier(v Verifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifier = v
}

// SetRecorder sets where verified evidence is persisted.
func (l *Ledger) SetRecorder(r Recorder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorder = r
}

// TrackValidator marks id as a validator that can be accused.
func (l *Ledger) TrackValidator(id types.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.validators[id] = struct{}{}
}

// UntrackValidator stops accepting reports against id.
func (l *Ledger) UntrackValidator(id types.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.validators, id)
}

// ReportFault records one reporter's accusation. Reports sharing an evidence
// hash are merged; each reporter counts once. When the distinct reporters reach
// MinReporters the evidence is verified and appended to the accused's history.
func (l *Ledger) ReportFault(ctx context.Context, r Report) (*Result, error) {
	if !r.FaultType.Valid() {
		return nil, ErrInvalidFaultType
	}

	hash := ComputeHash(r.FaultType, r.Accused, r.Data)
	key := string(hash)
	now := l.clock.Now()

	l.mu.Lock()
	if _, ok := l.validators[r.Accused]; !ok {
		l.mu.Unlock()
		l.logger.Debug("Ignoring fault report for non-validator",
			zap.String("node", r.Accused.String()),
			zap.Stringer("fault", r.FaultType))
		return nil, ErrUnknownValidator
	}

	if ev, ok := l.verified[key]; ok {
		if !ev.HasReporter(r.Reporter) {
			ev.addReporter(r.Reporter)
		}
		snapshot := ev.Copy()
		l.mu.Unlock()
		return &Result{Evidence: snapshot}, nil
	}

	entry, ok := l.pending.Get(key)
	if ok && now.Sub(entry.firstSeen) > l.config.EvidenceWindow {
		l.pending.Remove(key)
		ok = false
	}
	if !ok {
		entry = &pendingEntry{
			evidence: &Evidence{
				FaultType:     r.FaultType,
				NodeID:        r.Accused,
				Timestamp:     now,
				RelatedBlocks: r.RelatedBlocks,
				Data:          append([]byte(nil), r.Data...),
				Description:   r.Description,
				Hash:          hash,
			},
			firstSeen: now,
		}
		l.pending.Add(key, entry)
	}

	ev := entry.evidence
	if ev.HasReporter(r.Reporter) {
		snapshot := ev.Copy()
		l.mu.Unlock()
		return &Result{Evidence: snapshot}, nil
	}
	ev.addReporter(r.Reporter)

	if len(ev.Reporters) < l.config.MinReporters {
		snapshot := ev.Copy()
		l.mu.Unlock()
		l.logger.Debug("Fault report pending corroboration",
			zap.String("node", r.Accused.String()),
			zap.Stringer("fault", r.FaultType),
			zap.Int("reporters", len(snapshot.Reporters)),
			zap.Int("required", l.config.MinReporters))
		return &Result{Evidence: snapshot}, nil
	}

	// 검증 중에는 락을 잡지 않는다
	l.pending.Remove(key)
	l.verified[key] = ev
	candidate := ev.Copy()
	prior := len(l.faults[r.Accused])
	verifier := l.verifier
	l.mu.Unlock()

	genuine, err := verifier.Verify(ctx, candidate, prior)
	if err != nil || !genuine {
		// 거부된 증거는 대기 상태로 되돌려 이후 보고자가 다시 검증을 시도할 수 있게 함
		l.mu.Lock()
		delete(l.verified, key)
		if !l.pending.Contains(key) {
			l.pending.Add(key, entry)
		}
		l.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to verify evidence: %w", err)
		}
		l.logger.Info("Evidence rejected by verifier",
			zap.String("node", r.Accused.String()),
			zap.Stringer("fault", r.FaultType))
		return &Result{Evidence: candidate}, nil
	}

	return l.recordVerified(ev), nil
}

func (l *Ledger) recordVerified(ev *Evidence) *Result {
	l.mu.Lock()
	l.faults[ev.NodeID] = append(l.faults[ev.NodeID], ev)
	count := len(l.faults[ev.NodeID])

	res := &Result{Evidence: ev.Copy(), Verified: true}
	if count >= l.config.FaultThreshold {
		l.blacklist[ev.NodeID] = l.clock.Now()
		res.Blacklisted = true
		if l.config.EnableSlashing {
			res.Penalty = &ThresholdPenalty{
				NodeID:    ev.NodeID,
				FaultType: ev.FaultType,
				Amount:    PenaltyFor(l.config.PenaltyAmount, ev.FaultType),
			}
		}
	}
	recorder := l.recorder
	l.mu.Unlock()

	l.logger.Info("Recorded verified Byzantine fault",
		zap.String("node", ev.NodeID.String()),
		zap.Stringer("fault", ev.FaultType),
		zap.Int("fault_count", count))
	if res.Blacklisted {
		l.logger.Warn("Node blacklisted after reaching fault threshold",
			zap.String("node", ev.NodeID.String()),
			zap.Int("threshold", l.config.FaultThreshold))
	}

	if recorder != nil {
		if err := recorder.SaveEvidence(res.Evidence); err != nil {
			l.logger.Error("Failed to persist evidence", zap.Error(err))
		}
	}
	return res
}

// Restore loads previously verified evidence into the fault history without
// re-evaluating thresholds.
func (l *Ledger) Restore(evs []*Evidence) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range evs {
		key := string(ev.Hash)
		if _, ok := l.verified[key]; ok {
			continue
		}
		c := ev.Copy()
		l.verified[key] = c
		l.faults[c.NodeID] = append(l.faults[c.NodeID], c)
	}
}

// CheckEquivocation remembers the first block hash node voted for at
// (view, height). A later vote for a different hash is reported as
// DoubleSigning with both hashes as payload, and the result is returned.
// It returns nil when there is no equivocation.
func (l *Ledger) CheckEquivocation(ctx context.Context, node types.NodeID, view, height uint64, hash []byte) (*Result, error) {
	key := voteKey{view: view, height: height}

	l.mu.Lock()
	perNode := l.votes[node]
	if perNode == nil {
		perNode = make(map[voteKey]*seenHash)
		l.votes[node] = perNode
	}
	seen, ok := perNode[key]
	if !ok {
		l.seq++
		perNode[key] = &seenHash{hash: append([]byte(nil), hash...), seq: l.seq}
		l.mu.Unlock()
		return nil, nil
	}
	first := seen.hash
	l.mu.Unlock()

	if bytes.Equal(first, hash) {
		return nil, nil
	}

	data := make([]byte, 0, len(first)+len(hash))
	data = append(data, first...)
	data = append(data, hash...)

	l.logger.Warn("Equivocation detected",
		zap.String("node", node.String()),
		zap.Uint64("view", view),
		zap.Uint64("height", height))

	return l.ReportFault(ctx, Report{
		FaultType:     DoubleSigning,
		Accused:       node,
		Reporter:      l.self,
		RelatedBlocks: [][]byte{first, append([]byte(nil), hash...)},
		Data:          data,
		Description:   fmt.Sprintf("conflicting votes in view %d at height %d", view, height),
	})
}

// CheckProposal remembers the first block proposer proposed at height. A
// different block at the same height is reported as DoubleProposal.
func (l *Ledger) CheckProposal(ctx context.Context, proposer types.NodeID, height uint64, hash []byte) (*Result, error) {
	l.mu.Lock()
	perNode := l.proposals[proposer]
	if perNode == nil {
		perNode = make(map[uint64]*seenHash)
		l.proposals[proposer] = perNode
	}
	seen, ok := perNode[height]
	if !ok {
		l.seq++
		perNode[height] = &seenHash{hash: append([]byte(nil), hash...), seq: l.seq}
		l.mu.Unlock()
		return nil, nil
	}
	first := seen.hash
	l.mu.Unlock()

	if bytes.Equal(first, hash) {
		return nil, nil
	}

	data := make([]byte, 0, len(first)+len(hash))
	data = append(data, first...)
	data = append(data, hash...)

	return l.ReportFault(ctx, Report{
		FaultType:     DoubleProposal,
		Accused:       proposer,
		Reporter:      l.self,
		RelatedBlocks: [][]byte{first, append([]byte(nil), hash...)},
		Data:          data,
		Description:   fmt.Sprintf("two proposals at height %d", height),
	})
}

// CheckMessageDelay reports DelayedMessages when a message sent at sentAt
// arrives later than MaxMessageDelay. It returns nil when the message is on time.
func (l *Ledger) CheckMessageDelay(ctx context.Context, node types.NodeID, sentAt time.Time) (*Result, error) {
	delay := l.clock.Since(sentAt)
	if delay <= l.config.MaxMessageDelay {
		return nil, nil
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(delay.Milliseconds()))

	return l.ReportFault(ctx, Report{
		FaultType:   DelayedMessages,
		Accused:     node,
		Reporter:    l.self,
		Data:        data,
		Description: fmt.Sprintf("message delayed by %s", delay),
	})
}

// IsBlacklisted reports whether id is blacklisted and the entry has not expired.
func (l *Ledger) IsBlacklisted(id types.NodeID) bool {
	l.mu.RLock()
	since, ok := l.blacklist[id]
	l.mu.RUnlock()
	return ok && l.clock.Since(since) < l.config.BlacklistDuration
}

// Blacklist blacklists id from now.
func (l *Ledger) Blacklist(id types.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blacklist[id] = l.clock.Now()
}

// Unblacklist removes id from the blacklist and reports whether it was present.
func (l *Ledger) Unblacklist(id types.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blacklist[id]
	delete(l.blacklist, id)
	return ok
}

// Blacklisted returns the unexpired blacklist entries sorted by node ID.
func (l *Ledger) Blacklisted() []BlacklistEntry {
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(l.blacklist))
	for id, since := range l.blacklist {
		if now.Sub(since) >= l.config.BlacklistDuration {
			continue
		}
		out = append(out, BlacklistEntry{NodeID: id, Since: since, ExpiresAt: since.Add(l.config.BlacklistDuration)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// SweepStats reports what a sweep removed.
type SweepStats struct {
	ExpiredBlacklist int
	ExpiredPending   int
	CompactedEntries int
}

// Sweep prunes expired blacklist entries and stale pending reports, and
// compacts per-node history to the newest MaxHistoryPerNode entries.
func (l *Ledger) Sweep() SweepStats {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var stats SweepStats
	for id, since := range l.blacklist {
		if now.Sub(since) >= l.config.BlacklistDuration {
			delete(l.blacklist, id)
			stats.ExpiredBlacklist++
		}
	}

	for _, key := range l.pending.Keys() {
		entry, ok := l.pending.Peek(key)
		if ok && now.Sub(entry.firstSeen) > l.config.EvidenceWindow {
			l.pending.Remove(key)
			stats.ExpiredPending++
		}
	}

	for _, perNode := range l.votes {
		stats.CompactedEntries += compact(perNode, MaxHistoryPerNode)
	}
	for _, perNode := range l.proposals {
		stats.CompactedEntries += compact(perNode, MaxHistoryPerNode)
	}
	return stats
}

// compact drops the oldest entries of m until at most limit remain.
func compact[K comparable](m map[K]*seenHash, limit int) int {
	excess := len(m) - limit
	if excess <= 0 {
		return 0
	}
	type kv struct {
		key K
		seq uint64
	}
	entries := make([]kv, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv{key: k, seq: v.seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries[:excess] {
		delete(m, e.key)
	}
	return excess
}

// HistorySize returns the number of remembered votes for node.
func (l *Ledger) HistorySize(node types.NodeID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.votes[node])
}

// Statistics returns the number of verified faults per type across all nodes.
func (l *Ledger) Statistics() map[FaultType]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := make(map[FaultType]int)
	for _, evs := range l.faults {
		for _, ev := range evs {
			stats[ev.FaultType]++
		}
	}
	return stats
}

// Faults returns a copy of node's verified fault history in order.
func (l *Ledger) Faults(node types.NodeID) []*Evidence {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Evidence, 0, len(l.faults[node]))
	for _, ev := range l.faults[node] {
		out = append(out, ev.Copy())
	}
	return out
}

// FaultCount returns the length of node's fault history.
func (l *Ledger) FaultCount(node types.NodeID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.faults[node])
}

// Pending returns copies of the reports awaiting corroboration.
func (l *Ledger) Pending() []*Evidence {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.pending.Values()
	out := make([]*Evidence, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.evidence.Copy())
	}
	return out
}
