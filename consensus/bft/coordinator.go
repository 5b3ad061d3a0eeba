package bft

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/bftguard/clock"
	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/metrics"
	"github.com/ahwlsqja/bftguard/reputation"
	"github.com/ahwlsqja/bftguard/types"
)

var (
	ErrAlreadyRunning    = errors.New("coordinator is already running")
	ErrBlacklistedSender = errors.New("sender is blacklisted")
	ErrUnknownRound      = errors.New("no round for block hash")
	ErrBlockHashMismatch = errors.New("block hash does not match block bytes")
	ErrHeightMismatch    = errors.New("proposal height does not match block height")
	ErrInvalidBlock      = errors.New("proposed block rejected")
	ErrDoubleProposal    = errors.New("conflicting proposal for height")
	ErrInvalidSignature  = errors.New("invalid message signature")
	ErrEquivocation      = errors.New("conflicting vote")
	ErrUnknownValidator  = errors.New("unknown validator")
	ErrInvalidValidator  = errors.New("invalid validator")
	ErrNilMessage        = errors.New("nil message")
)

// MaxSlashEvents bounds the slash events kept in memory for queries.
const MaxSlashEvents = 1000

// BlockValidator checks candidate blocks. *validation.Validator implements it.
type BlockValidator interface {
	ValidateStructure(block *types.Block, localHeight uint64, now time.Time) error
	ValidateTransactions(block *types.Block) error
}

// Store persists slash events, finalized blocks and coordinator snapshots.
type Store interface {
	SaveSlashEvent(ev SlashEvent) error
	SaveBlock(block *types.Block) error
	SaveSnapshot(s Snapshot) error
	LoadSnapshot() (*Snapshot, error)
}

// Snapshot is the coordinator state restored across restarts.
type Snapshot struct {
	View    uint64    `json:"view"`
	Height  uint64    `json:"height"`
	SavedAt time.Time `json:"saved_at"`
}

// Deps are the coordinator's collaborators. Ledger and Validator are required.
type Deps struct {
	Ledger     *evidence.Ledger
	Validator  BlockValidator
	Reputation reputation.Sink
	Signer     crypto.Signer
	Store      Store
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Clock      *clock.Clock
}

// Coordinator drives consensus rounds for one node. It consumes inbound
// messages, tracks rounds, emits outbound messages and turns protocol
// violations into evidence.
type Coordinator struct {
	mu sync.RWMutex

	config Config
	view   uint64 // 현재 뷰
	height uint64 // 현재 블록 높이

	rounds     map[string]*Round // hex block hash -> round
	validators *types.ValidatorSet
	heartbeats map[types.NodeID]time.Time

	slashEvents []SlashEvent

	ledger     *evidence.Ledger
	validator  BlockValidator
	reputation reputation.Sink
	signer     crypto.Signer
	store      Store
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      *clock.Clock

	inbound <-chan types.Inbound

	outMu     sync.RWMutex
	outbound  chan types.Outbound
	outClosed bool

	started atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a coordinator reading from inbound.
func New(config Config, inbound <-chan types.Inbound, deps Deps) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Validator == nil {
		return nil, fmt.Errorf("ledger and block validator are required")
	}
	if deps.Reputation == nil {
		deps.Reputation = reputation.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if config.OutboundBuffer < 0 {
		config.OutboundBuffer = 0
	}

	return &Coordinator{
		config:     config,
		rounds:     make(map[string]*Round),
		validators: types.NewValidatorSet(nil),
		heartbeats: make(map[types.NodeID]time.Time),
		ledger:     deps.Ledger,
		validator:  deps.Validator,
		reputation: deps.Reputation,
		signer:     deps.Signer,
		store:      deps.Store,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("bft").With(zap.String("node", config.NodeID.String())),
		clock:      deps.Clock,
		inbound:    inbound,
		outbound:   make(chan types.Outbound, config.OutboundBuffer),
		stopped:    make(chan struct{}),
	}, nil
}

// Outbound returns the channel of messages to deliver. It is closed when the
// coordinator stops.
func (c *Coordinator) Outbound() <-chan types.Outbound {
	return c.outbound
}

// Ledger returns the evidence ledger.
func (c *Coordinator) Ledger() *evidence.Ledger {
	return c.ledger
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Start runs the coordinator in the background until Stop is called, ctx is
// cancelled or the inbound channel is closed.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.logger.Info("Starting coordinator")
	go func() {
		defer close(c.stopped)
		if err := c.Run(ctx); err != nil {
			c.logger.Error("Coordinator stopped with error", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops a coordinator started with Start and waits for it to exit.
func (c *Coordinator) Stop() {
	if !c.started.Load() {
		return
	}
	c.logger.Info("Stopping coordinator")
	c.cancel()
	<-c.stopped
}

// Done is closed when a coordinator started with Start has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Run runs the message loop, the round-timeout supervisor, the heartbeat
// broadcaster and the periodic sweep until ctx is cancelled or the inbound
// channel is closed. The outbound channel is closed on return.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.closeOutbound()

	c.restoreSnapshot()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// 인바운드 채널이 닫히면 나머지 태스크도 멈춘다
		defer cancel()
		return c.messageLoop(ctx)
	})
	g.Go(func() error {
		return c.every(ctx, c.config.TimeoutCheckInterval, c.CheckTimeouts)
	})
	g.Go(func() error {
		return c.every(ctx, c.config.HeartbeatInterval, c.SendHeartbeat)
	})
	g.Go(func() error {
		return c.every(ctx, c.config.SweepInterval, c.Sweep)
	})

	err := g.Wait()
	c.saveSnapshot()
	c.logger.Info("Coordinator stopped")
	return err
}

func (c *Coordinator) messageLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-c.inbound:
			if !ok {
				c.logger.Info("Inbound channel closed, shutting down")
				return nil
			}
			if err := c.HandleMessage(ctx, in); err != nil {
				c.logger.Warn("Dropped message",
					zap.String("from", in.From.String()),
					zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// send queues msg for delivery without blocking. A full or closed outbound
// channel drops the message.
func (c *Coordinator) send(to types.NodeID, msg types.Message) {
	c.outMu.RLock()
	defer c.outMu.RUnlock()
	if c.outClosed {
		c.logger.Debug("Outbound channel closed, dropping message", zap.Stringer("type", msg.Type()))
		return
	}
	select {
	case c.outbound <- types.Outbound{To: to, Msg: msg}:
		c.metrics.IncrementMessagesSent(msg.Type().String())
	default:
		c.logger.Warn("Outbound channel full, dropping message",
			zap.Stringer("type", msg.Type()),
			zap.String("to", to.String()))
		c.metrics.IncrementMessagesDropped("outbound_full")
	}
}

func (c *Coordinator) broadcast(targets []types.NodeID, msg types.Message) {
	for _, id := range targets {
		c.send(id, msg)
	}
}

func (c *Coordinator) closeOutbound() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if !c.outClosed {
		c.outClosed = true
		close(c.outbound)
	}
}

// ProposeBlock starts a round for blockBytes at height and broadcasts the
// proposal to every registered validator. The block hash is the SHA-256 of
// blockBytes.
func (c *Coordinator) ProposeBlock(ctx context.Context, blockBytes []byte, height uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := crypto.Hash(blockBytes)
	key := hex.EncodeToString(hash)

	c.mu.Lock()
	round, exists := c.rounds[key]
	if !exists {
		round = NewRound(hash, height, c.view, c.clock.Now())
		round.Proposer = c.config.NodeID
		if block, err := types.DecodeBlock(blockBytes); err == nil {
			round.Block = block
		}
		c.rounds[key] = round
	}
	targets := c.validators.IDs()
	tracked := len(c.rounds)
	c.mu.Unlock()

	if !exists {
		c.metrics.StartConsensusRound(key)
		c.metrics.SetRoundsTracked(tracked)
	}

	c.logger.Info("Proposing block",
		zap.Uint64("height", height),
		zap.String("hash", key),
		zap.Int("validators", len(targets)))

	c.broadcast(targets, &types.Propose{
		BlockBytes: blockBytes,
		Height:     height,
		BlockHash:  hash,
	})
	return hash, nil
}

// RegisterValidator adds or updates a validator. A zero stake is replaced by
// DefaultStake.
func (c *Coordinator) RegisterValidator(v types.Validator) error {
	if v.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidValidator)
	}
	if len(v.PubKey) > 0 && len(v.PubKey) != crypto.PubKeySize {
		return fmt.Errorf("%w: public key length %d", ErrInvalidValidator, len(v.PubKey))
	}
	if v.Stake == 0 {
		v.Stake = c.config.DefaultStake
	}
	if v.Power == 0 {
		v.Power = 1
	}
	v.PubKey = append([]byte(nil), v.PubKey...)

	c.mu.Lock()
	c.validators.Upsert(&v)
	c.ledger.TrackValidator(v.ID)
	n := c.validators.Size()
	c.mu.Unlock()

	c.metrics.SetValidators(n)
	c.logger.Info("Validator registered", zap.String("validator", v.ID.String()), zap.Uint64("stake", v.Stake))
	return nil
}

// RemoveValidator removes a validator and reports whether it was present.
func (c *Coordinator) RemoveValidator(id types.NodeID) bool {
	c.mu.Lock()
	removed := c.validators.Remove(id)
	if removed {
		c.ledger.UntrackValidator(id)
	}
	n := c.validators.Size()
	c.mu.Unlock()

	if removed {
		c.metrics.SetValidators(n)
		c.logger.Info("Validator removed", zap.String("validator", id.String()))
	}
	return removed
}

// CurrentView returns the local view.
func (c *Coordinator) CurrentView() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// CurrentHeight returns the highest accepted proposal height.
func (c *Coordinator) CurrentHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// ConsensusStatus returns the status of the round for blockHash.
func (c *Coordinator) ConsensusStatus(blockHash []byte) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	round, ok := c.rounds[hex.EncodeToString(blockHash)]
	if !ok {
		return 0, false
	}
	return round.Status, true
}

// Round returns a snapshot of the round for blockHash.
func (c *Coordinator) Round(blockHash []byte) (RoundInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	round, ok := c.rounds[hex.EncodeToString(blockHash)]
	if !ok {
		return RoundInfo{}, false
	}
	return round.Info(), true
}

// Rounds returns snapshots of all tracked rounds ordered by height.
func (c *Coordinator) Rounds() []RoundInfo {
	c.mu.RLock()
	out := make([]RoundInfo, 0, len(c.rounds))
	for _, r := range c.rounds {
		out = append(out, r.Info())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].BlockHash < out[j].BlockHash
	})
	return out
}

// Validators returns a copy of the active validator set.
func (c *Coordinator) Validators() []types.Validator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validators.Copy()
}

// IsValidator reports whether id is in the active set.
func (c *Coordinator) IsValidator(id types.NodeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validators.Contains(id)
}

// LastHeartbeat returns when id was last heard from.
func (c *Coordinator) LastHeartbeat(id types.NodeID) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.heartbeats[id]
	return t, ok
}

// SlashEvents returns the recorded slash events, oldest first.
func (c *Coordinator) SlashEvents() []SlashEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]SlashEvent(nil), c.slashEvents...)
}

func (c *Coordinator) restoreSnapshot() {
	if c.store == nil {
		return
	}
	snap, err := c.store.LoadSnapshot()
	if err != nil {
		c.logger.Error("Failed to load snapshot", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}

	c.mu.Lock()
	if snap.View > c.view {
		c.view = snap.View
	}
	if snap.Height > c.height {
		c.height = snap.Height
	}
	view, height := c.view, c.height
	c.mu.Unlock()

	c.metrics.SetCurrentView(view)
	c.metrics.SetBlockHeight(height)
	c.logger.Info("Restored snapshot", zap.Uint64("view", view), zap.Uint64("height", height))
}

func (c *Coordinator) saveSnapshot() {
	if c.store == nil {
		return
	}
	c.mu.RLock()
	snap := Snapshot{View: c.view, Height: c.height, SavedAt: c.clock.Now()}
	c.mu.RUnlock()

	if err := c.store.SaveSnapshot(snap); err != nil {
		c.logger.Error("Failed to save snapshot", zap.Error(err))
	}
}
