// Package network connects consensus coordinators running in one process.
//
// A Router owns one inbound channel per peer and forwards every coordinator's
// outbound stream into the inbound channel of the addressed peer, attributing
// each message to the coordinator that sent it.
package network

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/types"
)

var (
	ErrPeerExists    = errors.New("peer already registered")
	ErrRouterStopped = errors.New("router stopped")
)

// Filter decides whether a message from one peer reaches another. Returning
// false drops it.
type Filter func(from, to types.NodeID, msg types.Message) bool

// Peer is a registered endpoint.
type Peer struct {
	ID      types.NodeID
	inbound chan types.Inbound
}

// Router delivers outbound messages between registered peers.
type Router struct {
	mu sync.RWMutex

	peers  map[types.NodeID]*Peer
	filter Filter

	delivered atomic.Uint64
	dropped   atomic.Uint64

	logger *zap.Logger

	wg      sync.WaitGroup
	done    chan struct{}
	stopped bool
}

// NewRouter creates a router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		peers:  make(map[types.NodeID]*Peer),
		logger: logger.Named("router"),
		done:   make(chan struct{}),
	}
}

// AddPeer registers id and returns the channel its coordinator reads from.
func (r *Router) AddPeer(id types.NodeID, buffer int) (<-chan types.Inbound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, ErrRouterStopped
	}
	if _, ok := r.peers[id]; ok {
		return nil, ErrPeerExists
	}
	peer := &Peer{ID: id, inbound: make(chan types.Inbound, buffer)}
	r.peers[id] = peer

	r.logger.Debug("Peer registered", zap.String("peer", id.String()))
	return peer.inbound, nil
}

// Peers returns the registered peer IDs.
func (r *Router) Peers() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.NodeID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// SetFilter installs f. A nil filter delivers everything.
func (r *Router) SetFilter(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = f
}

// Attach forwards outbound, sent by from, until the channel is closed or the
// router stops. The forwarder only ever blocks on a full peer channel.
func (r *Router) Attach(from types.NodeID, outbound <-chan types.Outbound) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrRouterStopped
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case out, ok := <-outbound:
				if !ok {
					return
				}
				r.Deliver(from, out)
			}
		}
	}()
	return nil
}

// Deliver routes one message and reports whether it reached the peer's
// inbound channel. It blocks while the peer's channel is full.
func (r *Router) Deliver(from types.NodeID, out types.Outbound) bool {
	r.mu.RLock()
	if r.stopped {
		r.mu.RUnlock()
		r.dropped.Add(1)
		return false
	}
	peer, ok := r.peers[out.To]
	filter := r.filter
	r.wg.Add(1)
	r.mu.RUnlock()
	defer r.wg.Done()

	if !ok || out.Msg == nil {
		r.dropped.Add(1)
		r.logger.Debug("Unroutable message", zap.String("to", out.To.String()))
		return false
	}
	if filter != nil && !filter(from, out.To, out.Msg) {
		r.dropped.Add(1)
		return false
	}

	select {
	case peer.inbound <- types.Inbound{From: from, Msg: out.Msg}:
		r.delivered.Add(1)
		return true
	case <-r.done:
		r.dropped.Add(1)
		return false
	}
}

// Delivered returns the number of messages delivered.
func (r *Router) Delivered() uint64 {
	return r.delivered.Load()
}

// Dropped returns the number of messages dropped by filters, unknown
// recipients or shutdown.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

// Stop stops forwarding and closes every inbound channel, which shuts down
// coordinators still reading from them.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.peers {
		close(peer.inbound)
	}
	r.logger.Info("Router stopped",
		zap.Uint64("delivered", r.delivered.Load()),
		zap.Uint64("dropped", r.dropped.Load()))
}
