package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	bftguardv1 "github.com/ahwlsqja/bftguard/api/bftguard/v1"
	"github.com/ahwlsqja/bftguard/consensus/bft"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

// Backend is the node state the query service reads. *bft.Coordinator implements it.
type Backend interface {
	Config() bft.Config
	CurrentView() uint64
	CurrentHeight() uint64
	Round(blockHash []byte) (bft.RoundInfo, bool)
	Rounds() []bft.RoundInfo
	Validators() []types.Validator
	SlashEvents() []bft.SlashEvent
	Ledger() *evidence.Ledger
}

var _ Backend = (*bft.Coordinator)(nil)

// QueryService implements bftguardv1.QueryServer over a Backend.
type QueryService struct {
	backend Backend
	now     func() time.Time
}

var _ bftguardv1.QueryServer = (*QueryService)(nil)

// NewQueryService creates a query service.
func NewQueryService(backend Backend) *QueryService {
	return &QueryService{backend: backend, now: time.Now}
}

// Status returns the node's view, height and set sizes.
func (q *QueryService) Status(ctx context.Context, _ *bftguardv1.StatusRequest) (*bftguardv1.StatusResponse, error) {
	cfg := q.backend.Config()
	ledger := q.backend.Ledger()
	return &bftguardv1.StatusResponse{
		NodeId:              cfg.NodeID.String(),
		View:                q.backend.CurrentView(),
		Height:              q.backend.CurrentHeight(),
		Validators:          int32(len(q.backend.Validators())),
		MaxByzantineNodes:   int32(cfg.MaxByzantineNodes),
		Quorum:              int32(cfg.Quorum()),
		MinConfirmations:    int32(cfg.MinConfirmations),
		ConfirmationTimeout: cfg.ConfirmationTimeout.String(),
		RoundsTracked:       int32(len(q.backend.Rounds())),
		Blacklisted:         int32(len(ledger.Blacklisted())),
		PendingEvidence:     int32(len(ledger.Pending())),
		Time:                timestamppb.New(q.now()),
	}, nil
}

// Round returns one round by hex block hash.
func (q *QueryService) Round(ctx context.Context, req *bftguardv1.RoundRequest) (*bftguardv1.RoundResponse, error) {
	hash, err := hex.DecodeString(req.BlockHash)
	if err != nil || len(hash) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid block hash %q", req.BlockHash)
	}
	info, ok := q.backend.Round(hash)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no round for %s", req.BlockHash)
	}
	return &bftguardv1.RoundResponse{Round: roundToProto(info)}, nil
}

// Rounds returns every tracked round ordered by height.
func (q *QueryService) Rounds(ctx context.Context, _ *bftguardv1.RoundsRequest) (*bftguardv1.RoundsResponse, error) {
	infos := q.backend.Rounds()
	resp := &bftguardv1.RoundsResponse{Rounds: make([]*bftguardv1.Round, 0, len(infos))}
	for _, info := range infos {
		resp.Rounds = append(resp.Rounds, roundToProto(info))
	}
	return resp, nil
}

// Validators returns the active set with blacklist state and fault counts.
func (q *QueryService) Validators(ctx context.Context, _ *bftguardv1.ValidatorsRequest) (*bftguardv1.ValidatorsResponse, error) {
	ledger := q.backend.Ledger()
	vals := q.backend.Validators()
	resp := &bftguardv1.ValidatorsResponse{Validators: make([]*bftguardv1.Validator, 0, len(vals))}
	for _, v := range vals {
		resp.Validators = append(resp.Validators, &bftguardv1.Validator{
			Id:          v.ID.String(),
			PubKey:      hex.EncodeToString(v.PubKey),
			Stake:       v.Stake,
			Power:       v.Power,
			Blacklisted: ledger.IsBlacklisted(v.ID),
			Faults:      int32(ledger.FaultCount(v.ID)),
		})
	}
	return resp, nil
}

// Faults returns verified evidence for one node or for all nodes.
func (q *QueryService) Faults(ctx context.Context, req *bftguardv1.FaultsRequest) (*bftguardv1.FaultsResponse, error) {
	ledger := q.backend.Ledger()

	var evs []*evidence.Evidence
	if req.NodeId != "" {
		evs = ledger.Faults(types.NodeID(req.NodeId))
	} else {
		for _, v := range q.allAccused() {
			evs = append(evs, ledger.Faults(v)...)
		}
	}

	resp := &bftguardv1.FaultsResponse{Evidence: make([]*bftguardv1.Evidence, 0, len(evs))}
	for _, ev := range evs {
		resp.Evidence = append(resp.Evidence, evidenceToProto(ev))
	}
	return resp, nil
}

// allAccused returns active validators plus blacklisted nodes that were removed from the set.
func (q *QueryService) allAccused() []types.NodeID {
	seen := make(map[types.NodeID]struct{})
	var ids []types.NodeID
	add := func(id types.NodeID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, v := range q.backend.Validators() {
		add(v.ID)
	}
	for _, e := range q.backend.Ledger().Blacklisted() {
		add(e.NodeID)
	}
	for _, s := range q.backend.SlashEvents() {
		add(s.NodeID)
	}
	return ids
}

// Statistics returns verified evidence counts per fault type.
func (q *QueryService) Statistics(ctx context.Context, _ *bftguardv1.StatisticsRequest) (*bftguardv1.StatisticsResponse, error) {
	ledger := q.backend.Ledger()
	stats := ledger.Statistics()
	resp := &bftguardv1.StatisticsResponse{
		Counts:  make(map[string]int32, len(stats)),
		Pending: int32(len(ledger.Pending())),
	}
	for ft, n := range stats {
		resp.Counts[ft.String()] = int32(n)
	}
	return resp, nil
}

// Blacklist returns the unexpired blacklist entries.
func (q *QueryService) Blacklist(ctx context.Context, _ *bftguardv1.BlacklistRequest) (*bftguardv1.BlacklistResponse, error) {
	entries := q.backend.Ledger().Blacklisted()
	resp := &bftguardv1.BlacklistResponse{Entries: make([]*bftguardv1.BlacklistEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, &bftguardv1.BlacklistEntry{
			NodeId:    e.NodeID.String(),
			Since:     timestamppb.New(e.Since),
			ExpiresAt: timestamppb.New(e.ExpiresAt),
		})
	}
	return resp, nil
}

// SlashEvents returns the recorded slash events, oldest first.
func (q *QueryService) SlashEvents(ctx context.Context, _ *bftguardv1.SlashEventsRequest) (*bftguardv1.SlashEventsResponse, error) {
	events := q.backend.SlashEvents()
	resp := &bftguardv1.SlashEventsResponse{Events: make([]*bftguardv1.SlashEvent, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, &bftguardv1.SlashEvent{
			NodeId:      ev.NodeID.String(),
			FaultType:   ev.FaultType.String(),
			Kind:        string(ev.Kind),
			Percentage:  ev.Percentage,
			Amount:      ev.Amount,
			StakeBefore: ev.StakeBefore,
			StakeAfter:  ev.StakeAfter,
			Removed:     ev.Removed,
			Timestamp:   timestamppb.New(ev.Timestamp),
		})
	}
	return resp, nil
}

// Helper functions for type conversion

func roundToProto(info bft.RoundInfo) *bftguardv1.Round {
	return &bftguardv1.Round{
		BlockHash:  info.BlockHash,
		Height:     info.Height,
		View:       info.View,
		Proposer:   info.Proposer.String(),
		Status:     info.Status,
		StartTime:  timestamppb.New(info.StartTime),
		PreVotes:   nodeStrings(info.PreVotes),
		PreCommits: nodeStrings(info.PreCommits),
		Commits:    nodeStrings(info.Commits),
		TxCount:    int32(info.TxCount),
	}
}

func evidenceToProto(ev *evidence.Evidence) *bftguardv1.Evidence {
	related := make([]string, 0, len(ev.RelatedBlocks))
	for _, b := range ev.RelatedBlocks {
		related = append(related, hex.EncodeToString(b))
	}
	return &bftguardv1.Evidence{
		FaultType:     ev.FaultType.String(),
		NodeId:        ev.NodeID.String(),
		Timestamp:     timestamppb.New(ev.Timestamp),
		RelatedBlocks: related,
		Description:   ev.Description,
		Reporters:     nodeStrings(ev.Reporters),
		Hash:          ev.HashString(),
	}
}

func nodeStrings(ids []types.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// ================================================================================
//                          Server
// ================================================================================

// Server serves the query service over gRPC.
type Server struct {
	mu sync.Mutex

	address  string
	server   *grpc.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer creates a query server listening on address.
func NewServer(address string, service bftguardv1.QueryServer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024), // 64MB
	)
	bftguardv1.RegisterQueryServer(server, service)

	return &Server{
		address: address,
		server:  server,
		logger:  logger.Named("query"),
	}
}

// Start starts listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Query server error", zap.Error(err))
		}
	}()

	s.logger.Info("Query server started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.server.GracefulStop()
	s.logger.Info("Query server stopped")
}

// ================================================================================
//                          Client
// ================================================================================

// Client is a query client for a remote node.
type Client struct {
	bftguardv1.QueryClient
	conn *grpc.ClientConn
}

// Dial creates a client for the node at address. The connection is
// established lazily on the first call.
func Dial(address string) (*Client, error) {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &Client{
		QueryClient: bftguardv1.NewQueryClient(conn),
		conn:        conn,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
