// Package bftguardv1 defines the operator query API of a bftguard node.
// 메시지는 JSON 코덱으로 전송되므로 protoc 생성 코드 없이 Go struct로 정의
package bftguardv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bftguard.v1.Query"

// ================================================================================
//                          메시지 정의
// ================================================================================

type StatusRequest struct{}

type StatusResponse struct {
	NodeId              string                 `json:"node_id"`
	View                uint64                 `json:"view"`
	Height              uint64                 `json:"height"`
	Validators          int32                  `json:"validators"`
	MaxByzantineNodes   int32                  `json:"max_byzantine_nodes"`
	Quorum              int32                  `json:"quorum"`
	MinConfirmations    int32                  `json:"min_confirmations"`
	ConfirmationTimeout string                 `json:"confirmation_timeout"`
	RoundsTracked       int32                  `json:"rounds_tracked"`
	Blacklisted         int32                  `json:"blacklisted"`
	PendingEvidence     int32                  `json:"pending_evidence"`
	Time                *timestamppb.Timestamp `json:"time"`
}

type Round struct {
	BlockHash  string                 `json:"block_hash"`
	Height     uint64                 `json:"height"`
	View       uint64                 `json:"view"`
	Proposer   string                 `json:"proposer,omitempty"`
	Status     string                 `json:"status"`
	StartTime  *timestamppb.Timestamp `json:"start_time"`
	PreVotes   []string               `json:"pre_votes"`
	PreCommits []string               `json:"pre_commits"`
	Commits    []string               `json:"commits"`
	TxCount    int32                  `json:"tx_count"`
}

type RoundRequest struct {
	BlockHash string `json:"block_hash"` // hex
}

type RoundResponse struct {
	Round *Round `json:"round"`
}

type RoundsRequest struct{}

type RoundsResponse struct {
	Rounds []*Round `json:"rounds"`
}

type Validator struct {
	Id          string `json:"id"`
	PubKey      string `json:"pub_key,omitempty"` // hex
	Stake       uint64 `json:"stake"`
	Power       int64  `json:"power"`
	Blacklisted bool   `json:"blacklisted"`
	Faults      int32  `json:"faults"`
}

type ValidatorsRequest struct{}

type ValidatorsResponse struct {
	Validators []*Validator `json:"validators"`
}

type Evidence struct {
	FaultType     string                 `json:"fault_type"`
	NodeId        string                 `json:"node_id"`
	Timestamp     *timestamppb.Timestamp `json:"timestamp"`
	RelatedBlocks []string               `json:"related_blocks,omitempty"`
	Description   string                 `json:"description"`
	Reporters     []string               `json:"reporters"`
	Hash          string                 `json:"hash"`
}

// FaultsRequest selects one node's history, or all verified evidence when NodeId is empty.
type FaultsRequest struct {
	NodeId string `json:"node_id,omitempty"`
}

type FaultsResponse struct {
	Evidence []*Evidence `json:"evidence"`
}

type StatisticsRequest struct{}

type StatisticsResponse struct {
	Counts  map[string]int32 `json:"counts"`
	Pending int32            `json:"pending"`
}

type BlacklistEntry struct {
	NodeId    string                 `json:"node_id"`
	Since     *timestamppb.Timestamp `json:"since"`
	ExpiresAt *timestamppb.Timestamp `json:"expires_at"`
}

type BlacklistRequest struct{}

type BlacklistResponse struct {
	Entries []*BlacklistEntry `json:"entries"`
}

type SlashEvent struct {
	NodeId      string                 `json:"node_id"`
	FaultType   string                 `json:"fault_type"`
	Kind        string                 `json:"kind"`
	Percentage  float64                `json:"percentage"`
	Amount      uint64                 `json:"amount"`
	StakeBefore uint64                 `json:"stake_before"`
	StakeAfter  uint64                 `json:"stake_after"`
	Removed     bool                   `json:"removed"`
	Timestamp   *timestamppb.Timestamp `json:"timestamp"`
}

type SlashEventsRequest struct{}

type SlashEventsResponse struct {
	Events []*SlashEvent `json:"events"`
}

// ================================================================================
//                          서버 인터페이스
// ================================================================================

// QueryServer is the server API for the Query service.
type QueryServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Round(context.Context, *RoundRequest) (*RoundResponse, error)
	Rounds(context.Context, *RoundsRequest) (*RoundsResponse, error)
	Validators(context.Context, *ValidatorsRequest) (*ValidatorsResponse, error)
	Faults(context.Context, *FaultsRequest) (*FaultsResponse, error)
	Statistics(context.Context, *StatisticsRequest) (*StatisticsResponse, error)
	Blacklist(context.Context, *BlacklistRequest) (*BlacklistResponse, error)
	SlashEvents(context.Context, *SlashEventsRequest) (*SlashEventsResponse, error)
}

// RegisterQueryServer registers srv on s.
func RegisterQueryServer(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&Query_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(QueryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(QueryServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Query_ServiceDesc is the grpc.ServiceDesc for the Query service.
var Query_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Status", QueryServer.Status),
		unaryHandler("Round", QueryServer.Round),
		unaryHandler("Rounds", QueryServer.Rounds),
		unaryHandler("Validators", QueryServer.Validators),
		unaryHandler("Faults", QueryServer.Faults),
		unaryHandler("Statistics", QueryServer.Statistics),
		unaryHandler("Blacklist", QueryServer.Blacklist),
		unaryHandler("SlashEvents", QueryServer.SlashEvents),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bftguard/v1/query.proto",
}

// ================================================================================
//                          클라이언트
// ================================================================================

// QueryClient is the client API for the Query service.
type QueryClient interface {
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	Round(ctx context.Context, in *RoundRequest, opts ...grpc.CallOption) (*RoundResponse, error)
	Rounds(ctx context.Context, in *RoundsRequest, opts ...grpc.CallOption) (*RoundsResponse, error)
	Validators(ctx context.Context, in *ValidatorsRequest, opts ...grpc.CallOption) (*ValidatorsResponse, error)
	Faults(ctx context.Context, in *FaultsRequest, opts ...grpc.CallOption) (*FaultsResponse, error)
	Statistics(ctx context.Context, in *StatisticsRequest, opts ...grpc.CallOption) (*StatisticsResponse, error)
	Blacklist(ctx context.Context, in *BlacklistRequest, opts ...grpc.CallOption) (*BlacklistResponse, error)
	SlashEvents(ctx context.Context, in *SlashEventsRequest, opts ...grpc.CallOption) (*SlashEventsResponse, error)
}

type queryClient struct {
	cc grpc.ClientConnInterface
}

// NewQueryClient creates a client on cc.
func NewQueryClient(cc grpc.ClientConnInterface) QueryClient {
	return &queryClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "Status", in, opts)
}

func (c *queryClient) Round(ctx context.Context, in *RoundRequest, opts ...grpc.CallOption) (*RoundResponse, error) {
	return invoke[RoundResponse](ctx, c.cc, "Round", in, opts)
}

func (c *queryClient) Rounds(ctx context.Context, in *RoundsRequest, opts ...grpc.CallOption) (*RoundsResponse, error) {
	return invoke[RoundsResponse](ctx, c.cc, "Rounds", in, opts)
}

func (c *queryClient) Validators(ctx context.Context, in *ValidatorsRequest, opts ...grpc.CallOption) (*ValidatorsResponse, error) {
	return invoke[ValidatorsResponse](ctx, c.cc, "Validators", in, opts)
}

func (c *queryClient) Faults(ctx context.Context, in *FaultsRequest, opts ...grpc.CallOption) (*FaultsResponse, error) {
	return invoke[FaultsResponse](ctx, c.cc, "Faults", in, opts)
}

func (c *queryClient) Statistics(ctx context.Context, in *StatisticsRequest, opts ...grpc.CallOption) (*StatisticsResponse, error) {
	return invoke[StatisticsResponse](ctx, c.cc, "Statistics", in, opts)
}

func (c *queryClient) Blacklist(ctx context.Context, in *BlacklistRequest, opts ...grpc.CallOption) (*BlacklistResponse, error) {
	return invoke[BlacklistResponse](ctx, c.cc, "Blacklist", in, opts)
}

func (c *queryClient) SlashEvents(ctx context.Context, in *SlashEventsRequest, opts ...grpc.CallOption) (*SlashEventsResponse, error) {
	return invoke[SlashEventsResponse](ctx, c.cc, "SlashEvents", in, opts)
}
