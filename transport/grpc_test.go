package transport

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	bftguardv1 "github.com/ahwlsqja/bftguard/api/bftguard/v1"
	"github.com/ahwlsqja/bftguard/consensus/bft"
	"github.com/ahwlsqja/bftguard/consensus/validation"
	"github.com/ahwlsqja/bftguard/crypto"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

func newCoordinator(t *testing.T) *bft.Coordinator {
	t.Helper()

	evCfg := evidence.DefaultConfig()
	evCfg.MinReporters = 1
	evCfg.EnableAIDetection = false
	ledger := evidence.NewLedger(evCfg, "A", nil, nil)

	coord, err := bft.New(bft.DefaultConfig("A"), make(chan types.Inbound), bft.Deps{
		Ledger:    ledger,
		Validator: validation.New(validation.DefaultConfig()),
	})
	require.NoError(t, err)

	for _, id := range []types.NodeID{"A", "B", "C", "D"} {
		kp := crypto.KeyPairFromSecret([]byte("validator-" + id))
		require.NoError(t, coord.RegisterValidator(types.Validator{ID: id, PubKey: kp.PublicKeyBytes()}))
	}
	return coord
}

func startServer(t *testing.T, backend Backend) *Client {
	t.Helper()

	server := NewServer("127.0.0.1:0", NewQueryService(backend), nil)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	client, err := Dial(server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec{}
	require.Equal(t, "json", codec.Name())

	data, err := codec.Marshal(&bftguardv1.RoundRequest{BlockHash: "ab"})
	require.NoError(t, err)

	var req bftguardv1.RoundRequest
	require.NoError(t, codec.Unmarshal(data, &req))
	require.Equal(t, "ab", req.BlockHash)

	require.Error(t, codec.Unmarshal([]byte("{"), &req))

	_, err = codec.Marshal(nil)
	require.Error(t, err)
	require.Equal(t, ContentSubtype, encoding.GetCodec(ContentSubtype).Name())
}

func TestQueryStatusAndRounds(t *testing.T) {
	coord := newCoordinator(t)
	client := startServer(t, coord)
	ctx := t.Context()

	hash, err := coord.ProposeBlock(ctx, []byte("block-1"), 1)
	require.NoError(t, err)

	st, err := client.Status(ctx, &bftguardv1.StatusRequest{})
	require.NoError(t, err)
	require.Equal(t, "A", st.NodeId)
	require.Equal(t, int32(4), st.Validators)
	require.Equal(t, int32(3), st.Quorum)
	require.Equal(t, int32(1), st.RoundsTracked)
	require.NotNil(t, st.Time)

	round, err := client.Round(ctx, &bftguardv1.RoundRequest{BlockHash: hex.EncodeToString(hash)})
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(hash), round.Round.BlockHash)
	require.Equal(t, uint64(1), round.Round.Height)
	require.Equal(t, "INITIAL", round.Round.Status)
	require.Equal(t, "A", round.Round.Proposer)

	rounds, err := client.Rounds(ctx, &bftguardv1.RoundsRequest{})
	require.NoError(t, err)
	require.Len(t, rounds.Rounds, 1)
}

func TestQueryRoundErrors(t *testing.T) {
	client := startServer(t, newCoordinator(t))
	ctx := t.Context()

	_, err := client.Round(ctx, &bftguardv1.RoundRequest{BlockHash: "not-hex"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Round(ctx, &bftguardv1.RoundRequest{BlockHash: "00ff"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestQueryAccountability(t *testing.T) {
	coord := newCoordinator(t)
	client := startServer(t, coord)
	ctx := t.Context()

	res, err := coord.ReportFault(ctx, evidence.Report{
		FaultType:   evidence.DoubleSigning,
		Accused:     "D",
		Data:        []byte("conflicting votes"),
		Description: "two pre-votes at one height",
	})
	require.NoError(t, err)
	require.True(t, res.Verified)

	vals, err := client.Validators(ctx, &bftguardv1.ValidatorsRequest{})
	require.NoError(t, err)
	require.Len(t, vals.Validators, 3)
	for _, v := range vals.Validators {
		require.NotEqual(t, "D", v.Id)
		require.False(t, v.Blacklisted)
	}

	faults, err := client.Faults(ctx, &bftguardv1.FaultsRequest{NodeId: "D"})
	require.NoError(t, err)
	require.Len(t, faults.Evidence, 1)
	require.Equal(t, "DoubleSigning", faults.Evidence[0].FaultType)
	require.Equal(t, []string{"A"}, faults.Evidence[0].Reporters)

	all, err := client.Faults(ctx, &bftguardv1.FaultsRequest{})
	require.NoError(t, err)
	require.Len(t, all.Evidence, 1)

	stats, err := client.Statistics(ctx, &bftguardv1.StatisticsRequest{})
	require.NoError(t, err)
	require.Equal(t, int32(1), stats.Counts["DoubleSigning"])

	bl, err := client.Blacklist(ctx, &bftguardv1.BlacklistRequest{})
	require.NoError(t, err)
	require.Len(t, bl.Entries, 1)
	require.Equal(t, "D", bl.Entries[0].NodeId)
	require.True(t, bl.Entries[0].ExpiresAt.AsTime().After(bl.Entries[0].Since.AsTime()))

	slashes, err := client.SlashEvents(ctx, &bftguardv1.SlashEventsRequest{})
	require.NoError(t, err)
	require.Len(t, slashes.Events, 1)
	ev := slashes.Events[0]
	require.Equal(t, "D", ev.NodeId)
	require.Equal(t, "severity", ev.Kind)
	require.True(t, ev.Removed)
	require.Equal(t, ev.StakeBefore-ev.Amount, ev.StakeAfter)
}
