package evidence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFaultTypeNames(t *testing.T) {
	all := AllFaultTypes()
	require.Len(t, all, 17)

	for _, f := range all {
		parsed, err := ParseFaultType(f.String())
		require.NoError(t, err)
		require.Equal(t, f, parsed)
	}

	require.Equal(t, "FaultType(42)", FaultType(42).String())
	_, err := ParseFaultType("Gossiping")
	require.Error(t, err)
}

func TestFaultTypeJSON(t *testing.T) {
	data, err := json.Marshal(map[string]FaultType{"fault": DoubleProposal})
	require.NoError(t, err)
	require.JSONEq(t, `{"fault":"DoubleProposal"}`, string(data))

	var stats map[FaultType]int
	require.NoError(t, json.Unmarshal([]byte(`{"DoubleSigning":2,"ReplayAttack":1}`), &stats))
	require.Equal(t, map[FaultType]int{DoubleSigning: 2, ReplayAttack: 1}, stats)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MinReporters = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidMinReporters)

	cfg = DefaultConfig()
	cfg.AIConfidenceThreshold = 1.5
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfidence)
}
