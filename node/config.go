// Package node wires a validator's consensus coordinator, evidence ledger,
// storage and query surface together and runs an in-process devnet.
package node

import (
	"fmt"
	"time"

	"github.com/ahwlsqja/bftguard/consensus/bft"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

// Config holds configuration for a devnet and its local node.
type Config struct {
	// 노드 식별
	NodeID  string `mapstructure:"node_id"`  // 쿼리 서비스를 제공하는 로컬 노드
	ChainID string `mapstructure:"chain_id"` // "bftguard-devnet"

	// 검증자 목록 - 키는 KeySeed + ID 에서 결정적으로 유도
	Validators []string `mapstructure:"validators"`
	KeySeed    string   `mapstructure:"key_seed"`
	Stake      uint64   `mapstructure:"stake"`

	// 블록 제안
	ProposeInterval time.Duration `mapstructure:"propose_interval"`
	TxsPerBlock     int           `mapstructure:"txs_per_block"`

	Consensus ConsensusConfig `mapstructure:"consensus"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Slashing  SlashingConfig  `mapstructure:"slashing"`

	// Data directory. Empty keeps everything in memory.
	DataDir string `mapstructure:"data_dir"`

	// QueryAddr is the gRPC query listen address. Empty disables it.
	QueryAddr string `mapstructure:"query_addr"`

	// Prometheus metrics
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	Log LogConfig `mapstructure:"log"`
}

// ConsensusConfig is the user-facing subset of bft.Config.
type ConsensusConfig struct {
	MaxByzantineNodes    int           `mapstructure:"max_byzantine_nodes"`
	MinConfirmations     int           `mapstructure:"min_confirmations"`
	ConfirmationTimeout  time.Duration `mapstructure:"confirmation_timeout"`
	BlockProposalTimeout time.Duration `mapstructure:"block_proposal_timeout"`
	ViewChangeTimeout    time.Duration `mapstructure:"view_change_timeout"`
	BatchSize            int           `mapstructure:"batch_size"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

// EvidenceConfig is the user-facing subset of evidence.Config.
type EvidenceConfig struct {
	MaxMessageDelay       time.Duration `mapstructure:"max_message_delay"`
	MinReporters          int           `mapstructure:"min_reporters"`
	EvidenceWindow        time.Duration `mapstructure:"evidence_window"`
	FaultThreshold        int           `mapstructure:"fault_threshold"`
	BlacklistDuration     time.Duration `mapstructure:"blacklist_duration"`
	EnableAIDetection     bool          `mapstructure:"enable_ai_detection"`
	PenaltyAmount         uint64        `mapstructure:"penalty_amount"`
	EnableSlashing        bool          `mapstructure:"enable_slashing"`
	AIConfidenceThreshold float64       `mapstructure:"ai_confidence_threshold"`
}

// SlashingConfig overrides entries of the default slash table.
type SlashingConfig struct {
	RemovalThreshold float64            `mapstructure:"removal_threshold"`
	Percentages      map[string]float64 `mapstructure:"percentages"` // 장애 유형 이름 -> 비율
}

// DefaultConfig returns a four-validator devnet configuration.
func DefaultConfig() *Config {
	bc := bft.DefaultConfig("")
	ec := evidence.DefaultConfig()
	return &Config{
		NodeID:          "node0",
		ChainID:         "bftguard-devnet",
		Validators:      []string{"node0", "node1", "node2", "node3"},
		KeySeed:         "validator-",
		Stake:           bc.DefaultStake,
		ProposeInterval: 2 * time.Second,
		TxsPerBlock:     10,
		Consensus: ConsensusConfig{
			MaxByzantineNodes:    bc.MaxByzantineNodes,
			MinConfirmations:     bc.MinConfirmations,
			ConfirmationTimeout:  bc.ConfirmationTimeout,
			BlockProposalTimeout: bc.BlockProposalTimeout,
			ViewChangeTimeout:    bc.ViewChangeTimeout,
			BatchSize:            bc.BatchSize,
			HeartbeatInterval:    bc.HeartbeatInterval,
		},
		Evidence: EvidenceConfig{
			MaxMessageDelay:       ec.MaxMessageDelay,
			MinReporters:          ec.MinReporters,
			EvidenceWindow:        ec.EvidenceWindow,
			FaultThreshold:        ec.FaultThreshold,
			BlacklistDuration:     ec.BlacklistDuration,
			EnableAIDetection:     ec.EnableAIDetection,
			PenaltyAmount:         ec.PenaltyAmount,
			EnableSlashing:        ec.EnableSlashing,
			AIConfidenceThreshold: ec.AIConfidenceThreshold,
		},
		Slashing: SlashingConfig{
			RemovalThreshold: bft.DefaultSlashPolicy().RemovalThreshold,
		},
		DataDir:        "",
		QueryAddr:      "127.0.0.1:26670",
		MetricsEnabled: false,
		MetricsAddr:    "127.0.0.1:26660",
		Log:            DefaultLogConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ChainID == "" {
		return ErrEmptyChainID
	}

	seen := make(map[string]struct{}, len(c.Validators))
	for _, id := range c.Validators {
		if id == "" {
			return ErrEmptyValidatorID
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateValidator, id)
		}
		seen[id] = struct{}{}
	}
	if _, ok := seen[c.NodeID]; !ok {
		return ErrNodeNotValidator
	}
	// n >= 3f+1
	if len(c.Validators) < 3*c.Consensus.MaxByzantineNodes+1 {
		return fmt.Errorf("%w: %d validators for f=%d", ErrInsufficientValidators,
			len(c.Validators), c.Consensus.MaxByzantineNodes)
	}
	if c.ProposeInterval <= 0 {
		return ErrInvalidProposeInterval
	}
	if c.MetricsEnabled && c.MetricsAddr == "" {
		return ErrEmptyMetricsAddr
	}

	if _, err := c.SlashPolicy(); err != nil {
		return err
	}
	if err := c.BFTConfig(types.NodeID(c.NodeID)).Validate(); err != nil {
		return err
	}
	return c.EvidenceConfig().Validate()
}

// BFTConfig returns the coordinator configuration for validator id.
func (c *Config) BFTConfig(id types.NodeID) bft.Config {
	bc := bft.DefaultConfig(id)
	bc.MaxByzantineNodes = c.Consensus.MaxByzantineNodes
	bc.MinConfirmations = c.Consensus.MinConfirmations
	bc.ConfirmationTimeout = c.Consensus.ConfirmationTimeout
	bc.BlockProposalTimeout = c.Consensus.BlockProposalTimeout
	bc.ViewChangeTimeout = c.Consensus.ViewChangeTimeout
	bc.BatchSize = c.Consensus.BatchSize
	bc.HeartbeatInterval = c.Consensus.HeartbeatInterval
	if c.Stake > 0 {
		bc.DefaultStake = c.Stake
	}
	if policy, err := c.SlashPolicy(); err == nil {
		bc.Slashing = policy
	}
	return bc
}

// SlashPolicy returns the default slash table with the configured overrides applied.
func (c *Config) SlashPolicy() (bft.SlashPolicy, error) {
	policy := bft.DefaultSlashPolicy()
	if c.Slashing.RemovalThreshold > 0 {
		policy.RemovalThreshold = c.Slashing.RemovalThreshold
	}
	for name, pct := range c.Slashing.Percentages {
		faultType, err := evidence.ParseFaultType(name)
		if err != nil {
			return bft.SlashPolicy{}, fmt.Errorf("slashing: %w", err)
		}
		policy.Percentages[faultType] = pct
	}
	return policy, nil
}

// EvidenceConfig returns the evidence ledger configuration.
func (c *Config) EvidenceConfig() evidence.Config {
	return evidence.Config{
		MaxMessageDelay:       c.Evidence.MaxMessageDelay,
		MinReporters:          c.Evidence.MinReporters,
		EvidenceWindow:        c.Evidence.EvidenceWindow,
		FaultThreshold:        c.Evidence.FaultThreshold,
		BlacklistDuration:     c.Evidence.BlacklistDuration,
		EnableAIDetection:     c.Evidence.EnableAIDetection,
		PenaltyAmount:         c.Evidence.PenaltyAmount,
		EnableSlashing:        c.Evidence.EnableSlashing,
		AIConfidenceThreshold: c.Evidence.AIConfidenceThreshold,
	}
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyNodeID            = configError("node ID is required")
	ErrEmptyChainID           = configError("chain ID is required")
	ErrEmptyValidatorID       = configError("validator ID must not be empty")
	ErrDuplicateValidator     = configError("duplicate validator ID")
	ErrNodeNotValidator       = configError("node ID must be one of the validators")
	ErrInsufficientValidators = configError("at least 3f+1 validators are required for BFT")
	ErrInvalidProposeInterval = configError("propose interval must be positive")
	ErrEmptyMetricsAddr       = configError("metrics address is required when metrics are enabled")
)
