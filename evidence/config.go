package evidence

import "time"

// Config configures fault detection and corroboration.
type Config struct {
	// 메시지 지연 허용치
	MaxMessageDelay time.Duration

	// MinReporters is the number of distinct reporters needed before evidence is verified.
	MinReporters int

	// EvidenceWindow is how long a pending report waits for corroboration.
	EvidenceWindow time.Duration

	// FaultThreshold is the fault-history length at which a node is blacklisted.
	FaultThreshold int

	// BlacklistDuration is the blacklist TTL.
	BlacklistDuration time.Duration

	EnableAIDetection bool

	// PenaltyAmount is the base threshold penalty.
	PenaltyAmount uint64

	EnableSlashing bool

	// AIConfidenceThreshold is the confidence below which the model verdict is ignored.
	AIConfidenceThreshold float64
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageDelay:       5 * time.Second,
		MinReporters:          3,
		EvidenceWindow:        60 * time.Second,
		FaultThreshold:        5,
		BlacklistDuration:     time.Hour,
		EnableAIDetection:     true,
		PenaltyAmount:         1000,
		EnableSlashing:        true,
		AIConfidenceThreshold: 0.85,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MinReporters < 1 {
		return ErrInvalidMinReporters
	}
	if c.FaultThreshold < 1 {
		return ErrInvalidFaultThreshold
	}
	if c.EvidenceWindow <= 0 {
		return ErrInvalidEvidenceWindow
	}
	if c.BlacklistDuration <= 0 {
		return ErrInvalidBlacklistTTL
	}
	if c.AIConfidenceThreshold < 0 || c.AIConfidenceThreshold > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrInvalidMinReporters   = configError("min reporters must be at least 1")
	ErrInvalidFaultThreshold = configError("fault threshold must be at least 1")
	ErrInvalidEvidenceWindow = configError("evidence window must be positive")
	ErrInvalidBlacklistTTL   = configError("blacklist duration must be positive")
	ErrInvalidConfidence     = configError("AI confidence threshold must be within [0, 1]")
)
