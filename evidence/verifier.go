package evidence

import (
	"context"
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Verifier decides whether corroborated evidence is genuine.
type Verifier interface {
	Verify(ctx context.Context, ev *Evidence, priorFaults int) (bool, error)
}

// AcceptAll accepts every corroborated report.
type AcceptAll struct{}

// Verify implements Verifier.
func (AcceptAll) Verify(context.Context, *Evidence, int) (bool, error) {
	return true, nil
}

// NumFeatures is the length of the feature vector fed to the model.
const NumFeatures = 10

// Feature slots.
const (
	featReporters = iota
	featRelatedBlocks
	featPayloadSimilarity
	featDelaySeconds
	featPriorFaults
	featDataKB
)

// Model is a logistic model over evidence features.
type Model struct {
	Weights []float64
	Bias    float64
}

// DefaultModel favours corroborated evidence and distrusts equivocation
// payloads whose two halves are near-identical.
func DefaultModel() Model {
	w := make([]float64, NumFeatures)
	w[featReporters] = 0.8
	w[featRelatedBlocks] = 0.4
	w[featPayloadSimilarity] = -6
	w[featDelaySeconds] = 0.2
	w[featPriorFaults] = 0.3
	w[featDataKB] = 0.1
	return Model{Weights: w, Bias: 0.5}
}

// Probability returns the model's belief that the evidence is genuine.
func (m Model) Probability(features []float64) float64 {
	z := floats.Dot(m.Weights, features) + m.Bias
	return 1 / (1 + math.Exp(-z))
}

// ModelVerifier gates evidence on a logistic model. A verdict with confidence
// below Threshold is ignored and the evidence is accepted, so a weak model
// never suppresses a corroborated report.
type ModelVerifier struct {
	Model     Model
	Threshold float64
}

// NewModelVerifier creates a model-backed verifier.
func NewModelVerifier(model Model, threshold float64) *ModelVerifier {
	return &ModelVerifier{Model: model, Threshold: threshold}
}

// Verify implements Verifier.
func (v *ModelVerifier) Verify(ctx context.Context, ev *Evidence, priorFaults int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p := v.Model.Probability(Features(ev, priorFaults))
	genuine := p >= 0.5
	confidence := p
	if !genuine {
		confidence = 1 - p
	}
	if confidence < v.Threshold {
		return true, nil
	}
	return genuine, nil
}

// Features extracts the fixed-length feature vector of ev.
func Features(ev *Evidence, priorFaults int) []float64 {
	x := make([]float64, NumFeatures)
	x[featReporters] = float64(len(ev.Reporters))
	x[featRelatedBlocks] = float64(len(ev.RelatedBlocks))

	switch ev.FaultType {
	case DoubleSigning:
		if n := len(ev.Data); n >= 64 && n%2 == 0 {
			x[featPayloadSimilarity] = similarity(ev.Data[:n/2], ev.Data[n/2:])
		}
	case DelayedMessages:
		if len(ev.Data) >= 8 {
			x[featDelaySeconds] = float64(binary.BigEndian.Uint64(ev.Data[:8])) / 1000
		}
	default:
		x[featPriorFaults] = float64(priorFaults)
		x[featDataKB] = float64(len(ev.Data)) / 1024
	}
	return x
}

// similarity is the fraction of equal bytes at equal offsets.
func similarity(a, b []byte) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	same := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(n)
}
