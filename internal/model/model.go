// Package model keeps the trained AKI classifier behind a small capability
// interface so any equivalent serialized artifact can back it.
package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// FeatureCount is the fixed width of the classifier input:
// [age, sex, c1, c2, c3, c4, c5].
const FeatureCount = 7

// Classifier maps a fixed-shape feature vector to a binary AKI label.
// Implementations must be deterministic: recovery replay recomputes
// predictions and relies on identical labels for identical inputs.
type Classifier interface {
	Predict(features []float64) int
}

// LinearClassifier is a binary linear model: predict 1 when
// bias + dot(weights, features) > 0.
type LinearClassifier struct {
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights"`
}

func (c *LinearClassifier) Predict(features []float64) int {
	score := c.Bias
	for i, w := range c.Weights {
		if i < len(features) {
			score += w * features[i]
		}
	}
	if score > 0 {
		return 1
	}
	return 0
}

type artifact struct {
	Type    string    `json:"type"`
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights"`
}

// Load reads a serialized classifier artifact from path. The process must
// not start without a model, so callers treat any error as fatal.
func Load(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: reading artifact %s: %w", path, err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("model: parsing artifact %s: %w", path, err)
	}

	switch a.Type {
	case "linear":
		if len(a.Weights) != FeatureCount {
			return nil, fmt.Errorf("model: artifact has %d weights, want %d", len(a.Weights), FeatureCount)
		}
		return &LinearClassifier{Bias: a.Bias, Weights: a.Weights}, nil
	default:
		return nil, fmt.Errorf("model: unsupported artifact type %q", a.Type)
	}
}
