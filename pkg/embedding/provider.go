// Package embedding turns packet content into vectors. It wraps a Provider
// with a skip policy, content-addressed reuse, retries and a concurrency gate.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Provider errors. Providers wrap one of these so the stage can decide
// whether to retry.
var (
	ErrTransient = errors.New("embedding: transient provider error")
	ErrPermanent = errors.New("embedding: permanent provider error")
)

// ErrDimensionMismatch is returned when a provider returns a vector of the
// wrong size.
var ErrDimensionMismatch = errors.New("embedding: vector dimension mismatch")

// Provider computes embeddings for text.
type Provider interface {
	// Embed converts text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the model identifier recorded with stored embeddings.
	Model() string

	// Close releases any resources held by the provider.
	Close() error
}

// Transient wraps err as retryable.
func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanent wraps err as not retryable.
func Permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err should be retried. Errors that carry
// neither marker are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrDimensionMismatch) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// validateVector checks the dimension and rejects NaN or Inf components.
func validateVector(vec []float32, dimension int) error {
	if dimension > 0 && len(vec) != dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dimension, len(vec))
	}
	if len(vec) == 0 {
		return Permanent("provider returned an empty vector")
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Permanent("component %d is not finite", i)
		}
	}
	return nil
}
