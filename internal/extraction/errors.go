package extraction

import (
	"context"
	"errors"

	"github.com/loreforge/loreforge/internal/aisearch"
	"github.com/loreforge/loreforge/internal/storage"
)

// Class is the retry classification of a failed extraction step.
type Class int

// Error classes. Transient failures retry with backoff; the rest fail the
// task immediately with their own error codes.
const (
	ClassTransient Class = iota
	ClassPermanent
	ClassRateLimited
	ClassMemory
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassRateLimited:
		return "rate_limited"
	case ClassMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Classify maps an extraction pipeline error to its retry class.
func Classify(err error) Class {
	var ce *aisearch.CallError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case aisearch.KindTransient, aisearch.KindTimeout, aisearch.KindCapacity:
			return ClassTransient
		case aisearch.KindRateLimited:
			return ClassRateLimited
		case aisearch.KindPermanent:
			if ce.StatusCode == 413 {
				return ClassMemory
			}
			return ClassPermanent
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	// Database and network hiccups default to retryable.
	return ClassTransient
}
