package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loreforge/loreforge/internal/aisearch"
	"github.com/loreforge/loreforge/internal/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"search transient", &aisearch.CallError{Kind: aisearch.KindTransient}, ClassTransient},
		{"search timeout", &aisearch.CallError{Kind: aisearch.KindTimeout}, ClassTransient},
		{"search capacity", &aisearch.CallError{Kind: aisearch.KindCapacity}, ClassTransient},
		{"search rate limited", &aisearch.CallError{Kind: aisearch.KindRateLimited}, ClassRateLimited},
		{"search permanent", &aisearch.CallError{Kind: aisearch.KindPermanent, StatusCode: 400}, ClassPermanent},
		{"payload too large", &aisearch.CallError{Kind: aisearch.KindPermanent, StatusCode: 413}, ClassMemory},
		{"row missing", storage.ErrNotFound, ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"unknown", errors.New("connection refused"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "rate_limited", ClassRateLimited.String())
	assert.Equal(t, "memory", ClassMemory.String())
}
