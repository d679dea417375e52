package readiness

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feichai0017/document-context/internal/models"
)

func TestRequiredParts(t *testing.T) {
	tests := []struct {
		pages, cap, want int
	}{
		{0, 5, 1},
		{1, 5, 1},
		{2, 5, 1},
		{3, 5, 2},
		{8, 5, 4},
		{9, 5, 5},
		{100, 5, 5},
		{100, 0, 1},
		{7, 10, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("pages=%d cap=%d", tt.pages, tt.cap), func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredParts(tt.pages, tt.cap))
		})
	}
}

func TestRequiredPartsMonotonicAndBounded(t *testing.T) {
	for _, cap := range []int{1, 2, 5, 9} {
		prev := 0
		for pages := 0; pages <= 50; pages++ {
			got := RequiredParts(pages, cap)
			assert.GreaterOrEqual(t, got, prev, "pages=%d cap=%d", pages, cap)
			assert.GreaterOrEqual(t, got, 1)
			assert.LessOrEqual(t, got, cap)
			prev = got
		}
	}
}

func TestPercentReady(t *testing.T) {
	assert.Equal(t, 100, PercentReady(0, 0))
	assert.Equal(t, 50, PercentReady(2, 4))
	assert.Equal(t, 33, PercentReady(1, 3))
	assert.Equal(t, 67, PercentReady(2, 3))
	assert.Equal(t, 100, PercentReady(9, 4))
	assert.Equal(t, 0, PercentReady(0, 4))
}

func TestIsReadyCrossProduct(t *testing.T) {
	states := []models.ReadinessState{models.StateProcessing, models.StateReady, models.StateError, models.StateMissing}
	for _, s := range states {
		for parts := 0; parts <= 6; parts++ {
			for required := 0; required <= 6; required++ {
				want := s == models.StateReady && parts >= required
				assert.Equal(t, want, IsReady(s, parts, required), "status=%s parts=%d required=%d", s, parts, required)
			}
		}
	}
}

func TestRetryAfterSecondsBounded(t *testing.T) {
	for parts := -3; parts <= 12; parts++ {
		for required := 0; required <= 12; required++ {
			got := RetryAfterSeconds(parts, required)
			assert.GreaterOrEqual(t, got, 1)
			assert.LessOrEqual(t, got, 5)
		}
	}
	assert.Equal(t, 2, RetryAfterSeconds(2, 4))
	assert.Equal(t, 5, RetryAfterSeconds(0, 9))
	assert.Equal(t, 1, RetryAfterSeconds(5, 5))
}

func TestEstimatedTimeSeconds(t *testing.T) {
	assert.Equal(t, 0, EstimatedTimeSeconds(4, 4, 2))
	assert.Equal(t, 0, EstimatedTimeSeconds(6, 4, 2))
	assert.Equal(t, 2, EstimatedTimeSeconds(3, 4, 2))
	assert.Equal(t, 2, EstimatedTimeSeconds(3, 4, 1))
	assert.Equal(t, 8, EstimatedTimeSeconds(1, 5, 2))
}

func TestSummarizeProcessingDocument(t *testing.T) {
	r := Summarize(models.StateProcessing, 2, 8, DefaultConfig())

	assert.Equal(t, 4, r.RequiredParts)
	assert.Equal(t, 50, r.PercentReady)
	assert.False(t, r.IsReady)
	assert.Equal(t, 2, r.RetryAfterSeconds)
	assert.Equal(t, 4, r.EstimatedTimeSeconds)
}

func TestSummarizeReadyDocument(t *testing.T) {
	r := Summarize(models.StateReady, 6, 3, Config{})

	assert.Equal(t, 2, r.RequiredParts)
	assert.Equal(t, 100, r.PercentReady)
	assert.True(t, r.IsReady)
	assert.Equal(t, 0, r.EstimatedTimeSeconds)
}
