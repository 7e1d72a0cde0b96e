package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}), "length mismatch yields zero")
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{0, 0}), "zero vectors yield zero")
	assert.Zero(t, CosineSimilarity(nil, nil))
}
