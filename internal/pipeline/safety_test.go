package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScorer struct {
	scores  []float64
	err     error
	premise string
}

func (f *fakeScorer) Scores(_ context.Context, premise, _ string) ([]float64, error) {
	f.premise = premise
	return f.scores, f.err
}

func TestSafetyClassifierThreshold(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)
	defer pool.Release()

	unsafe := NewSafetyClassifier(&fakeScorer{scores: []float64{-2, 3, -1}}, pool, 0.5)
	assert.True(t, unsafe.IsUnsafe(context.Background(), "buy now, add to cart", "shop"))

	safe := NewSafetyClassifier(&fakeScorer{scores: []float64{3, -2, 1}}, pool, 0.5)
	assert.False(t, safe.IsUnsafe(context.Background(), "company history", "shop"))
}

func TestSafetyClassifierFailsOpen(t *testing.T) {
	c := NewSafetyClassifier(&fakeScorer{err: errors.New("inference down")}, nil, 0.5)
	assert.False(t, c.IsUnsafe(context.Background(), "anything", "shop"))
}

func TestSampleTextUsesHeadAndMiddle(t *testing.T) {
	text := strings.Repeat("a", 500) + strings.Repeat("b", 500) + strings.Repeat("c", 500)
	s := &fakeScorer{scores: []float64{0, 0, 0}}
	NewSafetyClassifier(s, nil, 0.5).IsUnsafe(context.Background(), text, "shop")

	assert.Equal(t, strings.Repeat("a", 300)+" ... "+strings.Repeat("b", 250)+strings.Repeat("c", 50), s.premise)
	assert.Equal(t, "short", sampleText("short"))
}

func TestSoftmaxSumsToOne(t *testing.T) {
	p := softmax([]float64{1, 2, 3})
	require.Len(t, p, 3)
	assert.InDelta(t, 1.0, p[0]+p[1]+p[2], 1e-9)
	assert.Greater(t, p[2], p[1])
}
