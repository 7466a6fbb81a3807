package decode

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
)

func TestBeamSearchForced(t *testing.T) {
	hyps, err := BeamSearch(context.Background(), forced(), codes(3), BeamOptions{BOS: bos, EOS: eos, Width: 2, MaxSteps: 3})
	require.NoError(t, err)
	require.Len(t, hyps, 3)

	for i, h := range hyps {
		if diff := cmp.Diff([]int32{tokA, eos}, h.Tokens); diff != "" {
			t.Errorf("example %d mismatch (-want +got):\n%s", i, diff)
		}
		assert.True(t, h.Complete)
		assert.Equal(t, 3, h.Length)
		assert.InDelta(t, 0, h.LogProb, 1e-9)
	}
}

func TestBeamSearchRanking(t *testing.T) {
	step := &tableStep{
		vocab: 4,
		next: map[int32][]float64{
			bos:  {0, 0, 0.6, 0.4},
			tokA: {0, 0.7, 0, 0.3},
			tokB: {0, 0.9, 0, 0.1},
		},
	}

	all, err := BeamSearchAll(context.Background(), step, codes(1), BeamOptions{BOS: bos, EOS: eos, Width: 2, MaxSteps: 5})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Len(t, all[0], 2)

	first, second := all[0][0], all[0][1]
	if diff := cmp.Diff([]int32{tokA, eos}, first.Tokens); diff != "" {
		t.Errorf("best mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{tokB, eos}, second.Tokens); diff != "" {
		t.Errorf("runner-up mismatch (-want +got):\n%s", diff)
	}

	assert.InDelta(t, math.Log(0.6*0.7), first.LogProb, 1e-9)
	assert.InDelta(t, math.Log(0.4*0.9), second.LogProb, 1e-9)
	assert.Equal(t, 2, step.calls, "search should stop once the beam is full of completed hypotheses")
}

func TestBeamSearchTruncated(t *testing.T) {
	hyps, err := BeamSearchAll(context.Background(), endless(), codes(2), BeamOptions{BOS: bos, EOS: eos, Width: 2, MaxSteps: 3})
	require.NoError(t, err)

	for _, example := range hyps {
		require.NotEmpty(t, example)
		best := example[0]
		assert.False(t, best.Complete)
		if diff := cmp.Diff([]int32{tokB, tokB, tokB}, best.Tokens); diff != "" {
			t.Errorf("truncated mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 4, best.Length)
	}
}

// randomStep draws a fixed random next-token distribution for every
// previous token.
func randomStep(rng *rand.Rand, vocab int) *tableStep {
	s := &tableStep{vocab: vocab, next: make(map[int32][]float64)}
	for tok := range vocab {
		probs := make([]float64, vocab)
		var sum float64
		for v := range probs {
			probs[v] = rng.Float64() + 0.01
			sum += probs[v]
		}
		for v := range probs {
			probs[v] /= sum
		}
		s.next[int32(tok)] = probs
	}
	return s
}

func TestBeamSearchInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	for _, tt := range []struct {
		width, maxSteps, vocab int
	}{
		{1, 4, 5},
		{3, 6, 6},
		{5, 8, 12},
		{8, 3, 4},
	} {
		step := randomStep(rng, tt.vocab)

		steps := 0
		opts := BeamOptions{
			BOS:      bos,
			EOS:      eos,
			Width:    tt.width,
			MaxSteps: tt.maxSteps,
			Observer: func(_, live, completed int) {
				steps++
				if live+completed > tt.width {
					t.Errorf("width %d: %d live + %d completed exceeds the beam", tt.width, live, completed)
				}
			},
		}

		all, err := BeamSearchAll(context.Background(), step, codes(2), opts)
		require.NoError(t, err)
		assert.LessOrEqual(t, steps, 2*tt.maxSteps)

		for _, example := range all {
			require.NotEmpty(t, example)
			assert.LessOrEqual(t, len(example), tt.width)

			for i, h := range example {
				assert.LessOrEqual(t, len(h.Tokens)+1, tt.maxSteps+1)
				assert.Equal(t, len(h.Tokens)+1, h.Length)

				last := h.Tokens[len(h.Tokens)-1]
				if h.Complete {
					assert.Equal(t, eos, last)
				} else {
					assert.NotEqual(t, eos, last)
					assert.Len(t, h.Tokens, tt.maxSteps)
				}

				if i > 0 {
					assert.GreaterOrEqual(t, example[i-1].LogProb, h.LogProb)
				}
			}
		}
	}
}

func TestBeamSearchConcatenatedCodes(t *testing.T) {
	c := latent.Sample{mat.NewDense(2, 3, nil)}
	s := latent.Sample{mat.NewDense(2, 1, nil)}
	z, err := latent.Concat(c, s)
	require.NoError(t, err)

	hyps, err := BeamSearch(context.Background(), forced(), z, BeamOptions{BOS: bos, EOS: eos, Width: 2, MaxSteps: 3})
	require.NoError(t, err)
	assert.Len(t, hyps, 2)
}

func TestBeamSearchErrors(t *testing.T) {
	ctx := context.Background()
	for _, opts := range []BeamOptions{
		{Width: 0, MaxSteps: 3},
		{Width: 2, MaxSteps: 0},
	} {
		_, err := BeamSearch(ctx, forced(), codes(1), opts)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}

	_, err := BeamSearch(ctx, forced(), nil, BeamOptions{Width: 2, MaxSteps: 3})
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = BeamSearch(canceled, forced(), codes(1), BeamOptions{Width: 2, MaxSteps: 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHypothesisScore(t *testing.T) {
	h := Hypothesis{LogProb: -4, Length: 5}
	assert.InDelta(t, -1, h.Score(), 1e-6)

	short := Hypothesis{LogProb: -3, Length: 2}
	assert.Less(t, short.Score(), h.Score(), "normalisation favours the longer sequence")
}
