package decode

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
	"github.com/jmorganca/disentangle/sample"
)

const (
	bos int32 = iota
	eos
	tokA
	tokB
)

// tableStep predicts the next token from the previous one only. Missing
// entries fall back to the fallback distribution.
type tableStep struct {
	vocab    int
	next     map[int32][]float64
	fallback []float64
	calls    int
}

func logit(p float64) float64 {
	if p == 0 {
		return -1000
	}
	return math.Log(p)
}

func (s *tableStep) VocabSize() int { return s.vocab }

func (s *tableStep) Init(z *mat.Dense) ([]State, error) {
	r, _ := z.Dims()
	return make([]State, r), nil
}

func (s *tableStep) Step(tokens []int32, states []State, z *mat.Dense) (*mat.Dense, []State, error) {
	s.calls++
	if r, _ := z.Dims(); r != len(tokens) || len(states) != len(tokens) {
		return nil, nil, errors.New("rows out of step")
	}

	logits := mat.NewDense(len(tokens), s.vocab, nil)
	for r, tok := range tokens {
		probs, ok := s.next[tok]
		if !ok {
			probs = s.fallback
		}
		for v, p := range probs {
			logits.Set(r, v, logit(p))
		}
	}
	return logits, states, nil
}

// forced predicts a after the begin token and </s> after anything else.
func forced() *tableStep {
	return &tableStep{
		vocab:    4,
		next:     map[int32][]float64{bos: {0, 0, 1, 0}},
		fallback: []float64{0, 1, 0, 0},
	}
}

// endless never predicts </s>.
func endless() *tableStep {
	return &tableStep{vocab: 4, fallback: []float64{0, 0, 0, 1}}
}

func codes(batch int) latent.Sample {
	return latent.Sample{mat.NewDense(batch, 2, nil)}
}

func TestDecodeGreedy(t *testing.T) {
	got, err := Decode(context.Background(), forced(), codes(3), Options{BOS: bos, EOS: eos})
	require.NoError(t, err)

	want := [][]int32{{tokA}, {tokA}, {tokA}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeKeepEOS(t *testing.T) {
	got, err := Decode(context.Background(), forced(), codes(2), Options{BOS: bos, EOS: eos, KeepEOS: true})
	require.NoError(t, err)

	want := [][]int32{{tokA, eos}, {tokA, eos}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeWeighted(t *testing.T) {
	opts := Options{BOS: bos, EOS: eos, Sampler: sample.Weighted(rand.New(rand.NewSource(4)))}
	got, err := Decode(context.Background(), forced(), codes(4), opts)
	require.NoError(t, err)

	for i, seq := range got {
		if diff := cmp.Diff([]int32{tokA}, seq); diff != "" {
			t.Errorf("example %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestDecodeStopsEarly(t *testing.T) {
	step := forced()
	_, err := Decode(context.Background(), step, codes(2), Options{BOS: bos, EOS: eos})
	require.NoError(t, err)
	assert.Equal(t, 2, step.calls, "loop should stop once every example has finished")
}

func TestDecodeMaxLength(t *testing.T) {
	got, err := Decode(context.Background(), endless(), codes(2), Options{BOS: bos, EOS: eos, MaxLength: 5})
	require.NoError(t, err)

	want := [][]int32{{tokB, tokB, tokB, tokB}, {tokB, tokB, tokB, tokB}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded mismatch (-want +got):\n%s", diff)
	}

	got, err = Decode(context.Background(), endless(), codes(1), Options{BOS: bos, EOS: eos})
	require.NoError(t, err)
	assert.Len(t, got[0], DefaultMaxLength-1)
}

func TestDecodeErrors(t *testing.T) {
	two := latent.Sample{mat.NewDense(1, 2, nil), mat.NewDense(1, 2, nil)}
	_, err := Decode(context.Background(), forced(), two, Options{})
	assert.ErrorIs(t, err, latent.ErrUnsupported)

	_, err = Decode(context.Background(), forced(), codes(1), Options{MaxLength: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Decode(ctx, forced(), codes(1), Options{BOS: bos, EOS: eos})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTeacherForce(t *testing.T) {
	inputs := [][]int32{{bos, tokA, tokB}, {bos, tokB, tokB}}
	logits, err := TeacherForce(forced(), inputs, codes(2))
	require.NoError(t, err)
	require.Len(t, logits, 3)

	for _, l := range logits {
		r, c := l.Dims()
		assert.Equal(t, []int{2, 4}, []int{r, c})
	}

	// after the begin token every row predicts a, after that </s>
	for i := range 2 {
		assert.Equal(t, int(tokA), floats.MaxIdx(logits[0].RawRowView(i)))
		assert.Equal(t, int(eos), floats.MaxIdx(logits[1].RawRowView(i)))
	}

	_, err = TeacherForce(forced(), [][]int32{{bos, tokA}, {bos}}, codes(2))
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	_, err = TeacherForce(forced(), inputs, codes(3))
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	two := latent.Sample{mat.NewDense(2, 2, nil), mat.NewDense(2, 2, nil)}
	_, err = TeacherForce(forced(), inputs, two)
	assert.ErrorIs(t, err, latent.ErrUnsupported)
}
