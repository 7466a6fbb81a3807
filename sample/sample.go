package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Transform interface {
	Apply([]float64) ([]float64, error)
}

// Sampler picks a token id from a row of vocabulary logits.
type Sampler interface {
	Sample([]float64) (int32, error)
}

// Softmax returns normalised probabilities, subtracting the max logit first
// so large logits do not overflow.
func Softmax(logits []float64) []float64 {
	probs := make([]float64, len(logits))
	maxLogit := slices.Max(logits)
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// LogSoftmax returns log probabilities computed as logit - logsumexp.
func LogSoftmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 {
		return nil, errors.New("temperature must be greater than 0, use Greedy instead")
	}
	if t == 1 {
		return logits, nil
	}

	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / float64(t)
	}
	return logits, nil
}

type candidate struct {
	index int
	logit float64
}

// TopK masks every logit outside the k largest with -Inf.
type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("k must be greater than 0")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	q := pq.NewWith(func(a, b candidate) int {
		return -cmp.Compare(a.logit, b.logit)
	})
	for i, logit := range logits {
		q.Enqueue(candidate{index: i, logit: logit})
	}

	keep := make(map[int]struct{}, int(k))
	for range int(k) {
		c, _ := q.Dequeue()
		keep[c.index] = struct{}{}
	}

	for i := range logits {
		if _, ok := keep[i]; !ok {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

func apply(logits []float64, transforms []Transform) ([]float64, error) {
	out := slices.Clone(logits)
	var err error
	for _, t := range transforms {
		out, err = t.Apply(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type greedy struct {
	transforms []Transform
}

// Greedy returns the arg-max of the transformed logits.
func Greedy(transforms ...Transform) Sampler {
	return greedy{transforms: transforms}
}

func (s greedy) Sample(logits []float64) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	logits, err := apply(logits, s.transforms)
	if err != nil {
		return -1, err
	}
	return int32(floats.MaxIdx(logits)), nil
}

type weighted struct {
	rng        *rand.Rand
	transforms []Transform
}

// Weighted draws a token in proportion to its softmax probability. A nil
// rng falls back to the package-level source.
func Weighted(rng *rand.Rand, transforms ...Transform) Sampler {
	return weighted{rng: rng, transforms: transforms}
}

func (s weighted) Sample(logits []float64) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	logits, err := apply(logits, s.transforms)
	if err != nil {
		return -1, err
	}

	valid := make([]float64, 0, len(logits))
	indices := make([]int, 0, len(logits))
	for i, logit := range logits {
		if !math.IsInf(logit, -1) {
			valid = append(valid, logit)
			indices = append(indices, i)
		}
	}

	if len(valid) == 0 {
		return -1, errors.New("sample: no valid logits found for weighted sampling")
	}

	probs := Softmax(valid)
	if math.IsNaN(floats.Sum(probs)) {
		return -1, errors.New("sample: logits sum to NaN, check model output")
	}

	var src rand.Source
	if s.rng != nil {
		src = s.rng
	}

	w := sampleuv.NewWeighted(probs, src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}
	return -1, errors.New("sample: weighted sampler failed, no valid token found")
}
