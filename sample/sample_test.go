package sample

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/exp/rand"
)

func TestWeighted(t *testing.T) {
	idx, err := Weighted(nil).Sample([]float64{math.Inf(-1), 2, math.Inf(-1), math.Inf(-1)})
	if err != nil {
		t.Error(err)
		return
	}
	want := int32(1)
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	idx, err = Weighted(nil).Sample([]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)})
	if err == nil {
		t.Error("expected error for no valid tokens, got index", idx)
	}

	a, err := Weighted(rand.New(rand.NewSource(42))).Sample([]float64{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Weighted(rand.New(rand.NewSource(42))).Sample([]float64{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("seeded samples differ: %d != %d", a, b)
	}
}

func TestWeightedDistribution(t *testing.T) {
	s := Weighted(rand.New(rand.NewSource(3)))
	counts := make([]int, 2)
	logits := []float64{0, math.Log(3)}
	for range 4000 {
		idx, err := s.Sample(logits)
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}

	// expect a 1:3 split
	if frac := float64(counts[1]) / 4000; math.Abs(frac-0.75) > 0.03 {
		t.Errorf("expected ~0.75 of draws on token 1, got %v", frac)
	}
}

func TestGreedy(t *testing.T) {
	input := []float64{1, 2, 3, 4}

	var callOrder []int
	mock1 := &testTransform{id: 1, callOrder: &callOrder}
	mock2 := &testTransform{id: 2, callOrder: &callOrder}

	got, err := Greedy(mock1, mock2).Sample(input)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(int32(3), got); diff != "" {
		t.Errorf("sampled index mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4}, input); diff != "" {
		t.Errorf("input logits modified (-want +got):\n%s", diff)
	}

	errMock := &testTransform{returnErr: fmt.Errorf("mock error")}
	if _, err := Greedy(mock1, errMock).Sample(input); err == nil {
		t.Error("expected error from sampler")
	}

	if _, err := Greedy().Sample(nil); err == nil {
		t.Error("expected error for empty logits")
	}
}

func TestTopK(t *testing.T) {
	got, err := TopK(2).Apply([]float64{0.1, 0.9, 0.5, 0.3})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{math.Inf(-1), 0.9, 0.5, math.Inf(-1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := TopK(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for k=0")
	}

	got, err = TopK(10).Apply([]float64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}
}

func TestTemperature(t *testing.T) {
	got, err := Temperature(0.5).Apply([]float64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-4, -2, 0}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := Temperature(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for zero temperature")
	}
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{1000, 1000})
	if diff := cmp.Diff([]float64{0.5, 0.5}, probs); diff != "" {
		t.Errorf("probs mismatch (-want +got):\n%s", diff)
	}

	logp := LogSoftmax([]float64{0, 0, 0, 0})
	for _, v := range logp {
		if math.Abs(v-math.Log(0.25)) > 1e-12 {
			t.Errorf("expected log(1/4), got %v", v)
		}
	}
}

type testTransform struct {
	id        int
	callOrder *[]int
	returnErr error
}

func (ts *testTransform) Apply(logits []float64) ([]float64, error) {
	if ts.callOrder != nil {
		*ts.callOrder = append(*ts.callOrder, ts.id)
	}
	if ts.returnErr != nil {
		return nil, ts.returnErr
	}
	return logits, nil
}

func BenchmarkSample(b *testing.B) {
	transforms := []Transform{
		Temperature(0.5),
		TopK(10),
	}

	samplers := map[string]Sampler{
		"Greedy":   Greedy(transforms...),
		"Weighted": Weighted(nil, transforms...),
	}

	logits := make([]float64, 1<<12)
	for i := range logits {
		logits[i] = rand.Float64()
	}

	for name, s := range samplers {
		b.Run(name, func(b *testing.B) {
			b.ResetTimer()
			for range b.N {
				if _, err := s.Sample(logits); err != nil {
					b.Error(err)
				}
			}
		})
	}
}
