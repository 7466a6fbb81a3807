package latent

import (
	"golang.org/x/exp/rand"
)

// Forwarder maps a batch of token sequences to content and style posteriors.
type Forwarder interface {
	Forward(inputs [][]int32) (content, style Distribution, err error)
}

// Encoder is the capability set every encoder variant exposes.
type Encoder interface {
	Forwarder
	Sample(rng *rand.Rand, inputs [][]int32, nsamples int) (Encoding, error)
	Encode(rng *rand.Rand, inputs [][]int32, nsamples int) (Encoding, error)
	MutualInformation(rng *rand.Rand, inputs [][]int32) (content, style float64, err error)
}

// Encoding is the result of running an encoder over a batch.
type Encoding struct {
	Content, Style Distribution
	C, S           Sample

	// KL is the per-example combined divergence. Only Encode fills it.
	KL []float64
}

// SampleFrom runs f and draws nsamples content and style codes.
func SampleFrom(rng *rand.Rand, f Forwarder, inputs [][]int32, nsamples int) (Encoding, error) {
	content, style, err := f.Forward(inputs)
	if err != nil {
		return Encoding{}, err
	}

	c, err := Reparameterize(rng, content, nsamples)
	if err != nil {
		return Encoding{}, err
	}

	s, err := Reparameterize(rng, style, nsamples)
	if err != nil {
		return Encoding{}, err
	}

	return Encoding{Content: content, Style: style, C: c, S: s}, nil
}

// EncodeWith is SampleFrom plus the combined KL term.
func EncodeWith(rng *rand.Rand, f Forwarder, inputs [][]int32, nsamples int) (Encoding, error) {
	e, err := SampleFrom(rng, f, inputs, nsamples)
	if err != nil {
		return Encoding{}, err
	}

	e.KL, err = CombinedKL(e.Content, e.Style)
	if err != nil {
		return Encoding{}, err
	}

	return e, nil
}

// MutualInformationOf estimates I(x; c) and I(x; s) separately.
func MutualInformationOf(rng *rand.Rand, f Forwarder, inputs [][]int32) (content, style float64, err error) {
	cd, sd, err := f.Forward(inputs)
	if err != nil {
		return 0, 0, err
	}

	content, err = MutualInformation(rng, cd)
	if err != nil {
		return 0, 0, err
	}

	style, err = MutualInformation(rng, sd)
	if err != nil {
		return 0, 0, err
	}

	return content, style, nil
}
