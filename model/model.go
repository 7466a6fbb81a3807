// Package model assembles a runnable encoder, style prior and decoder from
// a checkpoint.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/decode"
	"github.com/jmorganca/disentangle/latent"
	"github.com/jmorganca/disentangle/prior"
	"github.com/jmorganca/disentangle/sample"
)

const (
	MethodBeam   = "beam"
	MethodGreedy = "greedy"
	MethodSample = "sample"
)

type Model struct {
	Config     Config
	Vocabulary *Vocabulary
	Encoder    *Encoder
	Prior      *prior.StylePrior
	Decoder    *RNNDecoder
}

func New(c *Checkpoint) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	vocab, err := NewVocabulary(c.Vocabulary)
	if err != nil {
		return nil, err
	}

	dense := func(ms ...Matrix) ([]*mat.Dense, error) {
		out := make([]*mat.Dense, len(ms))
		for i, m := range ms {
			d, err := m.Dense()
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	}

	w, err := dense(c.Embeddings, c.ContentHead, c.StyleHead, c.PriorIn, c.PriorOut,
		c.DecoderInit, c.DecoderInput, c.DecoderHidden, c.DecoderOutput)
	if err != nil {
		return nil, err
	}

	embed := Embeddings{w[0]}
	encoder, err := NewEncoder(embed, w[1], w[2])
	if err != nil {
		return nil, err
	}

	mlp, err := prior.NewMLP(w[3], w[4])
	if err != nil {
		return nil, err
	}

	decoder, err := NewRNNDecoder(embed, w[5], w[6], w[7], w[8])
	if err != nil {
		return nil, err
	}

	return &Model{
		Config:     c.Config,
		Vocabulary: vocab,
		Encoder:    encoder,
		Prior:      prior.New(mlp),
		Decoder:    decoder,
	}, nil
}

// Tokenize converts whitespace separated texts into id sequences wrapped in
// the begin and end tokens.
func (m *Model) Tokenize(texts []string) ([][]int32, error) {
	inputs := make([][]int32, len(texts))
	for i, text := range texts {
		ids, err := m.Vocabulary.Tokenize(text)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputs[i] = ids
	}
	return inputs, nil
}

type GenerateOptions struct {
	// Method is one of MethodBeam, MethodGreedy or MethodSample. Empty
	// selects beam search.
	Method string

	BeamWidth int
	MaxSteps  int
	MaxLength int

	// Temperature and TopK shape MethodSample only.
	Temperature float64
	TopK        int

	KeepEOS bool

	// Style, when set, replaces the style code of every input with the
	// style encoded from these sequences. A single sequence is shared by
	// the whole batch.
	Style [][]int32
}

type Generation struct {
	Tokens [][]int32

	// Scores and Complete are filled by beam search only.
	Scores   []float64
	Complete []bool
}

func (o GenerateOptions) sampler(rng *rand.Rand) (sample.Sampler, error) {
	switch o.Method {
	case MethodGreedy:
		return sample.Greedy(), nil
	case MethodSample:
		if o.Temperature < 0 || o.TopK < 0 {
			return nil, fmt.Errorf("temperature %v, top k %d: %w", o.Temperature, o.TopK, decode.ErrInvalidOptions)
		}

		var transforms []sample.Transform
		if o.TopK > 0 {
			transforms = append(transforms, sample.TopK(o.TopK))
		}
		if o.Temperature > 0 {
			transforms = append(transforms, sample.Temperature(o.Temperature))
		}
		return sample.Weighted(rng, transforms...), nil
	default:
		return nil, fmt.Errorf("unknown method %q: %w", o.Method, decode.ErrInvalidOptions)
	}
}

func (m *Model) codes(rng *rand.Rand, inputs [][]int32, style [][]int32) (latent.Sample, error) {
	enc, err := m.Encoder.Sample(rng, inputs, 1)
	if err != nil {
		return nil, err
	}

	s := enc.S
	if len(style) > 0 {
		if len(style) != 1 && len(style) != len(inputs) {
			return nil, fmt.Errorf("%d style inputs for %d inputs: %w", len(style), len(inputs), latent.ErrShapeMismatch)
		}

		ref, err := m.Encoder.Sample(rng, style, 1)
		if err != nil {
			return nil, err
		}

		s = ref.S
		if len(style) == 1 {
			_, ns := m.Encoder.Dims()
			shared := mat.NewDense(len(inputs), ns, nil)
			for i := range inputs {
				shared.SetRow(i, ref.S[0].RawRowView(0))
			}
			s = latent.Sample{shared}
		}
	}

	return latent.Concat(enc.C, s)
}

// Generate encodes inputs, samples one content and style code per example
// and decodes them with the selected method.
func (m *Model) Generate(ctx context.Context, rng *rand.Rand, inputs [][]int32, opts GenerateOptions) (*Generation, error) {
	z, err := m.codes(rng, inputs, opts.Style)
	if err != nil {
		return nil, err
	}

	vocab := m.Vocabulary
	if opts.Method == "" || opts.Method == MethodBeam {
		hyps, err := decode.BeamSearch(ctx, m.Decoder, z, decode.BeamOptions{
			BOS:      vocab.BOS,
			EOS:      vocab.EOS,
			Width:    opts.BeamWidth,
			MaxSteps: opts.MaxSteps,
		})
		if err != nil {
			return nil, err
		}

		g := &Generation{
			Tokens:   make([][]int32, len(hyps)),
			Scores:   make([]float64, len(hyps)),
			Complete: make([]bool, len(hyps)),
		}
		for i, h := range hyps {
			tokens := h.Tokens
			if h.Complete && !opts.KeepEOS {
				tokens = tokens[:len(tokens)-1]
			}
			g.Tokens[i], g.Scores[i], g.Complete[i] = tokens, h.LogProb, h.Complete
		}
		slog.Debug("generated", "method", MethodBeam, "batch", len(hyps))
		return g, nil
	}

	sampler, err := opts.sampler(rng)
	if err != nil {
		return nil, err
	}

	tokens, err := decode.Decode(ctx, m.Decoder, z, decode.Options{
		BOS:       vocab.BOS,
		EOS:       vocab.EOS,
		MaxLength: opts.MaxLength,
		Sampler:   sampler,
		KeepEOS:   opts.KeepEOS,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("generated", "method", opts.Method, "batch", len(tokens))
	return &Generation{Tokens: tokens}, nil
}

// Estimate bundles the estimators computed over one batch.
type Estimate struct {
	KL []float64

	ContentMI, StyleMI float64

	ContrastiveMI         float64
	ExpectedLogProb       float64
	DistributionMatchLoss float64

	// Reconstruction is the teacher forced negative log likelihood of every
	// input under its own content and style code.
	Reconstruction []float64
}

// Estimate runs the encoder over inputs with nsamples codes per example and
// evaluates every estimator on the result.
func (m *Model) Estimate(rng *rand.Rand, inputs [][]int32, nsamples int) (*Estimate, error) {
	enc, err := m.Encoder.Encode(rng, inputs, nsamples)
	if err != nil {
		return nil, err
	}

	var e Estimate
	e.KL = enc.KL

	e.ContentMI, e.StyleMI, err = m.Encoder.MutualInformation(rng, inputs)
	if err != nil {
		return nil, err
	}

	e.ContrastiveMI, err = m.Prior.ContrastiveMI(rng, enc.S, enc.C)
	if err != nil {
		return nil, err
	}

	e.ExpectedLogProb, err = m.Prior.ExpectedLogProb(enc.S.Flatten(), enc.C.Flatten())
	if err != nil {
		return nil, err
	}

	e.DistributionMatchLoss, err = m.Prior.DistributionMatchLoss(enc.Style.Mean, enc.Style.LogVar, enc.C[0])
	if err != nil {
		return nil, err
	}

	z, err := latent.Concat(latent.Sample{enc.C[0]}, latent.Sample{enc.S[0]})
	if err != nil {
		return nil, err
	}

	e.Reconstruction, err = m.reconstruction(inputs, z[0])
	if err != nil {
		return nil, err
	}

	return &e, nil
}

func (m *Model) reconstruction(inputs [][]int32, z *mat.Dense) ([]float64, error) {
	_, nz := z.Dims()

	nll := make([]float64, len(inputs))
	for i, seq := range inputs {
		if len(seq) < 2 {
			return nil, fmt.Errorf("input %d has %d tokens, need at least 2: %w", i, len(seq), latent.ErrShapeMismatch)
		}

		code := mat.NewDense(1, nz, nil)
		code.SetRow(0, z.RawRowView(i))

		logits, err := decode.TeacherForce(m.Decoder, [][]int32{seq[:len(seq)-1]}, latent.Sample{code})
		if err != nil {
			return nil, err
		}

		for t, l := range logits {
			nll[i] -= sample.LogSoftmax(l.RawRowView(0))[seq[t+1]]
		}
	}
	return nll, nil
}
