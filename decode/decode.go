// Package decode generates token sequences from latent codes, either with a
// batched autoregressive loop or a per-example beam search.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
	"github.com/jmorganca/disentangle/logutil"
	"github.com/jmorganca/disentangle/sample"
)

// DefaultMaxLength caps the autoregressive loop, counting the begin token.
const DefaultMaxLength = 100

var ErrInvalidOptions = errors.New("invalid decode options")

// State is an opaque recurrent state owned by a Step implementation. Beam
// search shares a state between sibling hypotheses, so implementations must
// never modify a state after returning it.
type State any

// Step is the decoder primitive: one token per row in, vocabulary logits and
// the next recurrent state per row out.
type Step interface {
	VocabSize() int
	// Init returns the initial state for every row of z.
	Init(z *mat.Dense) ([]State, error)
	// Step returns [rows, vocab] logits. z has one row per token.
	Step(tokens []int32, states []State, z *mat.Dense) (*mat.Dense, []State, error)
}

type Options struct {
	BOS, EOS int32

	// MaxLength defaults to DefaultMaxLength.
	MaxLength int

	// Sampler defaults to sample.Greedy().
	Sampler sample.Sampler

	// KeepEOS appends the end-of-sequence token to a finished sequence.
	KeepEOS bool
}

type sequence struct {
	active  bool
	emitted []int32
}

// Decode runs the autoregressive loop for a single-sample batch of codes.
// Every example starts at BOS; once an example emits EOS it stops
// collecting tokens. The loop ends when no example is active or MaxLength
// is reached, in which case unfinished sequences are returned truncated.
func Decode(ctx context.Context, step Step, z latent.Sample, opts Options) ([][]int32, error) {
	n, batch, _ := z.Shape()
	if n != 1 {
		return nil, fmt.Errorf("decode: %d samples per example: %w", n, latent.ErrUnsupported)
	}

	if opts.MaxLength == 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.MaxLength < 1 {
		return nil, fmt.Errorf("decode: max length %d: %w", opts.MaxLength, ErrInvalidOptions)
	}
	if opts.Sampler == nil {
		opts.Sampler = sample.Greedy()
	}

	code := z[0]
	states, err := step.Init(code)
	if err != nil {
		return nil, err
	}

	seqs := make([]sequence, batch)
	tokens := make([]int32, batch)
	for i := range seqs {
		seqs[i].active = true
		tokens[i] = opts.BOS
	}

	remaining := batch
	length := 1
	for ; remaining > 0 && length < opts.MaxLength; length++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var logits *mat.Dense
		logits, states, err = step.Step(tokens, states, code)
		if err != nil {
			return nil, err
		}

		for i := range seqs {
			id, err := opts.Sampler.Sample(logits.RawRowView(i))
			if err != nil {
				return nil, fmt.Errorf("decode: example %d: %w", i, err)
			}
			tokens[i] = id

			if !seqs[i].active {
				continue
			}

			if id == opts.EOS {
				seqs[i].active = false
				remaining--
				if !opts.KeepEOS {
					continue
				}
			}
			seqs[i].emitted = append(seqs[i].emitted, id)
		}

		logutil.Trace("decode step", "length", length, "active", remaining)
	}

	slog.Debug("decode finished", "batch", batch, "length", length, "truncated", remaining)

	out := make([][]int32, batch)
	for i, s := range seqs {
		out[i] = s.emitted
	}
	return out, nil
}

// Logits is a [seq_len, batch, vocab] tensor, one batch matrix per step.
type Logits []*mat.Dense

// TeacherForce feeds the given batch-major token sequences through step and
// returns the raw logits at every position for an external loss.
func TeacherForce(step Step, inputs [][]int32, z latent.Sample) (Logits, error) {
	n, batch, _ := z.Shape()
	if n != 1 {
		return nil, fmt.Errorf("decode: %d samples per example: %w", n, latent.ErrUnsupported)
	}
	if len(inputs) != batch {
		return nil, fmt.Errorf("decode: %d sequences for %d codes: %w", len(inputs), batch, latent.ErrShapeMismatch)
	}

	seqLen := len(inputs[0])
	for i, seq := range inputs {
		if len(seq) != seqLen {
			return nil, fmt.Errorf("decode: sequence %d has length %d, want %d: %w", i, len(seq), seqLen, latent.ErrShapeMismatch)
		}
	}

	code := z[0]
	states, err := step.Init(code)
	if err != nil {
		return nil, err
	}

	out := make(Logits, seqLen)
	tokens := make([]int32, batch)
	for t := range seqLen {
		for i := range inputs {
			tokens[i] = inputs[i][t]
		}

		out[t], states, err = step.Step(tokens, states, code)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
