package decode

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
	"github.com/jmorganca/disentangle/logutil"
	"github.com/jmorganca/disentangle/sample"
)

type BeamOptions struct {
	BOS, EOS int32

	// Width is the number of hypotheses kept per example (K).
	Width int

	// MaxSteps bounds the number of expansions.
	MaxSteps int

	// Observer, when set, is called after every expansion with the step
	// number and the sizes of the live and completed sets.
	Observer func(t, live, completed int)
}

func (o BeamOptions) validate() error {
	if o.Width < 1 {
		return fmt.Errorf("decode: beam width %d: %w", o.Width, ErrInvalidOptions)
	}
	if o.MaxSteps < 1 {
		return fmt.Errorf("decode: max steps %d: %w", o.MaxSteps, ErrInvalidOptions)
	}
	return nil
}

// Hypothesis is a decoded sequence. Tokens excludes the begin token; Length
// counts it.
type Hypothesis struct {
	Tokens  []int32
	LogProb float64
	Length  int

	// Complete is false when the step budget ran out before EOS.
	Complete bool
}

// Score is the length-normalised log probability. Ranking uses the raw
// cumulative LogProb instead.
func (h Hypothesis) Score() float64 {
	return h.LogProb / (float64(h.Length-1) + 1e-6)
}

// node is an arena entry; parent indexes the same arena, -1 for the root.
type node struct {
	state  State
	parent int
	token  int32
	logp   float64
	length int
}

type expansion struct {
	live  int
	token int32
	logp  float64
}

// BeamSearch returns the best hypothesis for every row of the flattened
// codes. Pass latent.Concat(c, s) to condition on content and style.
func BeamSearch(ctx context.Context, step Step, z latent.Sample, opts BeamOptions) ([]Hypothesis, error) {
	all, err := BeamSearchAll(ctx, step, z, opts)
	if err != nil {
		return nil, err
	}

	best := make([]Hypothesis, len(all))
	for i, hyps := range all {
		best[i] = hyps[0]
	}
	return best, nil
}

// BeamSearchAll returns every final hypothesis per example, ranked by
// cumulative log probability.
func BeamSearchAll(ctx context.Context, step Step, z latent.Sample, opts BeamOptions) ([][]Hypothesis, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if n, _, _ := z.Shape(); n == 0 {
		return nil, fmt.Errorf("decode: no codes: %w", latent.ErrShapeMismatch)
	}
	if v := step.VocabSize(); v < 1 {
		return nil, fmt.Errorf("decode: vocabulary size %d: %w", v, ErrInvalidOptions)
	}

	codes := z.Flatten()
	rows, nz := codes.Dims()

	out := make([][]Hypothesis, rows)
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		code := mat.NewDense(1, nz, nil)
		code.SetRow(0, codes.RawRowView(i))

		hyps, err := search(ctx, step, code, opts)
		if err != nil {
			return nil, fmt.Errorf("decode: example %d: %w", i, err)
		}
		out[i] = hyps
	}
	return out, nil
}

func search(ctx context.Context, step Step, code *mat.Dense, opts BeamOptions) ([]Hypothesis, error) {
	roots, err := step.Init(code)
	if err != nil {
		return nil, err
	}

	arena := []node{{state: roots[0], parent: -1, token: opts.BOS, length: 1}}
	live := []int{0}
	var completed []int

	_, nz := code.Dims()
	for t := 1; len(completed) < opts.Width && len(live) > 0 && t <= opts.MaxSteps; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tokens := make([]int32, len(live))
		states := make([]State, len(live))
		zs := mat.NewDense(len(live), nz, nil)
		for r, idx := range live {
			tokens[r] = arena[idx].token
			states[r] = arena[idx].state
			zs.SetRow(r, code.RawRowView(0))
		}

		logits, next, err := step.Step(tokens, states, zs)
		if err != nil {
			return nil, err
		}

		q := pq.NewWith(func(a, b expansion) int {
			return -cmp.Compare(a.logp, b.logp)
		})
		for r, idx := range live {
			logp := sample.LogSoftmax(logits.RawRowView(r))
			for v, lp := range logp {
				q.Enqueue(expansion{live: r, token: int32(v), logp: arena[idx].logp + lp})
			}
		}

		var nextLive []int
		for range opts.Width - len(completed) {
			e, ok := q.Dequeue()
			if !ok {
				break
			}

			parent := live[e.live]
			arena = append(arena, node{
				state:  next[e.live],
				parent: parent,
				token:  e.token,
				logp:   e.logp,
				length: arena[parent].length + 1,
			})

			if e.token == opts.EOS {
				completed = append(completed, len(arena)-1)
			} else {
				nextLive = append(nextLive, len(arena)-1)
			}
		}
		live = nextLive

		logutil.Trace("beam step", "t", t, "live", len(live), "completed", len(completed))
		if opts.Observer != nil {
			opts.Observer(t, len(live), len(completed))
		}
	}

	hyps := make([]Hypothesis, 0, len(completed)+len(live))
	for _, idx := range completed {
		hyps = append(hyps, path(arena, idx, true))
	}
	for _, idx := range live {
		hyps = append(hyps, path(arena, idx, false))
	}

	slices.SortStableFunc(hyps, func(a, b Hypothesis) int {
		return cmp.Compare(b.LogProb, a.LogProb)
	})

	slog.Debug("beam search finished", "completed", len(completed), "truncated", len(live), "nodes", len(arena))
	return hyps, nil
}

// path walks parent indices from idx back to the root and returns the
// tokens in generation order, root excluded.
func path(arena []node, idx int, complete bool) Hypothesis {
	n := arena[idx]
	h := Hypothesis{LogProb: n.logp, Length: n.length, Complete: complete}
	for ; arena[idx].parent >= 0; idx = arena[idx].parent {
		h.Tokens = append(h.Tokens, arena[idx].token)
	}
	slices.Reverse(h.Tokens)
	return h
}
