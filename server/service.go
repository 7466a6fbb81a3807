package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"github.com/jmorganca/disentangle/api"
	"github.com/jmorganca/disentangle/envconfig"
	"github.com/jmorganca/disentangle/metrics"
	"github.com/jmorganca/disentangle/model"
)

var errNoInputs = errors.New("inputs are required")

// Service answers decode and estimate requests over one loaded model.
// Requests without a seed share a random source guarded by mu.
type Service struct {
	model *model.Model

	mu  sync.Mutex
	rng *rand.Rand
}

func NewService(m *model.Model, seed int64) *Service {
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{model: m, rng: rand.New(rand.NewSource(uint64(seed)))}
}

// random returns a private source for seeded requests or the shared one
// with its lock held. release must be called when the request is done.
func (s *Service) random(seed *int64) (rng *rand.Rand, release func()) {
	if seed != nil {
		return rand.New(rand.NewSource(uint64(*seed))), func() {}
	}

	s.mu.Lock()
	return s.rng, s.mu.Unlock
}

func (s *Service) Decode(ctx context.Context, req api.DecodeRequest) (*api.DecodeResponse, error) {
	if len(req.Inputs) == 0 {
		return nil, errNoInputs
	}

	start := time.Now()
	inputs, err := s.model.Tokenize(req.Inputs)
	if err != nil {
		return nil, err
	}

	opts := model.GenerateOptions{
		Method:      req.Method,
		BeamWidth:   cmp.Or(req.BeamWidth, envconfig.BeamWidth),
		MaxSteps:    cmp.Or(req.MaxSteps, envconfig.MaxSteps),
		MaxLength:   cmp.Or(req.MaxLength, envconfig.MaxLength),
		Temperature: req.Temperature,
		TopK:        req.TopK,
		KeepEOS:     req.KeepEOS,
	}

	if len(req.Style) > 0 {
		if opts.Style, err = s.model.Tokenize(req.Style); err != nil {
			return nil, fmt.Errorf("style: %w", err)
		}
	}

	rng, release := s.random(req.Seed)
	defer release()

	g, err := s.model.Generate(ctx, rng, inputs, opts)
	if err != nil {
		return nil, err
	}

	vocab := s.model.Vocabulary
	resp := api.DecodeResponse{
		Outputs:  make([]string, len(g.Tokens)),
		Tokens:   make([][]string, len(g.Tokens)),
		Scores:   g.Scores,
		Complete: g.Complete,
	}
	for i, ids := range g.Tokens {
		resp.Outputs[i] = vocab.Detokenize(ids)
		resp.Tokens[i] = vocab.DecodeAll(ids)
	}
	resp.TotalDuration = time.Since(start)

	method := cmp.Or(req.Method, model.MethodBeam)
	metrics.Decoded(method, len(g.Tokens))
	for _, complete := range g.Complete {
		if !complete {
			metrics.Truncated(1)
		}
	}

	slog.Debug("decode", "method", method, "batch", len(inputs), "duration", resp.TotalDuration)
	return &resp, nil
}

func (s *Service) Estimate(req api.EstimateRequest) (*api.EstimateResponse, error) {
	if len(req.Inputs) == 0 {
		return nil, errNoInputs
	}

	start := time.Now()
	inputs, err := s.model.Tokenize(req.Inputs)
	if err != nil {
		return nil, err
	}

	rng, release := s.random(req.Seed)
	defer release()

	e, err := s.model.Estimate(rng, inputs, cmp.Or(req.Samples, 1))
	if err != nil {
		return nil, err
	}

	resp := api.EstimateResponse{
		KL:                    e.KL,
		Reconstruction:        e.Reconstruction,
		ContentMI:             e.ContentMI,
		StyleMI:               e.StyleMI,
		ContrastiveMI:         e.ContrastiveMI,
		ExpectedLogProb:       e.ExpectedLogProb,
		DistributionMatchLoss: e.DistributionMatchLoss,
		TotalDuration:         time.Since(start),
	}

	slog.Debug("estimate", "batch", len(inputs), "duration", resp.TotalDuration)
	return &resp, nil
}
