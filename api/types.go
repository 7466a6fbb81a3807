package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the disentangle server logs for details"
	}
}

// DecodeRequest reconstructs or restyles the given whitespace tokenised
// inputs. Zero values fall back to the server's configured defaults.
type DecodeRequest struct {
	Inputs []string `json:"inputs"`

	// Style replaces the style code of every input. Either one entry shared
	// by every input or one per input.
	Style []string `json:"style,omitempty"`

	// Method is "beam" (default), "greedy" or "sample".
	Method string `json:"method,omitempty"`

	BeamWidth   int     `json:"beam_width,omitempty"`
	MaxSteps    int     `json:"max_steps,omitempty"`
	MaxLength   int     `json:"max_length,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	KeepEOS     bool    `json:"keep_eos,omitempty"`

	Seed *int64 `json:"seed,omitempty"`
}

type DecodeResponse struct {
	Outputs []string   `json:"outputs"`
	Tokens  [][]string `json:"tokens"`

	// Scores and Complete are set for beam search only.
	Scores   []float64 `json:"scores,omitempty"`
	Complete []bool    `json:"complete,omitempty"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

type EstimateRequest struct {
	Inputs []string `json:"inputs"`

	// Samples is the number of codes drawn per input, default 1.
	Samples int `json:"samples,omitempty"`

	Seed *int64 `json:"seed,omitempty"`
}

type EstimateResponse struct {
	KL             []float64 `json:"kl"`
	Reconstruction []float64 `json:"reconstruction"`

	ContentMI             float64 `json:"content_mi"`
	StyleMI               float64 `json:"style_mi"`
	ContrastiveMI         float64 `json:"contrastive_mi"`
	ExpectedLogProb       float64 `json:"expected_log_prob"`
	DistributionMatchLoss float64 `json:"distribution_match_loss"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
