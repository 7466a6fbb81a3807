package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrInvalidHostPort = errors.New("invalid port specified in DISENTANGLE_HOST")

const defaultPort = "11480"

var (
	// Set via DISENTANGLE_ORIGINS in the environment
	AllowOrigins []string
	// Set via DISENTANGLE_BEAM_WIDTH in the environment
	BeamWidth int
	// Set via DISENTANGLE_CHECKPOINT in the environment
	Checkpoint string
	// Set via DISENTANGLE_DEBUG in the environment
	Debug bool
	// Set via DISENTANGLE_HOST in the environment
	Host string
	// Set via DISENTANGLE_MAX_LENGTH in the environment
	MaxLength int
	// Set via DISENTANGLE_MAX_STEPS in the environment
	MaxSteps int
	// Set via DISENTANGLE_SEED in the environment, -1 seeds from the clock
	Seed int64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DISENTANGLE_BEAM_WIDTH": {"DISENTANGLE_BEAM_WIDTH", BeamWidth, "Hypotheses kept per example during beam search (default 5)"},
		"DISENTANGLE_CHECKPOINT": {"DISENTANGLE_CHECKPOINT", Checkpoint, "Path to the model checkpoint"},
		"DISENTANGLE_DEBUG":      {"DISENTANGLE_DEBUG", Debug, "Show additional debug information (e.g. DISENTANGLE_DEBUG=1)"},
		"DISENTANGLE_HOST":       {"DISENTANGLE_HOST", Host, "IP Address for the server (default 127.0.0.1:11480)"},
		"DISENTANGLE_MAX_LENGTH": {"DISENTANGLE_MAX_LENGTH", MaxLength, "Length cap for greedy and sampled decoding (default 100)"},
		"DISENTANGLE_MAX_STEPS":  {"DISENTANGLE_MAX_STEPS", MaxSteps, "Expansion budget for beam search (default 20)"},
		"DISENTANGLE_ORIGINS":    {"DISENTANGLE_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"DISENTANGLE_SEED":       {"DISENTANGLE_SEED", Seed, "Random seed for sampling and estimators (default -1, time based)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value, falling back to the config file
func clean(key string) string {
	if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func positive(key string, fallback int) int {
	s := clean(key)
	if s == "" {
		return fallback
	}

	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return fallback
	}
	return v
}

func LoadConfig() {
	Debug = false
	if debug := clean("DISENTANGLE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	BeamWidth = positive("DISENTANGLE_BEAM_WIDTH", 5)
	MaxSteps = positive("DISENTANGLE_MAX_STEPS", 20)
	MaxLength = positive("DISENTANGLE_MAX_LENGTH", 100)

	Seed = -1
	if seed := clean("DISENTANGLE_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "DISENTANGLE_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}

	Checkpoint = clean("DISENTANGLE_CHECKPOINT")
	if home, err := os.UserHomeDir(); err == nil {
		if Checkpoint == "" {
			Checkpoint = filepath.Join(home, ".disentangle", "model.cbor")
		} else if rest, ok := strings.CutPrefix(Checkpoint, "~/"); ok {
			Checkpoint = filepath.Join(home, rest)
		}
	}

	Host = clean("DISENTANGLE_HOST")

	AllowOrigins = nil
	if origins := clean("DISENTANGLE_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

// HostPort returns the address the server listens on, filling in the
// default host and port when DISENTANGLE_HOST omits them.
func HostPort() (string, error) {
	defaultHost := "127.0.0.1"

	s := Host
	if s == "" {
		return net.JoinHostPort(defaultHost, defaultPort), nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, defaultPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.Trim(host, "[]")
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}

	return net.JoinHostPort(host, port), nil
}
