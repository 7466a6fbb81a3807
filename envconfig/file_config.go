package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config is the TOML configuration file. Environment variables take
// precedence over every value here.
type Config struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Model struct {
		Checkpoint string `toml:"checkpoint"`
	} `toml:"model"`

	Decode struct {
		BeamWidth int    `toml:"beam_width"`
		MaxSteps  int    `toml:"max_steps"`
		MaxLength int    `toml:"max_length"`
		Seed      *int64 `toml:"seed"`
	} `toml:"decode"`

	Logging struct {
		Debug bool `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	if p := os.Getenv("DISENTANGLE_CONFIG"); p != "" {
		paths = append(paths, p)
	}

	home, homeErr := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "disentangle", "config.toml"))
		}
		if homeErr == nil {
			paths = append(paths, filepath.Join(home, ".disentangle", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "disentangle", "config.toml"))
		}
		if homeErr == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "disentangle", "config.toml"),
				filepath.Join(home, ".disentangle", "config.toml"),
			)
		}
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// resetConfigFile forgets the loaded file so the next lookup reads it again.
func resetConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// GetConfigValue returns the config file value for an environment variable key
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	count := func(v int) string {
		if v > 0 {
			return fmt.Sprintf("%d", v)
		}
		return ""
	}

	switch key {
	case "DISENTANGLE_HOST":
		return config.Server.Host
	case "DISENTANGLE_ORIGINS":
		return strings.Join(config.Server.Origins, ",")
	case "DISENTANGLE_CHECKPOINT":
		return config.Model.Checkpoint
	case "DISENTANGLE_BEAM_WIDTH":
		return count(config.Decode.BeamWidth)
	case "DISENTANGLE_MAX_STEPS":
		return count(config.Decode.MaxSteps)
	case "DISENTANGLE_MAX_LENGTH":
		return count(config.Decode.MaxLength)
	case "DISENTANGLE_SEED":
		if config.Decode.Seed != nil {
			return fmt.Sprintf("%d", *config.Decode.Seed)
		}
	case "DISENTANGLE_DEBUG":
		if config.Logging.Debug {
			return "true"
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# disentangle configuration file
# Environment variables (DISENTANGLE_*) override every value here.

[server]
# Network binding address (default: "127.0.0.1:11480")
host = "127.0.0.1:11480"
# Allowed CORS origins
origins = ["http://localhost:3000"]

[model]
# Checkpoint written by "disentangle init"
checkpoint = "~/.disentangle/model.cbor"

[decode]
# Hypotheses kept per example during beam search (default: 5)
beam_width = 5
# Beam search expansion budget (default: 20)
max_steps = 20
# Greedy and sampled decoding length cap, begin token included (default: 100)
max_length = 100
# Random seed, -1 seeds from the clock (default: -1)
seed = -1

[logging]
# Enable debug logging (default: false)
debug = false
`
}
