package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Routing RoutingConfig
	Session SessionConfig
	Jobs    JobsConfig
}

type ServerConfig struct {
	Port      int    `envconfig:"PORT"`
	AuthToken string `envconfig:"AUTH_TOKEN"`
}

type OllamaConfig struct {
	BaseURL    string `envconfig:"BASE_URL"`
	JudgeModel string `envconfig:"JUDGE_MODEL"`
	EmbedModel string `envconfig:"EMBED_MODEL"`
}

type StorageConfig struct {
	DataDir string `envconfig:"DATA_DIR"`
}

type RoutingConfig struct {
	TopK             int     `envconfig:"TOP_K"`
	HighThreshold    float64 `envconfig:"HIGH_THRESHOLD"`
	BlendWeight      float64 `envconfig:"BLEND_WEIGHT"`
	RecentEvents     int     `envconfig:"RECENT_EVENTS"`
	RefreshThreshold int     `envconfig:"REFRESH_THRESHOLD"`
}

type SessionConfig struct {
	Timeout time.Duration `envconfig:"TIMEOUT"`
}

type JobsConfig struct {
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
	StuckTimeout time.Duration `envconfig:"STUCK_TIMEOUT"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			JudgeModel: "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Routing: RoutingConfig{
			TopK:             3,
			HighThreshold:    0.70,
			BlendWeight:      0.5,
			RecentEvents:     5,
			RefreshThreshold: 10,
		},
		Session: SessionConfig{
			Timeout: 600 * time.Second,
		},
		Jobs: JobsConfig{
			PollInterval: 2 * time.Second,
			StuckTimeout: 30 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults overlaid with LOOM_*
// environment variables (LOOM_SERVER_PORT, LOOM_OLLAMA_BASE_URL, ...).
func Load() (Config, error) {
	cfg := defaults()

	if err := envconfig.Process("LOOM_SERVER", &cfg.Server); err != nil {
		return Config{}, fmt.Errorf("reading server config: %w", err)
	}
	if err := envconfig.Process("LOOM_OLLAMA", &cfg.Ollama); err != nil {
		return Config{}, fmt.Errorf("reading ollama config: %w", err)
	}
	if err := envconfig.Process("LOOM_STORAGE", &cfg.Storage); err != nil {
		return Config{}, fmt.Errorf("reading storage config: %w", err)
	}
	if err := envconfig.Process("LOOM_ROUTING", &cfg.Routing); err != nil {
		return Config{}, fmt.Errorf("reading routing config: %w", err)
	}
	if err := envconfig.Process("LOOM_SESSION", &cfg.Session); err != nil {
		return Config{}, fmt.Errorf("reading session config: %w", err)
	}
	if err := envconfig.Process("LOOM_JOBS", &cfg.Jobs); err != nil {
		return Config{}, fmt.Errorf("reading jobs config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Routing.HighThreshold <= 0 || c.Routing.HighThreshold > 1 {
		return fmt.Errorf("routing high threshold %g must be in (0, 1]", c.Routing.HighThreshold)
	}
	if c.Routing.BlendWeight < 0 || c.Routing.BlendWeight > 1 {
		return fmt.Errorf("routing blend weight %g must be in [0, 1]", c.Routing.BlendWeight)
	}
	if c.Routing.TopK < 1 {
		return fmt.Errorf("routing top-k %d must be at least 1", c.Routing.TopK)
	}
	return nil
}

// SessionDir is where per-pair session files live.
func (c Config) SessionDir() string {
	return filepath.Join(c.Storage.DataDir, "sessions")
}

// PIDFile is where the daemon records its process id.
func (c Config) PIDFile() string {
	return filepath.Join(c.Storage.DataDir, "loom.pid")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}
