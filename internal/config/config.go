package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "3s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the agent configuration. Values load in three layers: defaults,
// then the YAML file, then environment overrides.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Feed         FeedConfig         `yaml:"feed"`
	NATS         NATSConfig         `yaml:"nats"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Redis        RedisConfig        `yaml:"redis"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Status       StatusConfig       `yaml:"status"`
	Matches      []MatchConfig      `yaml:"matches"`
}

// APIConfig points at the match service HTTP API.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// FeedConfig selects the state transport.
type FeedConfig struct {
	Transport    string   `yaml:"transport"` // "nats", "websocket" or "poll"
	PollInterval Duration `yaml:"poll_interval"`
	UseMirror    bool     `yaml:"use_mirror"` // poll the Redis mirror instead of the API
}

// NATSConfig configures the JetStream transport.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Stream   string `yaml:"stream"`
	Consumer string `yaml:"consumer"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	BaseURL string `yaml:"base_url"` // ws:// or wss://; the per-match path is appended
}

// RedisConfig points at the state mirror.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// CoordinationConfig tunes the timing knobs of the coordination layers.
// Zero values select each layer's default.
type CoordinationConfig struct {
	WatchInterval    Duration `yaml:"watch_interval"`
	SettleDelay      Duration `yaml:"settle_delay"`
	SettlePause      Duration `yaml:"settle_pause"`
	FallbackGrace    Duration `yaml:"fallback_grace"`
	FallbackCooldown Duration `yaml:"fallback_cooldown"`
	GuardStaleAfter  Duration `yaml:"guard_stale_after"`
	MaxAttempts      int      `yaml:"max_attempts"`
	RetryBaseDelay   Duration `yaml:"retry_base_delay"`
	ServerFallback   bool     `yaml:"server_fallback"`
}

// StatusConfig configures the local status HTTP server. An empty address
// disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// MatchConfig names one match the agent coordinates.
type MatchConfig struct {
	ID       string `yaml:"id"`
	Players  int    `yaml:"players"`
	BotSeats []int  `yaml:"bot_seats"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration(30 * time.Second),
		},
		Feed: FeedConfig{
			Transport:    "poll",
			PollInterval: Duration(2 * time.Second),
		},
		NATS: NATSConfig{
			URL:      "nats://localhost:4222",
			Stream:   "MATCH_EVENTS",
			Consumer: "lebdeal-agent",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Coordination: CoordinationConfig{
			ServerFallback: true,
		},
		Status: StatusConfig{
			Addr: ":8090",
		},
	}
}

// Load reads the YAML file at path (skipped when empty) on top of the
// defaults, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = getEnv("LEBDEAL_API_URL", c.API.BaseURL)
	c.API.Token = getEnv("LEBDEAL_API_TOKEN", c.API.Token)
	c.Feed.Transport = getEnv("LEBDEAL_FEED_TRANSPORT", c.Feed.Transport)
	c.NATS.URL = getEnv("LEBDEAL_NATS_URL", c.NATS.URL)
	c.WebSocket.BaseURL = getEnv("LEBDEAL_WS_URL", c.WebSocket.BaseURL)
	c.Redis.Addr = getEnv("LEBDEAL_REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvAsInt("LEBDEAL_REDIS_DB", c.Redis.DB)
	c.Status.Addr = getEnv("LEBDEAL_STATUS_ADDR", c.Status.Addr)

	// A match can be injected entirely from the environment, which is how
	// one-shot agent containers are pointed at a table.
	if id := os.Getenv("LEBDEAL_MATCH_ID"); id != "" {
		m := MatchConfig{ID: id, Players: getEnvAsInt("LEBDEAL_MATCH_PLAYERS", 4)}
		if seats := os.Getenv("LEBDEAL_BOT_SEATS"); seats != "" {
			for _, s := range strings.Split(seats, ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					m.BotSeats = append(m.BotSeats, n)
				}
			}
		}
		c.Matches = append(c.Matches, m)
	}
}

// Validate checks the parts a typo would otherwise surface only at runtime.
func (c *Config) Validate() error {
	switch c.Feed.Transport {
	case "nats", "poll":
	case "websocket":
		if c.WebSocket.BaseURL == "" {
			return fmt.Errorf("websocket transport needs websocket.base_url")
		}
	default:
		return fmt.Errorf("unknown feed transport %q", c.Feed.Transport)
	}

	for i, m := range c.Matches {
		if _, err := uuid.Parse(m.ID); err != nil {
			return fmt.Errorf("matches[%d]: invalid match id %q: %w", i, m.ID, err)
		}
		players := m.Players
		if players == 0 {
			players = 4
		}
		if players < 2 {
			return fmt.Errorf("matches[%d]: needs at least 2 players", i)
		}
		for _, seat := range m.BotSeats {
			if seat < 0 || seat >= players {
				return fmt.Errorf("matches[%d]: bot seat %d out of range", i, seat)
			}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
