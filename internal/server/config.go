package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/readlog"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
)

// Config holds all race control configuration.
type Config struct {
	mu sync.RWMutex

	// Card reader
	Reader ReaderConfig `yaml:"reader" json:"reader"`

	// Race-wide settings
	Race RaceConfig `yaml:"race" json:"race"`

	// Persistence
	Store StoreConfig `yaml:"store" json:"store"`

	// Readout journal
	Readlog readlog.Config `yaml:"readlog" json:"readlog"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ReaderConfig struct {
	Type     string `yaml:"type" json:"type"`          // "station" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"` // 0 = negotiate
	PollMs   int    `yaml:"poll_ms" json:"pollMs"`     // delay between card polls
}

type RaceConfig struct {
	Name string `yaml:"name" json:"name"`
	// Start is the first possible start of the race day, "HH:MM:SS".
	// Older cards record bare 12-hour times; the start anchors them.
	Start string `yaml:"start" json:"start"`
	Day   int    `yaml:"day" json:"day"`   // day of week, 0 = Sunday
	Week  int    `yaml:"week" json:"week"` // 0..3
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Reader: ReaderConfig{
			Type:     "demo",
			PortPath: "/dev/ttyUSB0",
			BaudRate: 0,
			PollMs:   200,
		},
		Race: RaceConfig{
			Name:  "Training",
			Start: "09:00:00",
			Day:   0,
			Week:  0,
		},
		Store: StoreConfig{
			Path: "race.db",
		},
		Readlog: readlog.Config{
			Enabled: true,
			Path:    "readouts",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// RaceStart parses the race day anchor into a punch-clock time.
func (c *Config) RaceStart() (si.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	parts := strings.Split(c.Race.Start, ":")
	if len(parts) != 3 {
		return si.Time{}, fmt.Errorf("race start %q: want HH:MM:SS", c.Race.Start)
	}
	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return si.Time{}, fmt.Errorf("race start %q: bad component %q", c.Race.Start, p)
		}
		hms[i] = n
	}
	if hms[0] > 23 || hms[1] > 59 || hms[2] > 59 {
		return si.Time{}, fmt.Errorf("race start %q: out of range", c.Race.Start)
	}
	return si.Time{
		SecondOfDay: hms[0]*3600 + hms[1]*60 + hms[2],
		DayOfWeek:   c.Race.Day,
		Week:        c.Race.Week,
	}, nil
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: READER_TYPE, READER_PORT, READER_BAUD, READER_POLL_MS,
// RACE_START, DB_PATH, LISTEN_ADDR, READLOG_ENABLED, READLOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("READER_TYPE"); v != "" {
		c.Reader.Type = v
	}
	if v := os.Getenv("READER_PORT"); v != "" {
		c.Reader.PortPath = v
	}
	if v := os.Getenv("READER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reader.BaudRate = n
		}
	}
	if v := os.Getenv("READER_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reader.PollMs = n
		}
	}
	if v := os.Getenv("RACE_START"); v != "" {
		c.Race.Start = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("READLOG_ENABLED"); v != "" {
		c.Readlog.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("READLOG_PATH"); v != "" {
		c.Readlog.Path = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, database path).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
