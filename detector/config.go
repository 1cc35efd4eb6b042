package detector

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath      string   `toml:"db_path"`
	Interval    Duration `toml:"interval"`
	IgnoreTime  Duration `toml:"ignore_time"`
	RunOnStart  bool     `toml:"run_on_start"`
	MaxEPS      int      `toml:"max_eps"`
	MetricsAddr string   `toml:"metrics_addr"`
	LogLevel    string   `toml:"log_level"`
	WorkDir     string   `toml:"work_dir"`

	Inventory InventoryConfig `toml:"inventory"`
	Alerts    AlertsConfig    `toml:"alerts"`
	Feeds     []FeedConfig    `toml:"feeds"`
	Rewriters []Rewriter      `toml:"rewriters"`
}

type InventoryConfig struct {
	Socket string `toml:"socket"`
}

type AlertsConfig struct {
	Output string `toml:"output"`
	Queue  string `toml:"queue"`
}

// FeedConfig enables one feed. Allow lists the OS name and version pairs a
// single provider feed also serves; Translation maps OS releases onto the
// feed of another one for multi provider feeds.
type FeedConfig struct {
	Type           string              `toml:"type"`
	Version        string              `toml:"version"`
	URL            string              `toml:"url"`
	Path           string              `toml:"path"`
	Interval       Duration            `toml:"interval"`
	UpdateFromYear int                 `toml:"update_from_year"`
	Allow          []AllowConfig       `toml:"allow"`
	Translation    []TranslationConfig `toml:"translation"`
}

type AllowConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

type TranslationConfig struct {
	SrcName    string `toml:"src_name"`
	SrcVersion string `toml:"src_version"`
	DstName    string `toml:"dst_name"`
	DstVersion string `toml:"dst_version"`
}

type Rewriter struct {
	Field       string
	Predicate   string
	RewriteRule string `toml:"rewrite_rule"`
}

// Once is the interval of feeds that are only imported a single time.
const Once Duration = -1

// Duration accepts Go durations, a number followed by d or w, and "once".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "once" {
		*d = Once
		return nil
	}

	if n, unit := s[:max(len(s)-1, 0)], s[max(len(s)-1, 0):]; unit == "d" || unit == "w" {
		days, err := strconv.Atoi(n)
		if err != nil {
			return fmt.Errorf("invalid duration '%s': %w", s, err)
		}
		if unit == "w" {
			days *= 7
		}
		*d = Duration(time.Duration(days) * 24 * time.Hour)
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	if d == Once {
		return []byte("once"), nil
	}
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) IsOnce() bool {
	return d == Once
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) Or(fallback time.Duration) Duration {
	if d == 0 {
		return Duration(fallback)
	}
	return d
}

// Level maps log_level onto a slog level. Unknown levels select info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func ParseConfig(config io.Reader) (c Config, err error) {
	tomlData, err := io.ReadAll(config)
	if err != nil {
		return c, fmt.Errorf("could not read config file: %w", err)
	}
	_, err = toml.Decode(string(tomlData), &c)
	if err != nil {
		return c, fmt.Errorf("could not decode toml: %w", err)
	}
	return c, nil
}

func ParseConfigFromFile(path string) (c Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}
