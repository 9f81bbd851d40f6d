package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

type Config struct {
	Topic       string        `yaml:"topic"`
	Topics      []string      `yaml:"topics"`
	Schedule    string        `yaml:"schedule"`
	Timezone    string        `yaml:"timezone"`
	RunOnStart  bool          `yaml:"run_on_start"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	Deadline    time.Duration `yaml:"deadline"`
	Concurrency int           `yaml:"concurrency"`
	Lease       time.Duration `yaml:"lease"`

	Store        StoreConfig      `yaml:"store"`
	Sources      []SourceConfig   `yaml:"sources"`
	DefaultTrust float64          `yaml:"default_trust"`
	Ingest       IngestConfig     `yaml:"ingest"`
	Summarizer   SummarizerConfig `yaml:"summarizer"`
	Scoring      ScoringConfig    `yaml:"scoring"`
	Dedup        DedupConfig      `yaml:"dedup"`
	Digest       DigestConfig     `yaml:"digest"`
	Retry        RetryConfig      `yaml:"retry"`

	// Publisher is the legacy single-publisher form. Publishers wins when both are set.
	Publisher  PublisherConfig   `yaml:"publisher"`
	Publishers []PublisherConfig `yaml:"publishers"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SourceConfig struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	URL       string            `yaml:"url"`
	Query     string            `yaml:"query"`
	ChannelID string            `yaml:"channel_id"`
	Trust     *float64          `yaml:"trust"`
	MaxItems  int               `yaml:"max_items"`
	Options   map[string]string `yaml:"options"`
}

type IngestConfig struct {
	Lookback         time.Duration `yaml:"lookback"`
	MinContentLength int           `yaml:"min_content_length"`
	CarryOver        time.Duration `yaml:"carry_over"`
	FallbackLength   int           `yaml:"fallback_length"`
}

type SummarizerConfig struct {
	Type          string  `yaml:"type"`
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	MaxTokens     int     `yaml:"max_tokens"`
	MaxLength     int     `yaml:"max_length"`
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

type ScoringConfig struct {
	Weights            WeightsConfig `yaml:"weights"`
	HalfLife           time.Duration `yaml:"half_life"`
	FallbackConfidence float64       `yaml:"fallback_confidence"`
}

type WeightsConfig struct {
	Source     float64 `yaml:"source"`
	Freshness  float64 `yaml:"freshness"`
	Topic      float64 `yaml:"topic"`
	Confidence float64 `yaml:"confidence"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.Source + w.Freshness + w.Topic + w.Confidence
}

type DedupConfig struct {
	Strategy    string        `yaml:"strategy"`
	Threshold   float64       `yaml:"threshold"`
	Window      time.Duration `yaml:"window"`
	ShingleSize int           `yaml:"shingle_size"`
	Dimensions  int           `yaml:"dimensions"`
}

type DigestConfig struct {
	MaxItems  int `yaml:"max_items"`
	PerSource int `yaml:"per_source"`
}

type RetryConfig struct {
	Fetch     PolicyConfig `yaml:"fetch"`
	Summarize PolicyConfig `yaml:"summarize"`
	Deliver   PolicyConfig `yaml:"deliver"`
}

type PolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// Policy converts the YAML form into a retry.Policy.
func (p PolicyConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		Multiplier:  p.Multiplier,
		MaxDelay:    p.MaxDelay,
		Jitter:      p.Jitter,
	}
}

type PublisherConfig struct {
	Type    string        `yaml:"type"`
	Email   EmailConfig   `yaml:"email"`
	Web     WebConfig     `yaml:"web"`
	Discord DiscordConfig `yaml:"discord"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	// Subscribers also sends to the active subscribers in the store.
	Subscribers bool `yaml:"subscribers"`
}

type WebConfig struct {
	Addr string `yaml:"addr"`
	// AllowOrigins enables CORS for the listed origins on the JSON endpoint.
	AllowOrigins []string `yaml:"allow_origins"`
}

// GetTopics returns the configured topic keywords. The list form takes
// precedence over the single legacy topic.
func (c *Config) GetTopics() []string {
	if len(c.Topics) > 0 {
		return c.Topics
	}
	if c.Topic != "" {
		return []string{c.Topic}
	}
	return nil
}

// GetTopicsString returns the topics joined for display.
func (c *Config) GetTopicsString() string {
	return strings.Join(c.GetTopics(), ", ")
}

// GetPublishers returns every configured publisher.
func (c *Config) GetPublishers() []PublisherConfig {
	if len(c.Publishers) > 0 {
		return c.Publishers
	}
	return []PublisherConfig{c.Publisher}
}

// TrustFor returns the configured trust of a source, or the default trust.
func (c *Config) TrustFor(s SourceConfig) float64 {
	if s.Trust != nil {
		return *s.Trust
	}
	return c.DefaultTrust
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func setPolicyDefaults(p *PolicyConfig, base time.Duration, mult float64) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = base
	}
	if p.Multiplier == 0 {
		p.Multiplier = mult
	}
}

func setDefaults(cfg *Config) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 8 * * *"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 30 * time.Minute
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 5
	}
	if cfg.Lease == 0 {
		cfg.Lease = time.Hour
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "daily-digest.db"
	}
	if cfg.DefaultTrust == 0 {
		cfg.DefaultTrust = 0.5
	}
	if cfg.Ingest.Lookback == 0 {
		cfg.Ingest.Lookback = 24 * time.Hour
	}
	if cfg.Ingest.MinContentLength == 0 {
		cfg.Ingest.MinContentLength = 50
	}
	if cfg.Ingest.CarryOver == 0 {
		cfg.Ingest.CarryOver = 72 * time.Hour
	}
	if cfg.Ingest.FallbackLength == 0 {
		cfg.Ingest.FallbackLength = 400
	}
	if cfg.Summarizer.Type == "" {
		cfg.Summarizer.Type = "anthropic"
	}
	if cfg.Summarizer.Model == "" {
		switch cfg.Summarizer.Type {
		case "openai":
			cfg.Summarizer.Model = "gpt-4o-mini"
		default:
			cfg.Summarizer.Model = "claude-sonnet-4-20250514"
		}
	}
	if cfg.Summarizer.MaxTokens == 0 {
		cfg.Summarizer.MaxTokens = 1024
	}
	if cfg.Summarizer.MaxLength == 0 {
		cfg.Summarizer.MaxLength = 1200
	}
	if cfg.Summarizer.RatePerMinute == 0 {
		cfg.Summarizer.RatePerMinute = 50
	}
	if cfg.Summarizer.Burst == 0 {
		cfg.Summarizer.Burst = 1
	}
	if cfg.Scoring.Weights == (WeightsConfig{}) {
		cfg.Scoring.Weights = WeightsConfig{Source: 0.3, Freshness: 0.3, Topic: 0.25, Confidence: 0.15}
	}
	if cfg.Scoring.HalfLife == 0 {
		cfg.Scoring.HalfLife = 24 * time.Hour
	}
	if cfg.Scoring.FallbackConfidence == 0 {
		cfg.Scoring.FallbackConfidence = 0.5
	}
	if cfg.Dedup.Strategy == "" {
		cfg.Dedup.Strategy = "shingle"
	}
	if cfg.Dedup.Threshold == 0 {
		cfg.Dedup.Threshold = 0.85
	}
	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = 48 * time.Hour
	}
	if cfg.Dedup.ShingleSize == 0 {
		cfg.Dedup.ShingleSize = 3
	}
	if cfg.Dedup.Dimensions == 0 {
		cfg.Dedup.Dimensions = 256
	}
	if cfg.Digest.MaxItems == 0 {
		cfg.Digest.MaxItems = 10
	}
	if cfg.Digest.PerSource == 0 {
		cfg.Digest.PerSource = 3
	}
	setPolicyDefaults(&cfg.Retry.Fetch, 1*time.Second, 4)
	setPolicyDefaults(&cfg.Retry.Summarize, 1*time.Second, 4)
	setPolicyDefaults(&cfg.Retry.Deliver, 2*time.Second, 4)

	for i := range cfg.Sources {
		if cfg.Sources[i].MaxItems == 0 {
			cfg.Sources[i].MaxItems = 50
		}
	}

	if len(cfg.Publishers) == 0 && cfg.Publisher.Type == "" {
		cfg.Publisher.Type = "stdout"
	}
	setPublisherDefaults(&cfg.Publisher)
	for i := range cfg.Publishers {
		setPublisherDefaults(&cfg.Publishers[i])
	}
}

func setPublisherDefaults(p *PublisherConfig) {
	if p.Web.Addr == "" {
		p.Web.Addr = ":8080"
	}
	if p.Email.SMTPPort == 0 {
		p.Email.SMTPPort = 587
	}
}

func validate(cfg *Config) error {
	if len(cfg.GetTopics()) == 0 {
		return fmt.Errorf("config: at least one topic is required (set topic or topics)")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be positive, got %d", cfg.Concurrency)
	}
	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported store driver %q (supported: sqlite, postgres)", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required for %s", cfg.Store.Driver)
	}
	if err := validateSources(cfg); err != nil {
		return err
	}
	if cfg.DefaultTrust < 0 || cfg.DefaultTrust > 1 {
		return fmt.Errorf("config: default_trust must be within [0, 1], got %v", cfg.DefaultTrust)
	}
	switch cfg.Summarizer.Type {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unsupported summarizer type %q (supported: anthropic, openai)", cfg.Summarizer.Type)
	}
	if cfg.Summarizer.APIKey == "" {
		return fmt.Errorf("config: summarizer.api_key is required (set ANTHROPIC_API_KEY or OPENAI_API_KEY env var)")
	}
	if cfg.Summarizer.RatePerMinute < 0 {
		return fmt.Errorf("config: summarizer.rate_per_minute must not be negative")
	}
	if err := validateScoring(&cfg.Scoring); err != nil {
		return err
	}
	switch cfg.Dedup.Strategy {
	case "shingle", "cosine":
	default:
		return fmt.Errorf("config: unsupported dedup strategy %q (supported: shingle, cosine)", cfg.Dedup.Strategy)
	}
	if cfg.Dedup.Threshold <= 0 || cfg.Dedup.Threshold > 1 {
		return fmt.Errorf("config: dedup.threshold must be within (0, 1], got %v", cfg.Dedup.Threshold)
	}
	if cfg.Dedup.Window < 0 {
		return fmt.Errorf("config: dedup.window must not be negative")
	}
	if cfg.Digest.MaxItems < 1 || cfg.Digest.PerSource < 1 {
		return fmt.Errorf("config: digest.max_items and digest.per_source must be positive")
	}
	for _, p := range cfg.GetPublishers() {
		if err := validatePublisher(p); err != nil {
			return err
		}
	}
	return nil
}

func validateSources(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for i, s := range cfg.Sources {
		if s.Name == "" {
			return fmt.Errorf("config: sources[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Trust != nil && (*s.Trust < 0 || *s.Trust > 1) {
			return fmt.Errorf("config: source %s: trust must be within [0, 1], got %v", s.Name, *s.Trust)
		}
		switch s.Kind {
		case "rss", "scrape":
			if s.URL == "" {
				return fmt.Errorf("config: source %s: url is required for %s sources", s.Name, s.Kind)
			}
		case "youtube":
			if s.ChannelID == "" && s.URL == "" {
				return fmt.Errorf("config: source %s: channel_id or url is required for youtube sources", s.Name)
			}
		case "arxiv":
			if s.Query == "" {
				return fmt.Errorf("config: source %s: query is required for arxiv sources", s.Name)
			}
		default:
			return fmt.Errorf("config: source %s: unsupported kind %q (supported: rss, youtube, arxiv, scrape)", s.Name, s.Kind)
		}
		if s.Kind == "scrape" && s.Options["item"] == "" {
			return fmt.Errorf("config: source %s: options.item selector is required for scrape sources", s.Name)
		}
	}
	return nil
}

func validateScoring(sc *ScoringConfig) error {
	w := sc.Weights
	if w.Source < 0 || w.Freshness < 0 || w.Topic < 0 || w.Confidence < 0 {
		return fmt.Errorf("config: scoring weights must not be negative")
	}
	if math.Abs(w.Sum()-1) > 1e-9 {
		return fmt.Errorf("config: scoring weights must sum to 1, got %v", w.Sum())
	}
	if sc.HalfLife <= 0 {
		return fmt.Errorf("config: scoring.half_life must be positive")
	}
	if sc.FallbackConfidence < 0 || sc.FallbackConfidence > 1 {
		return fmt.Errorf("config: scoring.fallback_confidence must be within [0, 1]")
	}
	return nil
}

func validatePublisher(p PublisherConfig) error {
	switch p.Type {
	case "stdout", "email", "web", "discord":
	default:
		return fmt.Errorf("config: unsupported publisher type %q (supported: stdout, email, web, discord)", p.Type)
	}
	if p.Type == "discord" {
		if p.Discord.WebhookURL == "" {
			return fmt.Errorf("config: publisher.discord.webhook_url is required for discord publisher")
		}
	}
	if p.Type == "email" {
		if p.Email.SMTPHost == "" {
			return fmt.Errorf("config: publisher.email.smtp_host is required for email publisher")
		}
		if len(p.Email.To) == 0 && !p.Email.Subscribers {
			return fmt.Errorf("config: publisher.email.to is required for email publisher unless subscribers is set")
		}
		if p.Email.From == "" {
			return fmt.Errorf("config: publisher.email.from is required for email publisher")
		}
	}
	return nil
}

// Load reads the config file, expands environment variables, applies defaults,
// and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
