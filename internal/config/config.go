package config

import (
	"docviewer/internal/core/render"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerURL string `env:"DV_SERVER_URL" envDefault:"http://localhost:8080"`
	Username  string `env:"DV_USERNAME"`
	Password  string `env:"DV_PASSWORD"`
	LogLevel  string `env:"DV_LOG_LEVEL" envDefault:"info"`

	// WatermarkText has no default; deployments must choose it.
	WatermarkText string `env:"DV_WATERMARK_TEXT"`

	Engine       string `env:"DV_ENGINE" envDefault:"poppler"`
	PDFInfoPath  string `env:"DV_PDFINFO_PATH" envDefault:"pdfinfo"`
	PDFToPPMPath string `env:"DV_PDFTOPPM_PATH" envDefault:"pdftoppm"`

	// StateDSN is the SQLite database for reading positions and incidents.
	// Empty disables persistence.
	StateDSN string `env:"DV_STATE_DSN" envDefault:"file:docviewer.db"`

	MaxDocumentBytes int64 `env:"DV_MAX_DOCUMENT_BYTES" envDefault:"104857600"`
	HTTPRetries      int   `env:"DV_HTTP_RETRIES" envDefault:"2"`

	ContainerWidth  float64 `env:"DV_CONTAINER_WIDTH" envDefault:"1024"`
	ContainerHeight float64 `env:"DV_CONTAINER_HEIGHT" envDefault:"768"`

	DwellMS           int `env:"DV_DWELL_MS" envDefault:"2000"`
	PollMS            int `env:"DV_POLL_MS" envDefault:"500"`
	DevtoolsThreshold int `env:"DV_DEVTOOLS_THRESHOLD" envDefault:"160"`

	ListenAddr string `env:"DV_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`

	BreakerThreshold  int `env:"DV_BREAKER_THRESHOLD" envDefault:"3"`
	BreakerTimeoutSec int `env:"DV_BREAKER_TIMEOUT_SEC" envDefault:"30"`
}

var engines = map[string]bool{"poppler": true, "image": true}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DV_SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}

	if strings.TrimSpace(c.WatermarkText) == "" {
		return fmt.Errorf("DV_WATERMARK_TEXT is required")
	}

	if !engines[c.Engine] {
		return fmt.Errorf("DV_ENGINE must be one of poppler, image; got %q", c.Engine)
	}

	if !logLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("DV_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	if c.MaxDocumentBytes < 0 {
		return fmt.Errorf("DV_MAX_DOCUMENT_BYTES cannot be negative")
	}

	if c.HTTPRetries < 0 {
		return fmt.Errorf("DV_HTTP_RETRIES cannot be negative")
	}

	if c.ContainerWidth <= 0 || c.ContainerHeight <= 0 ||
		!render.ValidDimension(c.ContainerWidth) || !render.ValidDimension(c.ContainerHeight) {
		return fmt.Errorf("DV_CONTAINER_WIDTH and DV_CONTAINER_HEIGHT must be positive and at most %d", render.MaxContainerDimension)
	}

	if c.DwellMS <= 0 || c.PollMS <= 0 {
		return fmt.Errorf("DV_DWELL_MS and DV_POLL_MS must be positive")
	}

	if c.DevtoolsThreshold <= 0 {
		return fmt.Errorf("DV_DEVTOOLS_THRESHOLD must be positive")
	}

	if c.BreakerThreshold < 1 {
		return fmt.Errorf("DV_BREAKER_THRESHOLD must be at least 1")
	}

	if c.BreakerTimeoutSec < 0 {
		return fmt.Errorf("DV_BREAKER_TIMEOUT_SEC cannot be negative")
	}

	return nil
}

func (c *Config) Dwell() time.Duration { return time.Duration(c.DwellMS) * time.Millisecond }

func (c *Config) PollInterval() time.Duration { return time.Duration(c.PollMS) * time.Millisecond }

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSec) * time.Second
}

// Parse reads .env (if present) and the environment without validating,
// so that flags can still fill in missing values.
func Parse() (*Config, error) {
	_ = godotenv.Load()
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// Load is Parse followed by Validate.
func Load() (*Config, error) {
	c, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

var (
	cfg  *Config
	once sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		var err error
		cfg, err = Load()
		if err != nil {
			log.Fatalf("%v", err)
		}
	})
	return cfg
}

// Flag keys understood by ApplyOverrides.
const (
	KeyServerURL     = "server-url"
	KeyUsername      = "username"
	KeyPassword      = "password"
	KeyLogLevel      = "log-level"
	KeyWatermark     = "watermark"
	KeyEngine        = "engine"
	KeyStateDSN      = "state-dsn"
	KeyListenAddr    = "listen"
	KeyContainerSize = "container"
)

// ApplyOverrides copies every key set in v over the environment values and
// validates the result. The container size is given as WIDTHxHEIGHT.
func ApplyOverrides(c *Config, v *viper.Viper) error {
	strs := map[string]*string{
		KeyServerURL:  &c.ServerURL,
		KeyUsername:   &c.Username,
		KeyPassword:   &c.Password,
		KeyLogLevel:   &c.LogLevel,
		KeyWatermark:  &c.WatermarkText,
		KeyEngine:     &c.Engine,
		KeyStateDSN:   &c.StateDSN,
		KeyListenAddr: &c.ListenAddr,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	if v.IsSet(KeyContainerSize) {
		w, h, err := parseSize(v.GetString(KeyContainerSize))
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", KeyContainerSize, err)
		}
		c.ContainerWidth, c.ContainerHeight = w, h
	}
	return c.Validate()
}

func parseSize(s string) (float64, float64, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not WIDTHxHEIGHT", s)
	}
	w, err := strconv.ParseFloat(ws, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%q is not WIDTHxHEIGHT", s)
	}
	h, err := strconv.ParseFloat(hs, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%q is not WIDTHxHEIGHT", s)
	}
	return w, h, nil
}
