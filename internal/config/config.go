// Package config loads the lbed daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Interface is the cellular network interface whose counters are sampled.
	Interface string `yaml:"interface"`

	// ModemAgentURL is the websocket endpoint of the modem agent.
	ModemAgentURL string `yaml:"modem_agent_url"`

	// CarrierTable is the YAML carrier defaults file. Empty means built-in.
	CarrierTable string `yaml:"carrier_table"`

	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// APIKey, when set, is required as a bearer token on every API request.
	// The LBED_API_KEY environment variable overrides it.
	APIKey string `yaml:"api_key"`

	// REMB enables the WebRTC REMB consumer helper.
	REMB REMBConfig `yaml:"remb"`

	Estimator EstimatorConfig `yaml:"estimator"`
}

// REMBConfig configures REMB feedback derived from the downlink estimate.
type REMBConfig struct {
	Interval          time.Duration `yaml:"interval"`
	DecreaseThreshold float64       `yaml:"decrease_threshold"`
	SenderSSRC        uint32        `yaml:"sender_ssrc"`
}

// EstimatorConfig mirrors lbe.Config.
type EstimatorConfig struct {
	TickInterval              time.Duration `yaml:"tick_interval"`
	MinSampleWindow           time.Duration `yaml:"min_sample_window"`
	TrafficHighKbps           float64       `yaml:"traffic_high_kbps"`
	AccumulatedBytesThreshold int64         `yaml:"accumulated_bytes_threshold"`

	MinPollInterval       time.Duration `yaml:"min_poll_interval"`
	MaxActivityWindow     time.Duration `yaml:"max_activity_window"`
	MinSampleBytes        int64         `yaml:"min_sample_bytes"`
	MaxRateToDefaultRatio float64       `yaml:"max_rate_to_default_ratio"`
	PollTimeout           time.Duration `yaml:"poll_timeout"`

	CountThreshold  int     `yaml:"count_threshold"`
	MaxTrackedCells int     `yaml:"max_tracked_cells"`
	MinBlendWeight  float64 `yaml:"min_blend_weight"`
	OutlierRatio    float64 `yaml:"outlier_ratio"`

	ChangeThresholdPercent float64 `yaml:"change_threshold_percent"`
}

// LBE converts the configuration for the estimator.
func (c EstimatorConfig) LBE() lbe.Config {
	return lbe.Config{
		Sampler: lbe.SamplerConfig{
			TickInterval:              c.TickInterval,
			MinSampleWindow:           c.MinSampleWindow,
			TrafficHighKbps:           c.TrafficHighKbps,
			AccumulatedBytesThreshold: c.AccumulatedBytesThreshold,
		},
		Poller: lbe.PollerConfig{
			MinPollInterval:       c.MinPollInterval,
			MaxActivityWindow:     c.MaxActivityWindow,
			MinSampleBytes:        c.MinSampleBytes,
			MaxRateToDefaultRatio: c.MaxRateToDefaultRatio,
			PollTimeout:           c.PollTimeout,
		},
		Stats: lbe.StatsConfig{
			CountThreshold:  c.CountThreshold,
			MaxTrackedCells: c.MaxTrackedCells,
			MinBlendWeight:  c.MinBlendWeight,
			OutlierRatio:    c.OutlierRatio,
		},
		Publisher: lbe.PublisherConfig{
			ChangeThresholdPercent: c.ChangeThresholdPercent,
		},
	}
}

func fromLBE(c lbe.Config) EstimatorConfig {
	return EstimatorConfig{
		TickInterval:              c.Sampler.TickInterval,
		MinSampleWindow:           c.Sampler.MinSampleWindow,
		TrafficHighKbps:           c.Sampler.TrafficHighKbps,
		AccumulatedBytesThreshold: c.Sampler.AccumulatedBytesThreshold,
		MinPollInterval:           c.Poller.MinPollInterval,
		MaxActivityWindow:         c.Poller.MaxActivityWindow,
		MinSampleBytes:            c.Poller.MinSampleBytes,
		MaxRateToDefaultRatio:     c.Poller.MaxRateToDefaultRatio,
		PollTimeout:               c.Poller.PollTimeout,
		CountThreshold:            c.Stats.CountThreshold,
		MaxTrackedCells:           c.Stats.MaxTrackedCells,
		MinBlendWeight:            c.Stats.MinBlendWeight,
		OutlierRatio:              c.Stats.OutlierRatio,
		ChangeThresholdPercent:    c.Publisher.ChangeThresholdPercent,
	}
}

// DefaultPollTimeout abandons activity polls the modem agent never answered,
// e.g. requests dropped while the agent was disconnected.
const DefaultPollTimeout = 10 * time.Second

// APIKeyEnv overrides Config.APIKey.
const APIKeyEnv = "LBED_API_KEY"

// Default returns the configuration used when no file exists.
func Default() *Config {
	est := lbe.DefaultConfig()
	est.Poller.PollTimeout = DefaultPollTimeout
	return &Config{
		LogLevel:      "info",
		Interface:     "rmnet_data0",
		ModemAgentURL: "ws://127.0.0.1:9400/activity",
		APIAddr:       ":8080",
		MetricsAddr:   ":9090",
		REMB: REMBConfig{
			Interval:          time.Second,
			DecreaseThreshold: 0.03,
		},
		Estimator: fromLBE(est),
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level returns the zap level for LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var err error
	if _, lerr := c.Level(); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lerr))
	}
	if c.Interface == "" {
		err = multierr.Append(err, errors.New("interface must be set"))
	}
	if c.APIAddr == "" {
		err = multierr.Append(err, errors.New("api_addr must be set"))
	}
	if c.REMB.Interval < 0 {
		err = multierr.Append(err, fmt.Errorf("remb.interval must not be negative, got %v", c.REMB.Interval))
	}
	if c.REMB.DecreaseThreshold < 0 || c.REMB.DecreaseThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("remb.decrease_threshold must be in [0, 1], got %v", c.REMB.DecreaseThreshold))
	}
	err = multierr.Append(err, c.Estimator.LBE().Validate())
	return err
}
