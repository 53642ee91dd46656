package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Behavior BehaviorConfig `yaml:"behavior"`
	Context  ContextConfig  `yaml:"context"`
	Threat   ThreatConfig   `yaml:"threat"`
	Adaptive AdaptiveConfig `yaml:"adaptive"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type BehaviorConfig struct {
	SamplingIntervalSec int `yaml:"sampling_interval_sec"`
	// Minimum days of observations before a user baseline is committed.
	BaselineWindowDays int `yaml:"baseline_window_days"`
	ModelSeed          int `yaml:"model_seed"`
}

// ContextWeights blends the four context sub-scores into the overall score.
// Must sum to 1.0; validated at load.
type ContextWeights struct {
	Device   float64 `yaml:"device"`
	Network  float64 `yaml:"network"`
	Time     float64 `yaml:"time"`
	Location float64 `yaml:"location"`
}

// DeviceWeights is the device-health weighted sum. Must sum to 1.0.
type DeviceWeights struct {
	OSPatch    float64 `yaml:"os_patch"`
	Antivirus  float64 `yaml:"antivirus"`
	Encryption float64 `yaml:"encryption"`
	Known      float64 `yaml:"known"`
	Compliance float64 `yaml:"compliance"`
}

type ContextConfig struct {
	Weights       ContextWeights `yaml:"weights"`
	DeviceWeights DeviceWeights  `yaml:"device_weights"`
	// StepUpThreshold is deliberately a named configuration value: the source
	// documentation states the trigger at both <50 and <60 in different
	// places, so neither is hardcoded.
	StepUpThreshold float64 `yaml:"stepup_threshold"`
	// ImpossibleSpeedKmh flags location changes faster than this as
	// impossible travel.
	ImpossibleSpeedKmh float64 `yaml:"impossible_speed_kmh"`
}

type ThreatConfig struct {
	WindowMinutes         int     `yaml:"window_minutes"`
	BruteForceAttempts    int     `yaml:"brute_force_attempts"`
	CoordinatedIdentities int     `yaml:"coordinated_identities"`
	CoordinatedAttempts   int     `yaml:"coordinated_attempts"`
	EmitConfidence        float64 `yaml:"emit_confidence"`
	AlertConfidence       float64 `yaml:"alert_confidence"`
}

type AdaptiveConfig struct {
	ReconcileIntervalSec int     `yaml:"reconcile_interval_sec"`
	MinOutcomes          int     `yaml:"min_outcomes"`
	LowerBound           float64 `yaml:"lower_bound"`
	UpperBound           float64 `yaml:"upper_bound"`
	PenaltyFactor        float64 `yaml:"penalty_factor"`
	ConfidenceStep       float64 `yaml:"confidence_step"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Load reads the yaml config, applies defaults for zero values, and validates
// the weight invariants.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied, for tests and for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Behavior.SamplingIntervalSec == 0 {
		c.Behavior.SamplingIntervalSec = 30
	}
	if c.Behavior.BaselineWindowDays == 0 {
		c.Behavior.BaselineWindowDays = 14
	}
	if c.Behavior.ModelSeed == 0 {
		c.Behavior.ModelSeed = 1042
	}
	w := &c.Context.Weights
	if w.Device == 0 && w.Network == 0 && w.Time == 0 && w.Location == 0 {
		*w = ContextWeights{Device: 0.30, Network: 0.25, Time: 0.20, Location: 0.25}
	}
	dw := &c.Context.DeviceWeights
	if dw.OSPatch == 0 && dw.Antivirus == 0 && dw.Encryption == 0 && dw.Known == 0 && dw.Compliance == 0 {
		*dw = DeviceWeights{OSPatch: 0.30, Antivirus: 0.25, Encryption: 0.20, Known: 0.15, Compliance: 0.10}
	}
	if c.Context.StepUpThreshold == 0 {
		c.Context.StepUpThreshold = 50
	}
	if c.Context.ImpossibleSpeedKmh == 0 {
		c.Context.ImpossibleSpeedKmh = 500
	}
	if c.Threat.WindowMinutes == 0 {
		c.Threat.WindowMinutes = 60
	}
	if c.Threat.BruteForceAttempts == 0 {
		c.Threat.BruteForceAttempts = 10
	}
	if c.Threat.CoordinatedIdentities == 0 {
		c.Threat.CoordinatedIdentities = 3
	}
	if c.Threat.CoordinatedAttempts == 0 {
		c.Threat.CoordinatedAttempts = 10
	}
	if c.Threat.EmitConfidence == 0 {
		c.Threat.EmitConfidence = 0.70
	}
	if c.Threat.AlertConfidence == 0 {
		c.Threat.AlertConfidence = 0.80
	}
	if c.Adaptive.ReconcileIntervalSec == 0 {
		c.Adaptive.ReconcileIntervalSec = 300
	}
	if c.Adaptive.MinOutcomes == 0 {
		c.Adaptive.MinOutcomes = 20
	}
	if c.Adaptive.LowerBound == 0 {
		c.Adaptive.LowerBound = 0.60
	}
	if c.Adaptive.UpperBound == 0 {
		c.Adaptive.UpperBound = 0.95
	}
	if c.Adaptive.PenaltyFactor == 0 {
		c.Adaptive.PenaltyFactor = 1.5
	}
	if c.Adaptive.ConfidenceStep == 0 {
		c.Adaptive.ConfidenceStep = 5
	}
}

// Validate enforces the documented weight invariants.
func (c *Config) Validate() error {
	const eps = 1e-9
	w := c.Context.Weights
	if sum := w.Device + w.Network + w.Time + w.Location; diff(sum, 1.0) > eps {
		return fmt.Errorf("context weights must sum to 1.0, got %.4f", sum)
	}
	dw := c.Context.DeviceWeights
	if sum := dw.OSPatch + dw.Antivirus + dw.Encryption + dw.Known + dw.Compliance; diff(sum, 1.0) > eps {
		return fmt.Errorf("device health weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
