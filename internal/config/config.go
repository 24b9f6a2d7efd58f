// Package config loads service settings from defaults, an optional TOML file
// and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Biometric  BiometricConfig  `toml:"biometric"`
	Detector   DetectorConfig   `toml:"detector"`
	Enrollment EnrollmentConfig `toml:"enrollment"`
	Redis      RedisConfig      `toml:"redis"`
	Database   DatabaseConfig   `toml:"database"`
	Auth       AuthConfig       `toml:"auth"`
	Log        LogConfig        `toml:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `toml:"listen_addr" default:":8080"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" default:"15s"`
}

// BiometricConfig points at the remote recognition server.
type BiometricConfig struct {
	BaseURL     string        `toml:"base_url" default:"https://150.158.130.111:5000"`
	TrustAnchor string        `toml:"trust_anchor" default:"assets/server.crt"`
	Timeout     time.Duration `toml:"timeout" default:"10s"`
}

type DetectorConfig struct {
	Addr                       string  `toml:"addr" default:"hand-landmarker:50051"`
	MaxHands                   int     `toml:"max_hands" default:"1"`
	MinHandDetectionConfidence float64 `toml:"min_hand_detection_confidence" default:"0.5"`
	MinHandPresenceConfidence  float64 `toml:"min_hand_presence_confidence" default:"0.5"`
	MinTrackingConfidence      float64 `toml:"min_tracking_confidence" default:"0.5"`
	Delegate                   string  `toml:"delegate" default:"CPU"`
	InputMirrored              bool    `toml:"input_mirrored"`
	Padding                    float64 `toml:"padding" default:"0.1"`
	ROIMaxSide                 int     `toml:"roi_max_side"`
}

// EnrollmentConfig sizes the capture buffers. Sessions untouched for
// IdleTimeout are closed; zero keeps them until they are ended.
type EnrollmentConfig struct {
	Capacity    int           `toml:"capacity" default:"2"`
	IdleTimeout time.Duration `toml:"idle_timeout" default:"10m"`
}

type RedisConfig struct {
	Addr string `toml:"addr" default:"redis:6379"`
}

type DatabaseConfig struct {
	DSN string `toml:"dsn" default:"host=postgres user=postgres password=postgres dbname=palmid port=5432 sslmode=disable"`
}

type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret" default:"dev-secret"`
	JWTAudience string `toml:"jwt_audience"`
}

type LogConfig struct {
	Level string `toml:"level" default:"info"`
	File  string `toml:"file"`
}

// Load builds a Config. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Biometric.BaseURL = getEnv("PALM_SERVER_URL", c.Biometric.BaseURL)
	c.Biometric.TrustAnchor = getEnv("PALM_TRUST_ANCHOR", c.Biometric.TrustAnchor)
	c.Detector.Addr = getEnv("DETECTOR_ADDR", c.Detector.Addr)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Enrollment.Capacity < 1 {
		errs = append(errs, fmt.Errorf("enrollment.capacity must be at least 1, got %d", c.Enrollment.Capacity))
	}
	if c.Enrollment.IdleTimeout < 0 {
		errs = append(errs, errors.New("enrollment.idle_timeout must not be negative"))
	}
	if strings.TrimSpace(c.Biometric.BaseURL) == "" {
		errs = append(errs, errors.New("biometric.base_url must not be empty"))
	}
	if c.Biometric.Timeout <= 0 {
		errs = append(errs, errors.New("biometric.timeout must be positive"))
	}
	if c.Detector.MaxHands < 1 || c.Detector.MaxHands > 2 {
		errs = append(errs, fmt.Errorf("detector.max_hands must be 1 or 2, got %d", c.Detector.MaxHands))
	}
	for name, v := range map[string]float64{
		"detector.min_hand_detection_confidence": c.Detector.MinHandDetectionConfidence,
		"detector.min_hand_presence_confidence":  c.Detector.MinHandPresenceConfidence,
		"detector.min_tracking_confidence":       c.Detector.MinTrackingConfidence,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if c.Detector.Padding < 0 {
		errs = append(errs, errors.New("detector.padding must not be negative"))
	}
	switch strings.ToUpper(c.Detector.Delegate) {
	case "CPU", "GPU":
	default:
		errs = append(errs, fmt.Errorf("detector.delegate must be CPU or GPU, got %q", c.Detector.Delegate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
