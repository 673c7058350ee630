package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaos-io/bgstudio/codec"
)

// Backend names for rembg.backend.
const (
	BackendNone   = "none"
	BackendRemote = "remote"
	BackendONNX   = "onnx"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
	Pipeline Pipeline `yaml:"pipeline"`
	RemBG    RemBG    `yaml:"rembg"`
}

type Server struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Pipeline struct {
	BlurRadius     float64       `yaml:"blur_radius"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	SegmentTimeout time.Duration `yaml:"segment_timeout"`
	MaxSide        int           `yaml:"max_side"`
	// MaxPixels caps width*height declared by an upload, 0 disables it.
	MaxPixels int `yaml:"max_pixels"`
}

type RemBG struct {
	Backend     string `yaml:"backend"`
	URL         string `yaml:"url"`
	Model       string `yaml:"model"`
	ONNXModel   string `yaml:"onnx_model"`
	ONNXLibrary string `yaml:"onnx_library"`
	ONNXThreads int    `yaml:"onnx_threads"`
	// HealthSpec is a cron spec for probing the backend, empty disables it.
	HealthSpec string `yaml:"health_spec"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":8000",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   90 * time.Second,
			MaxUploadBytes: 20 << 20,
			CORSOrigins:    []string{"*"},
		},
		Log: Log{Level: "info"},
		Pipeline: Pipeline{
			BlurRadius:     15,
			JPEGQuality:    95,
			SegmentTimeout: 30 * time.Second,
			MaxPixels:      codec.DefaultMaxPixels,
		},
		RemBG: RemBG{
			Backend:    BackendNone,
			HealthSpec: "@every 30s",
		},
	}
}

// Load reads a YAML file over the defaults, then applies STUDIO_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("STUDIO_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := lookup("STUDIO_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("STUDIO_REMBG_BACKEND"); ok {
		c.RemBG.Backend = v
	}
	if v, ok := lookup("STUDIO_REMBG_URL"); ok {
		c.RemBG.URL = v
		if _, set := lookup("STUDIO_REMBG_BACKEND"); !set {
			c.RemBG.Backend = BackendRemote
		}
	}
	if v, ok := lookup("STUDIO_ONNX_MODEL"); ok {
		c.RemBG.ONNXModel = v
		if _, set := lookup("STUDIO_REMBG_BACKEND"); !set {
			c.RemBG.Backend = BackendONNX
		}
	}
	if v, ok := lookup("STUDIO_ONNX_LIB"); ok {
		c.RemBG.ONNXLibrary = v
	}
	if v, ok := lookup("STUDIO_BLUR_RADIUS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: STUDIO_BLUR_RADIUS: %w", err)
		}
		c.Pipeline.BlurRadius = f
	}
	if v, ok := lookup("STUDIO_SEGMENT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: STUDIO_SEGMENT_TIMEOUT: %w", err)
		}
		c.Pipeline.SegmentTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Pipeline.BlurRadius < 0 {
		errs = append(errs, errors.New("pipeline.blur_radius must be >= 0"))
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		errs = append(errs, errors.New("pipeline.jpeg_quality must be between 1 and 100"))
	}
	if c.Pipeline.MaxPixels < 0 {
		errs = append(errs, errors.New("pipeline.max_pixels must be >= 0"))
	}
	if c.Pipeline.SegmentTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.segment_timeout must be positive"))
	}
	switch c.RemBG.Backend {
	case BackendNone:
	case BackendRemote:
		if c.RemBG.URL == "" {
			errs = append(errs, errors.New("rembg.url is required for the remote backend"))
		}
	case BackendONNX:
		if c.RemBG.ONNXModel == "" {
			errs = append(errs, errors.New("rembg.onnx_model is required for the onnx backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rembg.backend %q is not one of none, remote, onnx", c.RemBG.Backend))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
