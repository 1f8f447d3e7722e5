package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/voxmod/internal/engine"
	"github.com/satindergrewal/voxmod/internal/params"
)

const (
	BackendSystem = "system"
	BackendMemory = "memory"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration. Values come from defaults, then
// an optional YAML file named by VOXMOD_CONFIG, then environment variables.
type Config struct {
	// Server
	Port int `yaml:"port"`

	// Audio devices: "system" (malgo capture, oto playback) or "memory"
	AudioBackend string  `yaml:"audio_backend"`
	ToneHz       float64 `yaml:"tone_hz"` // memory backend input tone, 0 = silence

	// Engine timing
	RampDuration time.Duration `yaml:"ramp_duration"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`

	// Fixed chain settings
	EchoDelay      time.Duration   `yaml:"echo_delay"`
	ReverbRoomSize float64         `yaml:"reverb_room_size"`
	ReverbDamping  float64         `yaml:"reverb_damping"`
	Ceilings       params.Ceilings `yaml:"ceilings"`

	// Speech synthesis
	TTSProvider string `yaml:"tts_provider"` // openai or elevenlabs
	TTSAPIKey   string `yaml:"tts_api_key"`
	TTSModel    string `yaml:"tts_model"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	eng := engine.DefaultConfig()
	return Config{
		Port:           8080,
		AudioBackend:   BackendSystem,
		RampDuration:   eng.RampDuration,
		StopTimeout:    eng.StopTimeout,
		EchoDelay:      eng.Chain.EchoDelay,
		ReverbRoomSize: eng.Chain.ReverbRoomSize,
		ReverbDamping:  eng.Chain.ReverbDamping,
		Ceilings:       eng.Chain.Ceilings,
		TTSProvider:    "openai",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads configuration with sane defaults. Only a missing or
// unparsable VOXMOD_CONFIG file is an error.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("VOXMOD_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("VOXMOD_PORT", c.Port)
	c.AudioBackend = envStr("VOXMOD_AUDIO_BACKEND", c.AudioBackend)
	c.ToneHz = envFloat("VOXMOD_TONE_HZ", c.ToneHz)
	c.RampDuration = envMillis("VOXMOD_RAMP_MS", c.RampDuration)
	c.StopTimeout = envMillis("VOXMOD_STOP_TIMEOUT_MS", c.StopTimeout)
	c.EchoDelay = envMillis("VOXMOD_ECHO_DELAY_MS", c.EchoDelay)
	c.ReverbRoomSize = envFloat("VOXMOD_REVERB_ROOM_SIZE", c.ReverbRoomSize)
	c.ReverbDamping = envFloat("VOXMOD_REVERB_DAMPING", c.ReverbDamping)
	c.Ceilings.Echo = envFloat("VOXMOD_ECHO_CEILING", c.Ceilings.Echo)
	c.Ceilings.Drive = envFloat("VOXMOD_DRIVE_CEILING", c.Ceilings.Drive)
	c.TTSProvider = envStr("VOXMOD_TTS_PROVIDER", c.TTSProvider)
	c.TTSAPIKey = envStr("VOXMOD_TTS_API_KEY", c.TTSAPIKey)
	c.TTSModel = envStr("VOXMOD_TTS_MODEL", c.TTSModel)
	c.LogLevel = envStr("VOXMOD_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("VOXMOD_LOG_FORMAT", c.LogFormat)
}

// Engine returns the engine settings. Ceilings are normalized so both stay
// strictly below 1.
func (c Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.RampDuration = c.RampDuration
	cfg.StopTimeout = c.StopTimeout
	cfg.Chain.EchoDelay = c.EchoDelay
	cfg.Chain.ReverbRoomSize = c.ReverbRoomSize
	cfg.Chain.ReverbDamping = c.ReverbDamping
	cfg.Chain.Ceilings = c.Ceilings.Normalize()
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
