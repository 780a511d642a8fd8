package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a normalized,
// validated [Config]. References of the form ${VAR} or $VAR are expanded
// from the environment before decoding; undefined variables expand to the
// empty string.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))
	cfg, err := LoadFromReader(strings.NewReader(expanded))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], then
// normalizes and validates the result. Useful in tests where configs are
// constructed from string literals. Unknown YAML keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. Soft issues that the
// broker can run with are logged instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}

	if !cfg.ASR.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("asr.engine %q is invalid; valid values: mock, whisper", cfg.ASR.Engine))
	}
	if cfg.ASR.Engine == ASRWhisper && cfg.ASR.ModelPath == "" {
		errs = append(errs, errors.New("asr.model_path is required when asr.engine is whisper"))
	}

	if !cfg.VAD.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("vad.engine %q is invalid; valid values: energy, mock", cfg.VAD.Engine))
	}
	if cfg.VAD.Engine == VADEnergy && cfg.VAD.EnergyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %v must be positive", cfg.VAD.EnergyThreshold))
	}

	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}

	if mode := cfg.Interrupt.PostTokenMode; mode != PostTokenAlways && mode != PostTokenConditional && !mode.Off() {
		slog.Warn("unrecognised interrupt.post_token_mode behaves as conditional",
			"mode", string(mode),
		)
	}

	return errors.Join(errs...)
}
