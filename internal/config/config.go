// Package config provides the configuration schema and loader for the
// voxgate broker.
package config

import (
	"strings"
	"time"
)

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ASREngine selects the speech recognizer implementation.
type ASREngine string

const (
	// ASRMock is the scripted recognizer used in tests and protocol demos.
	ASRMock ASREngine = "mock"

	// ASRWhisper runs a local whisper.cpp model.
	ASRWhisper ASREngine = "whisper"
)

// IsValid reports whether e is a recognised ASR engine.
func (e ASREngine) IsValid() bool {
	return e == ASRMock || e == ASRWhisper
}

// VADEngine selects the speech boundary detector implementation.
type VADEngine string

const (
	VADEnergy VADEngine = "energy"
	VADMock   VADEngine = "mock"
)

// IsValid reports whether e is a recognised VAD engine.
func (e VADEngine) IsValid() bool {
	return e == VADEnergy || e == VADMock
}

// PostTokenMode controls interruption once reply tokens are flowing.
// Any value outside the recognised set behaves like "conditional".
type PostTokenMode string

const (
	PostTokenAlways      PostTokenMode = "always"
	PostTokenConditional PostTokenMode = "conditional"
)

// Off reports whether m disables post-token interruption entirely.
func (m PostTokenMode) Off() bool {
	switch m {
	case "off", "none", "never", "0":
		return true
	}
	return false
}

// Config is the root configuration for the voxgate broker, loaded from YAML
// with [Load] or [LoadFromReader]. Out-of-range numeric values are clamped by
// [Config.Normalize] rather than rejected, so a running broker always has a
// sane parameter set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	ASR       ASRConfig       `yaml:"asr"`
	VAD       VADConfig       `yaml:"vad"`
	Submit    SubmitConfig    `yaml:"submit"`
	Merge     MergeConfig     `yaml:"merge"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Backend   BackendConfig   `yaml:"backend"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the broker listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig fixes the ingest format and segmentation windows.
type AudioConfig struct {
	// SampleRate of the client PCM stream in Hz.
	SampleRate int `yaml:"sample_rate"`

	// VADChunkMS is the detector step size. Clamped to at least 50.
	VADChunkMS int `yaml:"vad_chunk_ms"`

	// MaxSegmentMS caps one speech segment. Clamped to at least 1000.
	MaxSegmentMS int `yaml:"max_segment_ms"`

	// PreRollMS of audio kept before a detected onset. Clamped to at least 0.
	PreRollMS int `yaml:"pre_roll_ms"`
}

// VADChunkSamples is the detector step in samples, never less than one.
func (a AudioConfig) VADChunkSamples() int {
	return max(1, a.SampleRate*a.VADChunkMS/1000)
}

// MaxSegmentSamples is the segment cap in samples, never less than one.
func (a AudioConfig) MaxSegmentSamples() int {
	return max(1, a.SampleRate*a.MaxSegmentMS/1000)
}

// PreRollSamples is the onset pre-roll in samples.
func (a AudioConfig) PreRollSamples() int {
	return max(0, a.SampleRate*a.PreRollMS/1000)
}

// ASRConfig selects and tunes the recognizer.
type ASRConfig struct {
	Engine ASREngine `yaml:"engine"`

	// ModelPath locates the whisper ggml model file.
	ModelPath string `yaml:"model_path"`

	// Language hint passed to the recognizer ("auto" detects per segment).
	Language string `yaml:"language"`

	// UseITN enables inverse text normalization where the engine supports it.
	UseITN bool `yaml:"use_itn"`

	// StrictModel makes engine construction failures fatal at startup.
	// When false the broker starts anyway and refuses sessions with a
	// "model not ready" warning.
	StrictModel bool `yaml:"strict_model"`
}

// VADConfig selects and tunes the boundary detector.
type VADConfig struct {
	Engine VADEngine `yaml:"engine"`

	// EnergyThreshold is the RMS level that counts as speech (energy engine).
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// HangMS is how long energy must stay below threshold before a segment
	// end is emitted (energy engine).
	HangMS int `yaml:"hang_ms"`
}

// SubmitConfig gates which recognized utterances reach the backend.
type SubmitConfig struct {
	// MinTextChars is the minimum utterance length in runes; keep-short
	// confirmations bypass it. Clamped to at least 1.
	MinTextChars int `yaml:"min_text_chars"`

	// RequireSpeech drops utterances whose audio event is not "Speech".
	RequireSpeech bool `yaml:"require_speech"`

	// MinIntervalMS is the minimum spacing between admitted utterances.
	// Clamped to at least 0; 0 disables the check.
	MinIntervalMS int `yaml:"min_interval_ms"`

	// FilterFiller drops utterances classified as hesitation noise.
	FilterFiller bool `yaml:"filter_filler"`

	// FillerMaxChars bounds how long a token may be and still count as
	// filler. Clamped to at least 1.
	FillerMaxChars int `yaml:"filler_max_chars"`
}

// MergeConfig tunes the debounced aggregation window.
type MergeConfig struct {
	// GapMS of silence after the last utterance that closes the window.
	// Clamped to at least 100.
	GapMS int `yaml:"gap_ms"`

	// MaxMS bounds the total window lifetime. Clamped to at least GapMS.
	MaxMS int `yaml:"max_ms"`
}

// InterruptConfig tunes barge-in behavior while a request is inflight.
type InterruptConfig struct {
	// PreToken allows a normal utterance to cancel a request that has not
	// produced tokens yet; the cancelled text is merged back.
	PreToken bool `yaml:"pre_token"`

	// PostTokenMode is lowercased on load. "always" interrupts on any
	// admitted utterance, "off"/"none"/"never"/"0" disables, anything else
	// interrupts when the utterance is long enough or looks like a question.
	PostTokenMode PostTokenMode `yaml:"post_token_mode"`

	// MinChars is the conditional-mode length threshold in runes.
	// Clamped to at least 1.
	MinChars int `yaml:"min_chars"`
}

// BackendConfig tunes the bridge link and the dispatch queue.
type BackendConfig struct {
	// URL of the backend websocket endpoint.
	URL string `yaml:"url"`

	// MaxPending bounds the per-session request queue. Clamped to at least 1.
	MaxPending int `yaml:"max_pending"`

	// RequestTimeoutS bounds the wait for each backend message.
	// Clamped to at least 1.
	RequestTimeoutS float64 `yaml:"request_timeout_s"`

	// ConnectTimeoutS bounds the wait for bridge connectivity when a request
	// starts. Clamped to at least 1.
	ConnectTimeoutS float64 `yaml:"connect_timeout_s"`

	// ReconnectS is the delay between reconnect attempts. Clamped to at
	// least 0.5.
	ReconnectS float64 `yaml:"reconnect_s"`

	// PingIntervalS between keep-alive pings. Clamped to at least 5.
	PingIntervalS float64 `yaml:"ping_interval_s"`

	// PingTimeoutS is the pong deadline. Zero or negative disables the
	// deadline; positive values are clamped to at least 5.
	PingTimeoutS float64 `yaml:"ping_timeout_s"`
}

// RequestTimeout returns the per-message wait as a duration.
func (b BackendConfig) RequestTimeout() time.Duration {
	return secondsToDuration(b.RequestTimeoutS)
}

// ConnectTimeout returns the connectivity wait as a duration.
func (b BackendConfig) ConnectTimeout() time.Duration {
	return secondsToDuration(b.ConnectTimeoutS)
}

// Reconnect returns the retry delay as a duration.
func (b BackendConfig) Reconnect() time.Duration {
	return secondsToDuration(b.ReconnectS)
}

// PingInterval returns the keep-alive interval as a duration.
func (b BackendConfig) PingInterval() time.Duration {
	return secondsToDuration(b.PingIntervalS)
}

// PingTimeout returns the pong deadline, or zero when disabled.
func (b BackendConfig) PingTimeout() time.Duration {
	if b.PingTimeoutS <= 0 {
		return 0
	}
	return secondsToDuration(b.PingTimeoutS)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Default returns the configuration used when fields are absent from the
// YAML file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8000",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			VADChunkMS:   200,
			MaxSegmentMS: 30000,
			PreRollMS:    120,
		},
		ASR: ASRConfig{
			Engine:      ASRMock,
			Language:    "auto",
			UseITN:      true,
			StrictModel: true,
		},
		VAD: VADConfig{
			Engine:          VADEnergy,
			EnergyThreshold: 0.015,
			HangMS:          300,
		},
		Submit: SubmitConfig{
			MinTextChars:   2,
			RequireSpeech:  true,
			MinIntervalMS:  600,
			FilterFiller:   true,
			FillerMaxChars: 8,
		},
		Merge: MergeConfig{
			GapMS: 500,
			MaxMS: 2200,
		},
		Interrupt: InterruptConfig{
			PreToken:      true,
			PostTokenMode: PostTokenConditional,
			MinChars:      6,
		},
		Backend: BackendConfig{
			URL:             "ws://127.0.0.1:8090/ws/edge",
			MaxPending:      8,
			RequestTimeoutS: 30,
			ConnectTimeoutS: 8,
			ReconnectS:      1.5,
			PingIntervalS:   20,
			PingTimeoutS:    0,
		},
	}
}

// Normalize clamps out-of-range values into their working ranges and folds
// case-insensitive fields. Called by the loader after decode; safe to call
// on hand-built configs in tests.
func (c *Config) Normalize() {
	c.Audio.VADChunkMS = max(50, c.Audio.VADChunkMS)
	c.Audio.MaxSegmentMS = max(1000, c.Audio.MaxSegmentMS)
	c.Audio.PreRollMS = max(0, c.Audio.PreRollMS)

	c.Submit.MinTextChars = max(1, c.Submit.MinTextChars)
	c.Submit.MinIntervalMS = max(0, c.Submit.MinIntervalMS)
	c.Submit.FillerMaxChars = max(1, c.Submit.FillerMaxChars)

	c.Merge.GapMS = max(100, c.Merge.GapMS)
	c.Merge.MaxMS = max(c.Merge.GapMS, c.Merge.MaxMS)

	c.Interrupt.MinChars = max(1, c.Interrupt.MinChars)
	c.Interrupt.PostTokenMode = PostTokenMode(strings.ToLower(strings.TrimSpace(string(c.Interrupt.PostTokenMode))))

	c.Backend.MaxPending = max(1, c.Backend.MaxPending)
	c.Backend.RequestTimeoutS = max(1.0, c.Backend.RequestTimeoutS)
	c.Backend.ConnectTimeoutS = max(1.0, c.Backend.ConnectTimeoutS)
	c.Backend.ReconnectS = max(0.5, c.Backend.ReconnectS)
	c.Backend.PingIntervalS = max(5.0, c.Backend.PingIntervalS)
	if c.Backend.PingTimeoutS > 0 {
		c.Backend.PingTimeoutS = max(5.0, c.Backend.PingTimeoutS)
	} else {
		c.Backend.PingTimeoutS = 0
	}
}
