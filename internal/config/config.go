// Package config provides the configuration schema, loader, and backend
// registry for deskvoice.
package config

import (
	"time"

	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/internal/tools/mcpsource"
)

// LogLevel controls log verbosity.
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

// CaptureBackend selects the microphone implementation.
type CaptureBackend string

const (
	// CapturePortAudio reads the default input device through PortAudio.
	CapturePortAudio CaptureBackend = "portaudio"

	// CaptureFFmpeg reads PCM from an ffmpeg child process.
	CaptureFFmpeg CaptureBackend = "ffmpeg"
)

// IsValid reports whether b is a recognised capture backend.
func (b CaptureBackend) IsValid() bool {
	return b == CapturePortAudio || b == CaptureFFmpeg
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider fails to
	// connect or its circuit breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Tools   ToolsConfig   `yaml:"tools"`
	TurnLog TurnLogConfig `yaml:"turnlog"`
}

// ServerConfig holds logging and admin endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is the listen address of the health and metrics server
	// (e.g., "127.0.0.1:9470"). Empty disables it.
	AdminAddr string `yaml:"admin_addr"`
}

// ProviderEntry is the configuration for one speech-to-speech service.
type ProviderEntry struct {
	// Name is the registered transport name (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates with the service. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the service model. Empty uses the transport default.
	Model string `yaml:"model"`

	// Voice selects the synthesized voice. Empty uses the service default.
	Voice string `yaml:"voice"`

	// Options carries transport-specific settings, e.g.
	// "transcription_model" for openai-realtime or "keepalive" (a duration).
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects and tunes the capture and playback devices.
type AudioConfig struct {
	// Backend is the capture implementation. Default: portaudio.
	Backend CaptureBackend `yaml:"backend"`

	// InputRate is the capture sample rate in Hz. Default: 16000.
	InputRate int `yaml:"input_rate"`

	// OutputRate is the playback device rate in Hz. Default: 24000.
	OutputRate int `yaml:"output_rate"`

	// FrameSize is the number of samples per capture frame. Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// FFmpeg configures the ffmpeg backend.
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
}

// FFmpegConfig configures the ffmpeg capture backend.
type FFmpegConfig struct {
	// Command is the ffmpeg binary. Default: "ffmpeg" from PATH.
	Command string `yaml:"command"`

	// Format is the ffmpeg input format (e.g., "pulse", "avfoundation").
	Format string `yaml:"format"`

	// Device is the ffmpeg input device (e.g., "default", ":0").
	Device string `yaml:"device"`
}

// SessionConfig controls how sessions are opened.
type SessionConfig struct {
	// SystemInstruction is the assistant prompt for voice sessions.
	SystemInstruction string `yaml:"system_instruction"`

	// DictationInstruction is the prompt for dictation sessions.
	DictationInstruction string `yaml:"dictation_instruction"`

	// ToolsEnabled offers the registered tools to the model. Default: true.
	ToolsEnabled *bool `yaml:"tools_enabled"`

	// SendQueue bounds the outbound audio queue. Default: 10 frames.
	SendQueue int `yaml:"send_queue"`

	// DictationGrace is how long dictation waits for the final segment
	// after capture stops. Default: 1.5s.
	DictationGrace time.Duration `yaml:"dictation_grace"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ToolsOn reports whether tools are offered, applying the default.
func (s SessionConfig) ToolsOn() bool {
	return s.ToolsEnabled == nil || *s.ToolsEnabled
}

// ReconnectConfig is the opt-in policy for restarting a voice session that
// ended with a transport error.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRetries bounds the restart attempts. Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// Initial is the first delay. Default: 500ms.
	Initial time.Duration `yaml:"initial"`

	// Max caps the delay. Default: 30s.
	Max time.Duration `yaml:"max"`
}

// BreakerConfig tunes the per-transport connect circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive connect failures that open
	// the breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ToolsConfig configures the tool dispatcher.
type ToolsConfig struct {
	// Timeout bounds a handler invocation before the placeholder result is
	// sent. Default: 8s.
	Timeout time.Duration `yaml:"timeout"`

	// StillWorking is the placeholder text sent on timeout.
	StillWorking string `yaml:"still_working"`

	// Injection replaces the default context injection table when set.
	Injection []tools.InjectionRule `yaml:"injection"`

	// MCPServers lists external tool servers whose tools are registered as
	// handlers.
	MCPServers []mcpsource.ServerConfig `yaml:"mcp_servers"`
}

// TurnLogConfig selects where finished turns are recorded.
type TurnLogConfig struct {
	// PostgresDSN is the connection string of the turn log database. Empty
	// keeps the log in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}
