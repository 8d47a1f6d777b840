package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/MrWong99/deskvoice/internal/tools/mcpsource"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"transport": {"gemini-live", "openai-realtime"},
	"capture":   {string(CapturePortAudio), string(CaptureFFmpeg)},
}

// envRef matches ${NAME} references. Bare $NAME is left alone so values such
// as passwords may contain dollar signs.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references and
// validates the result. Unset variables expand to the empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in raw with the value of the environment
// variable NAME.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName("transport", cfg.Provider.Name)
	}
	seen := map[string]string{cfg.Provider.Name: "provider"}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
		validateProviderName("transport", fb.Name)
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, ffmpeg", cfg.Audio.Backend))
	}
	if cfg.Audio.InputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_rate %d must not be negative", cfg.Audio.InputRate))
	}
	if cfg.Audio.OutputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d must not be negative", cfg.Audio.OutputRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.Backend == CaptureFFmpeg && cfg.Audio.FFmpeg.Format == "" {
		errs = append(errs, errors.New("audio.ffmpeg.format is required when audio.backend is ffmpeg"))
	}

	// Session
	if cfg.Session.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue %d must not be negative", cfg.Session.SendQueue))
	}
	if cfg.Session.DictationGrace < 0 {
		errs = append(errs, fmt.Errorf("session.dictation_grace %s must not be negative", cfg.Session.DictationGrace))
	}
	rc := cfg.Session.Reconnect
	if rc.MaxRetries < 0 || rc.Initial < 0 || rc.Max < 0 {
		errs = append(errs, errors.New("session.reconnect values must not be negative"))
	}
	if rc.Initial > 0 && rc.Max > 0 && rc.Initial > rc.Max {
		errs = append(errs, fmt.Errorf("session.reconnect.initial %s exceeds max %s", rc.Initial, rc.Max))
	}
	if cfg.Session.Breaker.MaxFailures < 0 || cfg.Session.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("session.breaker values must not be negative"))
	}

	// Tools
	if cfg.Tools.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout %s must not be negative", cfg.Tools.Timeout))
	}
	for i, rule := range cfg.Tools.Injection {
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools.injection[%d]: %w", i, err))
		}
	}
	serverNames := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNames[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			serverNames[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
			continue
		}
		if srv.Transport == mcpsource.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s: transport stdio requires a command", prefix))
		}
		if srv.Transport == mcpsource.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s: transport streamable-http requires a url", prefix))
		}
	}

	if cfg.TurnLog.PostgresDSN == "" {
		slog.Debug("turnlog.postgres_dsn is empty; turns are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not a known backend of kind.
// Unknown names are not an error so that custom factories can be registered.
func validateProviderName(kind, name string) {
	if known, ok := ValidProviderNames[kind]; ok && !slices.Contains(known, name) {
		slog.Warn("unknown provider name; it must be registered before use", "kind", kind, "name", name, "known", known)
	}
}
