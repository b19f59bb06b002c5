package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/idle"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/realtime/protocol"
	"github.com/MrWong99/parley/pkg/translate"
)

// ValidTranslatorNames lists the translator providers [Validate] knows about.
var ValidTranslatorNames = []string{"openai"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultInputSampleRate   = 48000
	DefaultWireSampleRate    = session.DefaultWireSampleRate
	DefaultOutputSampleRate  = protocol.DefaultSampleRate
	DefaultFrameDurationMs   = 100
	DefaultChannels          = 1
	DefaultVoice             = "alloy"
	DefaultTokenEnv          = "PARLEY_TOKEN"
	DefaultTranslateTimeout  = session.DefaultTranslateTimeout
	DefaultDisconnectTimeout = session.DefaultDisconnectTimeout
	DefaultMicStartTimeout   = session.DefaultMicStartTimeout
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	if cfg.Endpoint.Mode == "" {
		cfg.Endpoint.Mode = realtime.ModeScenario
	}
	if cfg.Endpoint.Voice == "" {
		cfg.Endpoint.Voice = DefaultVoice
	}
	if cfg.Endpoint.TokenEnv == "" {
		cfg.Endpoint.TokenEnv = DefaultTokenEnv
	}

	a := &cfg.Audio
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.WireSampleRate == 0 {
		a.WireSampleRate = DefaultWireSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.FrameDurationMs == 0 {
		a.FrameDurationMs = DefaultFrameDurationMs
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}

	r := &cfg.Reconnect
	if r.MaxAttempts == 0 && r.BaseDelay == 0 && r.MaxDelay == 0 {
		p := realtime.DefaultReconnectPolicy
		r.MaxAttempts, r.BaseDelay, r.MaxDelay = p.MaxAttempts, p.BaseDelay, p.MaxDelay
	}

	t := &cfg.Timers
	if t.Inactivity == 0 {
		t.Inactivity = idle.DefaultInactivity
	}
	if t.WaitPopup == 0 {
		t.WaitPopup = idle.DefaultWaitPopup
	}
	if t.NotUnderstood == 0 {
		t.NotUnderstood = idle.DefaultNotUnderstood
	}
	if t.Disconnect == 0 {
		t.Disconnect = DefaultDisconnectTimeout
	}
	if t.MicStart == 0 {
		t.MicStart = DefaultMicStartTimeout
	}

	if cfg.Translation.TargetLanguage == "" {
		cfg.Translation.TargetLanguage = translate.DefaultTargetLanguage
	}
	if cfg.Translation.Timeout == 0 {
		cfg.Translation.Timeout = DefaultTranslateTimeout
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreNone
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Endpoint
	ep := cfg.Endpoint
	if ep.BaseURL == "" {
		errs = append(errs, errors.New("endpoint.base_url is required"))
	}
	switch {
	case ep.Mode != "" && !ep.Mode.IsValid():
		errs = append(errs, fmt.Errorf("endpoint.mode %q is invalid; valid values: scenario, conversation", ep.Mode))
	case ep.Mode == realtime.ModeConversation && ep.SessionID == "":
		errs = append(errs, errors.New("endpoint.session_id is required when mode is conversation"))
	case ep.BaseURL != "":
		if _, err := ep.Endpoint().URL(""); err != nil {
			errs = append(errs, fmt.Errorf("endpoint.base_url: %w", err))
		}
	}
	if ep.Voice != "" && !session.ValidVoice(ep.Voice) {
		errs = append(errs, fmt.Errorf("endpoint.voice %q is invalid; valid values: %v", ep.Voice, session.Voices))
	}

	// Audio
	a := cfg.Audio
	for _, f := range []struct {
		name string
		v    int
	}{
		{"input_sample_rate", a.InputSampleRate},
		{"wire_sample_rate", a.WireSampleRate},
		{"output_sample_rate", a.OutputSampleRate},
		{"frame_duration_ms", a.FrameDurationMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("audio.%s %d must not be negative", f.name, f.v))
		}
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.FrameDurationMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is out of range [1, 1000]", a.FrameDurationMs))
	}
	if a.WireSampleRate > a.InputSampleRate && a.InputSampleRate > 0 {
		slog.Warn("audio.wire_sample_rate exceeds input_sample_rate; microphone audio is sent at the input rate",
			"wire_sample_rate", a.WireSampleRate,
			"input_sample_rate", a.InputSampleRate,
		)
	}

	// Reconnect
	r := cfg.Reconnect
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must not be negative", r.MaxAttempts))
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnect delays must not be negative"))
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("reconnect.max_delay %s is below base_delay %s", r.MaxDelay, r.BaseDelay))
	}

	// Timers
	for _, f := range []struct {
		name string
		v    time.Duration
	}{
		{"inactivity", cfg.Timers.Inactivity},
		{"wait_popup", cfg.Timers.WaitPopup},
		{"not_understood", cfg.Timers.NotUnderstood},
		{"disconnect", cfg.Timers.Disconnect},
		{"mic_start", cfg.Timers.MicStart},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("timers.%s %s must not be negative", f.name, f.v))
		}
	}

	// Translation
	tr := cfg.Translation
	validateTranslatorName("translation", tr.Name)
	for i, fb := range tr.Fallbacks {
		prefix := fmt.Sprintf("translation.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateTranslatorName(prefix, fb.Name)
	}
	if len(tr.Fallbacks) > 0 && tr.Name == "" {
		errs = append(errs, errors.New("translation.fallbacks requires translation.name"))
	}
	if tr.Timeout < 0 {
		errs = append(errs, fmt.Errorf("translation.timeout %s must not be negative", tr.Timeout))
	}

	// Store
	st := cfg.Store
	if st.Driver != "" && !st.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: none, badger, postgres", st.Driver))
	}
	if st.Driver == StorePostgres && st.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when driver is postgres"))
	}
	if st.Driver == StoreBadger && st.Path == "" {
		slog.Warn("store.path is empty; badger keeps scenario results in memory only")
	}

	return errors.Join(errs...)
}

// validateTranslatorName logs a warning if name is non-empty and not in
// [ValidTranslatorNames].
func validateTranslatorName(field, name string) {
	if name == "" || slices.Contains(ValidTranslatorNames, name) {
		return
	}
	slog.Warn("unknown translator name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidTranslatorNames,
	)
}
