package dengar

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/dengar/pkg/adapters/stt"
	"github.com/harunnryd/dengar/pkg/frames"
	"github.com/harunnryd/dengar/pkg/logging"
)

type Config struct {
	Provider      ProviderConfig      `mapstructure:"provider"`
	Session       SessionConfig       `mapstructure:"session"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Retry         RetryConfig         `mapstructure:"retry"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ProviderConfig struct {
	Name     string         `mapstructure:"name"`
	Endpoint string         `mapstructure:"endpoint"`
	APIKey   string         `mapstructure:"api_key"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	InterimResults bool   `mapstructure:"interim_results"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	Punctuate      bool   `mapstructure:"punctuate"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type AudioConfig struct {
	Device     string `mapstructure:"device"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	BlockMS    int    `mapstructure:"block_ms"`
	WAVPath    string `mapstructure:"wav_path"`
	Realtime   bool   `mapstructure:"realtime"`
}

type BridgeConfig struct {
	QueueCapacity     int `mapstructure:"queue_capacity"`
	PushTimeoutMS     int `mapstructure:"push_timeout_ms"`
	ConnectTimeoutMS  int `mapstructure:"connect_timeout_ms"`
	FinalizeTimeoutMS int `mapstructure:"finalize_timeout_ms"`
	GracePeriodMS     int `mapstructure:"grace_period_ms"`
	KeepAliveMS       int `mapstructure:"keepalive_ms"`
}

type SinkConfig struct {
	Console   bool   `mapstructure:"console"`
	Interim   bool   `mapstructure:"interim"`
	JSONLPath string `mapstructure:"jsonl_path"`
}

type ObservabilityConfig struct {
	MetricsAddr   string `mapstructure:"metrics_addr"`
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMS   int `mapstructure:"backoff_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.name", "deepgram")
	v.SetDefault("provider.endpoint", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("session.model", "nova-2")
	v.SetDefault("session.language", "en-US")
	v.SetDefault("session.encoding", stt.EncodingLinear16)
	v.SetDefault("session.interim_results", true)
	v.SetDefault("session.smart_format", true)
	v.SetDefault("session.punctuate", true)
	v.SetDefault("session.utterance_end_ms", 0)
	v.SetDefault("audio.device", "wav")
	v.SetDefault("audio.sample_rate", frames.DefaultSampleRate)
	v.SetDefault("audio.channels", frames.DefaultChannels)
	v.SetDefault("audio.block_ms", 100)
	v.SetDefault("audio.wav_path", "")
	v.SetDefault("audio.realtime", true)
	v.SetDefault("bridge.queue_capacity", 16)
	v.SetDefault("bridge.push_timeout_ms", 50)
	v.SetDefault("bridge.connect_timeout_ms", 5000)
	v.SetDefault("bridge.finalize_timeout_ms", 3000)
	v.SetDefault("bridge.grace_period_ms", 2000)
	v.SetDefault("bridge.keepalive_ms", 0)
	v.SetDefault("sink.console", true)
	v.SetDefault("sink.interim", true)
	v.SetDefault("sink.jsonl_path", "")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", false)
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.backoff_ms", 500)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads path (YAML, JSON or TOML) over the defaults. An empty
// path yields the defaults. DENGAR_* environment variables override file
// values, e.g. DENGAR_PROVIDER_API_KEY, and ${VAR} references in strings
// are expanded.
func LoadConfig(path string) (Config, error) {
	v := newViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults without validating them. The
// wav device still needs audio.wav_path before the config is usable.
func DefaultConfig() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("dengar: decode defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DENGAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.Name) == "" {
		return fmt.Errorf("provider.name is required")
	}
	if strings.TrimSpace(c.Audio.Device) == "" {
		return fmt.Errorf("audio.device is required")
	}
	if strings.EqualFold(c.Audio.Device, "wav") && strings.TrimSpace(c.Audio.WAVPath) == "" {
		return fmt.Errorf("audio.wav_path is required for the wav device")
	}
	if c.Audio.BlockMS <= 0 {
		return fmt.Errorf("audio.block_ms must be positive")
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	// Capture devices only produce linear PCM16 and nothing transcodes it.
	if !strings.EqualFold(strings.TrimSpace(c.Session.Encoding), stt.EncodingLinear16) {
		return fmt.Errorf("session.encoding %q is not supported for 16-bit capture, use %s", c.Session.Encoding, stt.EncodingLinear16)
	}
	if c.Bridge.QueueCapacity <= 0 {
		return fmt.Errorf("bridge.queue_capacity must be positive")
	}
	for name, v := range map[string]int{
		"bridge.push_timeout_ms":     c.Bridge.PushTimeoutMS,
		"bridge.connect_timeout_ms":  c.Bridge.ConnectTimeoutMS,
		"bridge.finalize_timeout_ms": c.Bridge.FinalizeTimeoutMS,
		"bridge.grace_period_ms":     c.Bridge.GracePeriodMS,
		"bridge.keepalive_ms":        c.Bridge.KeepAliveMS,
		"retry.backoff_ms":           c.Retry.BackoffMS,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "text", "json", "":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Format is the capture and session audio format. Only 16-bit samples are
// produced by the capture devices.
func (c Config) Format() frames.Format {
	return frames.Format{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels, BitDepth: 16}.WithDefaults()
}

func (c Config) SessionConfig() stt.SessionConfig {
	return stt.SessionConfig{
		Model:          c.Session.Model,
		Language:       c.Session.Language,
		SampleRate:     c.Audio.SampleRate,
		Channels:       c.Audio.Channels,
		Encoding:       c.Session.Encoding,
		InterimResults: c.Session.InterimResults,
		SmartFormat:    c.Session.SmartFormat,
		Punctuate:      c.Session.Punctuate,
		UtteranceEndMS: c.Session.UtteranceEndMS,
	}
}

func (c Config) BlockSamples() int {
	return c.Format().SamplesFor(ms(c.Audio.BlockMS))
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Provider.Settings = expandSettings(cfg.Provider.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
