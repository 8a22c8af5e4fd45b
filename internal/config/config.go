package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// MaxUploadMB bounds single-shot REST request bodies.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Streaming   StreamingConfig  `yaml:"streaming"`
	Node        NodeConfig       `yaml:"node"`
}

// NodeConfig describes how this instance advertises itself on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	Ingest         bool     `yaml:"ingest"`
	// Stream names the JetStream stream retaining published transcripts; empty disables it.
	Stream string `yaml:"stream"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode                string `yaml:"mode"` // mock, exec, http
	Command             string `yaml:"command"`
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"api_key"`
	ModelSize           string `yaml:"model_size"`
	ModelPath           string `yaml:"model_path"`
	Language            string `yaml:"language"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	TranscribeTimeoutMS int    `yaml:"transcribe_timeout_ms"`
	MaxConcurrency      int    `yaml:"max_concurrency"`
}

// StreamingConfig drives silence segmentation and session lifecycle.
type StreamingConfig struct {
	MaxAudioSeconds     float64 `yaml:"max_audio_seconds"`
	HardCapSeconds      float64 `yaml:"hard_cap_seconds"`
	ShortSilenceSeconds float64 `yaml:"short_silence_seconds"`
	LongSilenceSeconds  float64 `yaml:"long_silence_seconds"`
	SilenceRMSThreshold float64 `yaml:"silence_rms_threshold"`
	IdleTimeoutMS       int     `yaml:"idle_timeout_ms"`
	SweepIntervalMS     int     `yaml:"sweep_interval_ms"`
	InboxSize           int     `yaml:"inbox_size"`
	StrictSessions      bool    `yaml:"strict_sessions"`
}

// ModelSizes lists the accepted values for stt.model_size.
var ModelSizes = []string{"tiny", "base", "small", "medium", "large"}

func Default() Config {
	return Config{
		ServiceName: "echo-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8000,
			MaxUploadMB: 25,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Ingest:         true,
			Stream:         "ECHO_TRANSCRIPTS",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/echo-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:                "mock",
			ModelSize:           "base",
			Language:            "auto",
			SampleRate:          16000,
			Channels:            1,
			TranscribeTimeoutMS: 45000,
			MaxConcurrency:      2,
		},
		Streaming: StreamingConfig{
			MaxAudioSeconds:     30,
			HardCapSeconds:      60,
			ShortSilenceSeconds: 0.7,
			LongSilenceSeconds:  1.5,
			SilenceRMSThreshold: 0.01,
			IdleTimeoutMS:       60000,
			SweepIntervalMS:     5000,
			InboxSize:           256,
		},
		Node: NodeConfig{
			Role:                "stt",
			HeartbeatIntervalMS: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "ECHO_SERVICE_NAME")
	overrideString(&cfg.Environment, "ECHO_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ECHO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ECHO_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "ECHO_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "ECHO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ECHO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ECHO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ECHO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "ECHO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ECHO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ECHO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ECHO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ECHO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ECHO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ECHO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ECHO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ECHO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ECHO_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Ingest, "ECHO_BUS_INGEST")
	overrideString(&cfg.Bus.Stream, "ECHO_BUS_STREAM")
	overrideString(&cfg.EventStore.Path, "ECHO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ECHO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ECHO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ECHO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ECHO_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "ECHO_STT_MODE")
	overrideString(&cfg.STT.Command, "ECHO_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "ECHO_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "ECHO_STT_API_KEY")
	// WHISPER_MODEL and MAX_AUDIO_LENGTH are the historical names; ECHO_* wins when both are set.
	overrideString(&cfg.STT.ModelSize, "WHISPER_MODEL")
	overrideString(&cfg.STT.ModelSize, "ECHO_STT_MODEL_SIZE")
	overrideString(&cfg.STT.ModelPath, "ECHO_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "ECHO_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "ECHO_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "ECHO_STT_CHANNELS")
	overrideInt(&cfg.STT.TranscribeTimeoutMS, "ECHO_STT_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxConcurrency, "ECHO_STT_MAX_CONCURRENCY")
	overrideFloat(&cfg.Streaming.MaxAudioSeconds, "MAX_AUDIO_LENGTH")
	overrideFloat(&cfg.Streaming.MaxAudioSeconds, "ECHO_STREAMING_MAX_AUDIO_SECONDS")
	overrideFloat(&cfg.Streaming.HardCapSeconds, "ECHO_STREAMING_HARD_CAP_SECONDS")
	overrideFloat(&cfg.Streaming.ShortSilenceSeconds, "ECHO_STREAMING_SHORT_SILENCE_SECONDS")
	overrideFloat(&cfg.Streaming.LongSilenceSeconds, "ECHO_STREAMING_LONG_SILENCE_SECONDS")
	overrideFloat(&cfg.Streaming.SilenceRMSThreshold, "ECHO_STREAMING_SILENCE_RMS_THRESHOLD")
	overrideInt(&cfg.Streaming.IdleTimeoutMS, "ECHO_STREAMING_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.SweepIntervalMS, "ECHO_STREAMING_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Streaming.InboxSize, "ECHO_STREAMING_INBOX_SIZE")
	overrideBool(&cfg.Streaming.StrictSessions, "ECHO_STREAMING_STRICT_SESSIONS")
	overrideString(&cfg.Node.ID, "ECHO_NODE_ID")
	overrideString(&cfg.Node.Role, "ECHO_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "ECHO_NODE_HEARTBEAT_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// ValidModelSize reports whether size is one of ModelSizes.
func ValidModelSize(size string) bool {
	for _, s := range ModelSizes {
		if s == size {
			return true
		}
	}
	return false
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=http")
	}
	if !ValidModelSize(cfg.STT.ModelSize) {
		return fmt.Errorf("stt.model_size must be one of %s", strings.Join(ModelSizes, "|"))
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.Bus.Enabled && cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive when the bus is enabled")
	}
	if cfg.STT.Channels != 1 {
		return errors.New("stt.channels must be 1 (mono PCM)")
	}
	if cfg.STT.TranscribeTimeoutMS <= 0 {
		return errors.New("stt.transcribe_timeout_ms must be positive")
	}
	if cfg.STT.MaxConcurrency <= 0 {
		return errors.New("stt.max_concurrency must be >= 1")
	}
	s := cfg.Streaming
	if s.MaxAudioSeconds <= 0 {
		return errors.New("streaming.max_audio_seconds must be positive")
	}
	if s.HardCapSeconds < s.MaxAudioSeconds {
		return errors.New("streaming.hard_cap_seconds must be >= max_audio_seconds")
	}
	if s.ShortSilenceSeconds <= 0 {
		return errors.New("streaming.short_silence_seconds must be positive")
	}
	if s.LongSilenceSeconds <= s.ShortSilenceSeconds {
		return errors.New("streaming.long_silence_seconds must be greater than short_silence_seconds")
	}
	if s.SilenceRMSThreshold <= 0 || s.SilenceRMSThreshold >= 1 {
		return errors.New("streaming.silence_rms_threshold must be in (0, 1)")
	}
	if s.IdleTimeoutMS <= 0 {
		return errors.New("streaming.idle_timeout_ms must be positive")
	}
	if s.SweepIntervalMS <= 0 {
		return errors.New("streaming.sweep_interval_ms must be positive")
	}
	if s.InboxSize <= 0 {
		return errors.New("streaming.inbox_size must be >= 1")
	}
	return nil
}

// Seconds converts a fractional seconds setting to a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

// Millis converts an integer millisecond setting to a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
