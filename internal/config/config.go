package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	MaxUploadMB   int    `yaml:"max_upload_mb"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Offline     RecognizerConfig `yaml:"offline"`
	Microphone  MicrophoneConfig `yaml:"microphone"`
	Decoder     DecoderConfig    `yaml:"decoder"`
	Session     SessionConfig    `yaml:"session"`
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

	// ServeRecognition answers recognition requests from other processes on the bus.
	ServeRecognition bool `yaml:"serve_recognition"`
}

type EventStoreConfig struct {
	Path            string `yaml:"path"`
	RetentionMode   string `yaml:"retention_mode"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxSessions     int    `yaml:"max_sessions"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
}

// RecognizerConfig describes one speech recognition backend.
type RecognizerConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Name      string  `yaml:"name"`
	Mode      string  `yaml:"mode"` // mock, google, exec
	Endpoint  string  `yaml:"endpoint"`
	APIKey    string  `yaml:"api_key"`
	Command   string  `yaml:"command"`
	ModelPath string  `yaml:"model_path"`
	TimeoutMS int     `yaml:"timeout_ms"`
	MockText  string  `yaml:"mock_text"`
	MockScore float64 `yaml:"mock_confidence"`
}

type MicrophoneConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Command       string `yaml:"command"`
	InputFormat   string `yaml:"input_format"`
	InputDevice   string `yaml:"input_device"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	CalibrationMS int    `yaml:"calibration_ms"`
	FrameMS       int    `yaml:"frame_ms"`
}

type DecoderConfig struct {
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
}

type LanguageOption struct {
	Name string `yaml:"name" json:"name"`
	Tag  string `yaml:"tag" json:"tag"`
}

type SessionConfig struct {
	DefaultLanguage        string           `yaml:"default_language"`
	Languages              []LanguageOption `yaml:"languages"`
	MinDurationSeconds     int              `yaml:"min_duration_seconds"`
	MaxDurationSeconds     int              `yaml:"max_duration_seconds"`
	DefaultDurationSeconds int              `yaml:"default_duration_seconds"`
	HistoryLimit           int              `yaml:"history_limit"`
	IdleTimeoutMS          int              `yaml:"idle_timeout_ms"`
	MaxSessions            int              `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:          "0.0.0.0",
			Port:          8080,
			MaxUploadMB:   25,
			ReadTimeoutMS: 60000,
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

			ServeRecognition: true,
		},
		EventStore: EventStoreConfig{
			Path:            "./data/scribe-events.db",
			RetentionMode:   "session",
			RetentionDays:   30,
			MaxSessions:     10000,
			PruneIntervalMS: 3600000,
		},
		Recognizer: RecognizerConfig{
			Enabled:   true,
			Name:      "Google",
			Mode:      "mock",
			Endpoint:  "http://www.google.com/speech-api/v2/recognize",
			TimeoutMS: 30000,
		},
		Offline: RecognizerConfig{
			Enabled:   true,
			Name:      "Sphinx (Offline)",
			Mode:      "mock",
			TimeoutMS: 60000,
		},
		Microphone: MicrophoneConfig{
			Enabled:       true,
			Command:       "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
			SampleRate:    16000,
			Channels:      1,
			CalibrationMS: 1000,
			FrameMS:       30,
		},
		Decoder: DecoderConfig{
			Command:    "ffmpeg",
			SampleRate: 16000,
		},
		Session: SessionConfig{
			DefaultLanguage: "en-US",
			Languages: []LanguageOption{
				{Name: "English (US)", Tag: "en-US"},
				{Name: "English (UK)", Tag: "en-GB"},
				{Name: "Spanish", Tag: "es-ES"},
				{Name: "French", Tag: "fr-FR"},
				{Name: "German", Tag: "de-DE"},
				{Name: "Italian", Tag: "it-IT"},
				{Name: "Hindi", Tag: "hi-IN"},
				{Name: "Chinese (Simplified)", Tag: "zh-CN"},
				{Name: "Japanese", Tag: "ja-JP"},
			},
			MinDurationSeconds:     3,
			MaxDurationSeconds:     30,
			DefaultDurationSeconds: 5,
			HistoryLimit:           10,
			IdleTimeoutMS:          1800000,
			MaxSessions:            256,
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

// HasLanguage reports whether tag is one of the configured language options.
func (s SessionConfig) HasLanguage(tag string) bool {
	for _, opt := range s.Languages {
		if opt.Tag == tag {
			return true
		}
	}
	return false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "SCRIBE_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.ServeRecognition, "SCRIBE_BUS_SERVE_RECOGNITION")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.PruneIntervalMS, "SCRIBE_EVENT_STORE_PRUNE_INTERVAL_MS")
	overrideRecognizer(&cfg.Recognizer, "SCRIBE_RECOGNIZER")
	overrideRecognizer(&cfg.Offline, "SCRIBE_OFFLINE")
	overrideBool(&cfg.Microphone.Enabled, "SCRIBE_MICROPHONE_ENABLED")
	overrideString(&cfg.Microphone.Command, "SCRIBE_MICROPHONE_COMMAND")
	overrideString(&cfg.Microphone.InputFormat, "SCRIBE_MICROPHONE_INPUT_FORMAT")
	overrideString(&cfg.Microphone.InputDevice, "SCRIBE_MICROPHONE_INPUT_DEVICE")
	overrideInt(&cfg.Microphone.SampleRate, "SCRIBE_MICROPHONE_SAMPLE_RATE")
	overrideInt(&cfg.Microphone.Channels, "SCRIBE_MICROPHONE_CHANNELS")
	overrideInt(&cfg.Microphone.CalibrationMS, "SCRIBE_MICROPHONE_CALIBRATION_MS")
	overrideString(&cfg.Decoder.Command, "SCRIBE_DECODER_COMMAND")
	overrideInt(&cfg.Decoder.SampleRate, "SCRIBE_DECODER_SAMPLE_RATE")
	overrideString(&cfg.Session.DefaultLanguage, "SCRIBE_SESSION_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Session.MinDurationSeconds, "SCRIBE_SESSION_MIN_DURATION_SECONDS")
	overrideInt(&cfg.Session.MaxDurationSeconds, "SCRIBE_SESSION_MAX_DURATION_SECONDS")
	overrideInt(&cfg.Session.DefaultDurationSeconds, "SCRIBE_SESSION_DEFAULT_DURATION_SECONDS")
	overrideInt(&cfg.Session.HistoryLimit, "SCRIBE_SESSION_HISTORY_LIMIT")
	overrideInt(&cfg.Session.IdleTimeoutMS, "SCRIBE_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxSessions, "SCRIBE_SESSION_MAX_SESSIONS")
}

func overrideRecognizer(target *RecognizerConfig, prefix string) {
	overrideBool(&target.Enabled, prefix+"_ENABLED")
	overrideString(&target.Name, prefix+"_NAME")
	overrideString(&target.Mode, prefix+"_MODE")
	overrideString(&target.Endpoint, prefix+"_ENDPOINT")
	overrideString(&target.APIKey, prefix+"_API_KEY")
	overrideString(&target.Command, prefix+"_COMMAND")
	overrideString(&target.ModelPath, prefix+"_MODEL_PATH")
	overrideInt(&target.TimeoutMS, prefix+"_TIMEOUT_MS")
	overrideString(&target.MockText, prefix+"_MOCK_TEXT")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if !cfg.Recognizer.Enabled {
		return errors.New("recognizer.enabled must be true")
	}
	if err := validateRecognizer("recognizer", cfg.Recognizer); err != nil {
		return err
	}
	if cfg.Offline.Enabled {
		if err := validateRecognizer("offline", cfg.Offline); err != nil {
			return err
		}
		if cfg.Offline.Name == cfg.Recognizer.Name {
			return errors.New("offline.name must differ from recognizer.name")
		}
	}
	if cfg.Microphone.Enabled {
		if cfg.Microphone.Command == "" {
			return errors.New("microphone.command must not be empty")
		}
		if cfg.Microphone.SampleRate <= 0 {
			return errors.New("microphone.sample_rate must be positive")
		}
		if cfg.Microphone.Channels <= 0 {
			return errors.New("microphone.channels must be positive")
		}
		if cfg.Microphone.CalibrationMS < 0 {
			return errors.New("microphone.calibration_ms must be >= 0")
		}
	}
	if cfg.Decoder.SampleRate <= 0 {
		return errors.New("decoder.sample_rate must be positive")
	}
	if len(cfg.Session.Languages) == 0 {
		return errors.New("session.languages must not be empty")
	}
	if !cfg.Session.HasLanguage(cfg.Session.DefaultLanguage) {
		return fmt.Errorf("session.default_language %q is not listed in session.languages", cfg.Session.DefaultLanguage)
	}
	if cfg.Session.MinDurationSeconds <= 0 {
		return errors.New("session.min_duration_seconds must be positive")
	}
	if cfg.Session.MaxDurationSeconds < cfg.Session.MinDurationSeconds {
		return errors.New("session.max_duration_seconds must be >= min_duration_seconds")
	}
	if d := cfg.Session.DefaultDurationSeconds; d < cfg.Session.MinDurationSeconds || d > cfg.Session.MaxDurationSeconds {
		return errors.New("session.default_duration_seconds must lie within the duration bounds")
	}
	if cfg.Session.HistoryLimit <= 0 {
		return errors.New("session.history_limit must be positive")
	}
	if cfg.Session.IdleTimeoutMS < 0 {
		return errors.New("session.idle_timeout_ms must be >= 0")
	}
	return nil
}

func validateRecognizer(section string, rc RecognizerConfig) error {
	if strings.TrimSpace(rc.Name) == "" {
		return fmt.Errorf("%s.name must not be empty", section)
	}
	switch rc.Mode {
	case "mock", "google", "exec":
	default:
		return fmt.Errorf("%s.mode must be one of mock|google|exec", section)
	}
	if rc.Mode == "google" && rc.Endpoint == "" {
		return fmt.Errorf("%s.endpoint must be set when mode=google", section)
	}
	if rc.Mode == "exec" && rc.Command == "" {
		return fmt.Errorf("%s.command must be set when mode=exec", section)
	}
	if rc.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", section)
	}
	return nil
}
