package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RoleAll     = "all"
	RoleCapture = "capture"
	RoleEngine  = "engine"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	Traces         bool   `yaml:"traces"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Engine      EngineConfig     `yaml:"engine"`
	Display     DisplayConfig    `yaml:"display"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig selects which half of the pipeline this process runs. "all"
// keeps capture and engine in one process; "capture" and "engine" split
// them across the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Source     string `yaml:"source"` // wav, bus, none
	WAVPath    string `yaml:"wav_path"`
	Loop       bool   `yaml:"loop"`
	Realtime   bool   `yaml:"realtime"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	ChunkSize  int    `yaml:"chunk_size"`
	BlockSize  int    `yaml:"block_size"`
	QueueDepth int    `yaml:"queue_depth"`
}

type EngineConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec, http, openai, websocket
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Model            string  `yaml:"model"`
	Language         string  `yaml:"language"`
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	TriggerMS        int     `yaml:"trigger_ms"`
	IterThresholdMS  int     `yaml:"iter_threshold_ms"`
	KeepMS           int     `yaml:"keep_ms"`
	VADWindowMS      int     `yaml:"vad_window_ms"`
	VADLastMS        int     `yaml:"vad_last_ms"`
	VADThreshold     float64 `yaml:"vad_threshold"`
	VADFreqThreshold float64 `yaml:"vad_freq_threshold"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	PollTimeoutMS    int     `yaml:"poll_timeout_ms"`
	DialAttempts     int     `yaml:"dial_attempts"`
}

type DisplayConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-caption",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			Traces:       false,
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-caption-1",
			Role:              RoleAll,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-caption-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Source:     "bus",
			Realtime:   true,
			SampleRate: 16000,
			Channels:   1,
			ChunkSize:  3072,
			BlockSize:  128,
			QueueDepth: 64,
		},
		Engine: EngineConfig{
			Mode:             "mock",
			Model:            "whisper-1",
			Language:         "en",
			TriggerMS:        400,
			IterThresholdMS:  16000,
			KeepMS:           100,
			VADWindowMS:      3000,
			VADLastMS:        450,
			VADThreshold:     0.25,
			VADFreqThreshold: 200,
			RequestTimeoutMS: 45000,
			PollTimeoutMS:    250,
			DialAttempts:     5,
		},
		Display: DisplayConfig{
			PollIntervalMS: 300,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file and LOQA_* environment variables, in that order.
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

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv() error {
	path := ".env"
	if custom, ok := os.LookupEnv("LOQA_ENV_FILE"); ok && strings.TrimSpace(custom) != "" {
		path = custom
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideBool(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.WAVPath, "LOQA_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Loop, "LOQA_CAPTURE_LOOP")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkSize, "LOQA_CAPTURE_CHUNK_SIZE")
	overrideInt(&cfg.Capture.BlockSize, "LOQA_CAPTURE_BLOCK_SIZE")
	overrideInt(&cfg.Capture.QueueDepth, "LOQA_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "LOQA_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Model, "LOQA_ENGINE_MODEL")
	overrideString(&cfg.Engine.Language, "LOQA_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.Endpoint, "LOQA_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Engine.APIKey, "LOQA_ENGINE_API_KEY")
	overrideInt(&cfg.Engine.TriggerMS, "LOQA_ENGINE_TRIGGER_MS")
	overrideInt(&cfg.Engine.IterThresholdMS, "LOQA_ENGINE_ITER_THRESHOLD_MS")
	overrideInt(&cfg.Engine.KeepMS, "LOQA_ENGINE_KEEP_MS")
	overrideInt(&cfg.Engine.VADWindowMS, "LOQA_ENGINE_VAD_WINDOW_MS")
	overrideInt(&cfg.Engine.VADLastMS, "LOQA_ENGINE_VAD_LAST_MS")
	overrideFloat(&cfg.Engine.VADThreshold, "LOQA_ENGINE_VAD_THRESHOLD")
	overrideFloat(&cfg.Engine.VADFreqThreshold, "LOQA_ENGINE_VAD_FREQ_THRESHOLD")
	overrideInt(&cfg.Engine.RequestTimeoutMS, "LOQA_ENGINE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Engine.PollTimeoutMS, "LOQA_ENGINE_POLL_TIMEOUT_MS")
	overrideInt(&cfg.Engine.DialAttempts, "LOQA_ENGINE_DIAL_ATTEMPTS")
	overrideInt(&cfg.Display.PollIntervalMS, "LOQA_DISPLAY_POLL_INTERVAL_MS")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

// chunk_size and channels are deliberately not rejected here: the windower
// clamps them at construction.
func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	switch cfg.Node.Role {
	case RoleAll, RoleCapture, RoleEngine:
	default:
		return errors.New("node.role must be one of all|capture|engine")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
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
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.BlockSize <= 0 {
		return errors.New("capture.block_size must be positive")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	switch cfg.Capture.Source {
	case "bus", "none":
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when source=wav")
		}
	default:
		return errors.New("capture.source must be one of wav|bus|none")
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "http":
	case "websocket":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=websocket")
		}
	case "openai":
		if cfg.Engine.APIKey == "" {
			return errors.New("engine.api_key must be set when mode=openai")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|http|openai|websocket")
	}
	if cfg.Engine.TriggerMS <= 0 {
		return errors.New("engine.trigger_ms must be positive")
	}
	if cfg.Engine.IterThresholdMS <= cfg.Engine.TriggerMS {
		return errors.New("engine.iter_threshold_ms must be greater than trigger_ms")
	}
	if cfg.Engine.KeepMS < 0 || cfg.Engine.KeepMS >= cfg.Engine.IterThresholdMS {
		return errors.New("engine.keep_ms must be >= 0 and below iter_threshold_ms")
	}
	if cfg.Engine.VADLastMS <= 0 || cfg.Engine.VADLastMS > cfg.Engine.VADWindowMS {
		return errors.New("engine.vad_last_ms must be positive and not exceed vad_window_ms")
	}
	if cfg.Engine.VADThreshold < 0 {
		return errors.New("engine.vad_threshold must be >= 0")
	}
	if cfg.Engine.PollTimeoutMS <= 0 {
		return errors.New("engine.poll_timeout_ms must be positive")
	}
	if cfg.Display.PollIntervalMS <= 0 {
		return errors.New("display.poll_interval_ms must be positive")
	}
	return nil
}
