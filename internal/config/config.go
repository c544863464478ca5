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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Verify      VerifyConfig    `yaml:"verify"`
	Retention   RetentionConfig `yaml:"retention"`
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

type NodeConfig struct {
	ID                string       `yaml:"id"`
	Role              string       `yaml:"role"`
	HeartbeatInterval int          `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int          `yaml:"heartbeat_timeout_ms"`
	Devices           []NodeDevice `yaml:"devices"`
}

type NodeDevice struct {
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig binds the external two-stage synthesis program and the
// model artifacts handed to it. Command holds the interpreter plus script
// (e.g. "python3 synthesize.py"); the artifact paths are forwarded as the
// program's acoustic-model and vocoder flags.
type PipelineConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Mode               string `yaml:"mode"` // mock, exec
	Command            string `yaml:"command"`
	AcousticConfig     string `yaml:"acoustic_config"`
	AcousticCheckpoint string `yaml:"acoustic_checkpoint"`
	AcousticStat       string `yaml:"acoustic_stat"`
	VocoderConfig      string `yaml:"vocoder_config"`
	VocoderParams      string `yaml:"vocoder_params"`
	VocoderStat        string `yaml:"vocoder_stat"`
	DefaultDevice      string `yaml:"default_device"`
	OutputRoot         string `yaml:"output_root"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	StderrTailLines    int    `yaml:"stderr_tail_lines"`
}

type VerifyConfig struct {
	Enabled    bool `yaml:"enabled"`
	SampleRate int  `yaml:"sample_rate"`
	Channels   int  `yaml:"channels"`
}

type RetentionConfig struct {
	Mode string `yaml:"mode"` // all, latest, best
	Keep int    `yaml:"keep"`
}

func Default() Config {
	return Config{
		RuntimeName: "synth-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "synth-node-1",
			Role:              "runner",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Devices: []NodeDevice{
				{Name: "cpu"},
			},
		},
		Journal: JournalConfig{
			Path:          "./data/synth-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Pipeline: PipelineConfig{
			Enabled:         false,
			Mode:            "exec",
			Command:         "python3 synthesize.py",
			DefaultDevice:   "cpu",
			OutputRoot:      "./output",
			TimeoutSeconds:  1800,
			StderrTailLines: 40,
		},
		Verify: VerifyConfig{
			Enabled:    true,
			SampleRate: 0,
			Channels:   1,
		},
		Retention: RetentionConfig{
			Mode: "all",
			Keep: 5,
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
	overrideString(&cfg.RuntimeName, "SYNTH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SYNTH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SYNTH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SYNTH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SYNTH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SYNTH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SYNTH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SYNTH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SYNTH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SYNTH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SYNTH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SYNTH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SYNTH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SYNTH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SYNTH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SYNTH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SYNTH_NODE_ID")
	overrideString(&cfg.Node.Role, "SYNTH_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SYNTH_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SYNTH_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "SYNTH_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "SYNTH_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "SYNTH_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "SYNTH_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "SYNTH_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Pipeline.Enabled, "SYNTH_PIPELINE_ENABLED")
	overrideString(&cfg.Pipeline.Mode, "SYNTH_PIPELINE_MODE")
	overrideString(&cfg.Pipeline.Command, "SYNTH_PIPELINE_COMMAND")
	overrideString(&cfg.Pipeline.AcousticConfig, "SYNTH_PIPELINE_ACOUSTIC_CONFIG")
	overrideString(&cfg.Pipeline.AcousticCheckpoint, "SYNTH_PIPELINE_ACOUSTIC_CHECKPOINT")
	overrideString(&cfg.Pipeline.AcousticStat, "SYNTH_PIPELINE_ACOUSTIC_STAT")
	overrideString(&cfg.Pipeline.VocoderConfig, "SYNTH_PIPELINE_VOCODER_CONFIG")
	overrideString(&cfg.Pipeline.VocoderParams, "SYNTH_PIPELINE_VOCODER_PARAMS")
	overrideString(&cfg.Pipeline.VocoderStat, "SYNTH_PIPELINE_VOCODER_STAT")
	overrideString(&cfg.Pipeline.DefaultDevice, "SYNTH_PIPELINE_DEFAULT_DEVICE")
	overrideString(&cfg.Pipeline.OutputRoot, "SYNTH_PIPELINE_OUTPUT_ROOT")
	overrideInt(&cfg.Pipeline.TimeoutSeconds, "SYNTH_PIPELINE_TIMEOUT_SECONDS")
	overrideInt(&cfg.Pipeline.StderrTailLines, "SYNTH_PIPELINE_STDERR_TAIL_LINES")
	overrideBool(&cfg.Verify.Enabled, "SYNTH_VERIFY_ENABLED")
	overrideInt(&cfg.Verify.SampleRate, "SYNTH_VERIFY_SAMPLE_RATE")
	overrideInt(&cfg.Verify.Channels, "SYNTH_VERIFY_CHANNELS")
	overrideString(&cfg.Retention.Mode, "SYNTH_RETENTION_MODE")
	overrideInt(&cfg.Retention.Keep, "SYNTH_RETENTION_KEEP")
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
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Devices) == 0 {
		return errors.New("node.devices must not be empty")
	}
	for _, device := range cfg.Node.Devices {
		if device.Name != "cpu" && device.Name != "gpu" {
			return fmt.Errorf("node.devices: unknown device %q, must be cpu or gpu", device.Name)
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionMode == "persistent" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Pipeline.Enabled {
		switch cfg.Pipeline.Mode {
		case "mock", "exec":
		default:
			return errors.New("pipeline.mode must be one of mock|exec")
		}
		if cfg.Pipeline.Mode == "exec" && strings.TrimSpace(cfg.Pipeline.Command) == "" {
			return errors.New("pipeline.command must be set when mode=exec")
		}
		switch cfg.Pipeline.DefaultDevice {
		case "cpu", "gpu":
		default:
			return errors.New("pipeline.default_device must be one of cpu|gpu")
		}
		if cfg.Pipeline.TimeoutSeconds <= 0 {
			return errors.New("pipeline.timeout_seconds must be positive")
		}
	}
	if cfg.Verify.Enabled {
		if cfg.Verify.SampleRate < 0 {
			return errors.New("verify.sample_rate must be >= 0")
		}
		if cfg.Verify.Channels <= 0 {
			return errors.New("verify.channels must be positive")
		}
	}
	switch cfg.Retention.Mode {
	case "all", "latest", "best":
	default:
		return errors.New("retention.mode must be one of all|latest|best")
	}
	if cfg.Retention.Mode != "all" && cfg.Retention.Keep <= 0 {
		return errors.New("retention.keep must be positive when pruning is enabled")
	}
	return nil
}
