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
	LogFile        string `yaml:"log_file"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	LogMaxAgeDays  int    `yaml:"log_max_age_days"`
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
	Node        NodeConfig       `yaml:"node"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Synth       SynthConfig      `yaml:"synth"`
	Denoiser    DenoiserConfig   `yaml:"denoiser"`
	Normalizer  NormalizerConfig `yaml:"normalizer"`
	Generation  GenerationConfig `yaml:"generation"`
	Silence     SilenceConfig    `yaml:"silence"`
	Voices      VoicesConfig     `yaml:"voices"`
	Service     ServiceConfig    `yaml:"service"`
}

// NodeConfig identifies this daemon to other nodes on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthConfig struct {
	Mode        string `yaml:"mode"` // mock, exec
	Command     string `yaml:"command"`
	SampleRate  int    `yaml:"sample_rate"`
	MockDelayMS int    `yaml:"mock_delay_ms"`
}

type DenoiserConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type NormalizerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type GenerationConfig struct {
	CFGValue                   float64 `yaml:"cfg_value"`
	InferenceTimesteps         int     `yaml:"inference_timesteps"`
	MinLen                     int     `yaml:"min_len"`
	MaxLen                     int     `yaml:"max_len"`
	Normalize                  bool    `yaml:"normalize"`
	Denoise                    bool    `yaml:"denoise"`
	RetryBadcase               bool    `yaml:"retry_badcase"`
	RetryBadcaseMaxTimes       int     `yaml:"retry_badcase_max_times"`
	RetryBadcaseRatioThreshold float64 `yaml:"retry_badcase_ratio_threshold"`
}

type SilenceConfig struct {
	Enabled     bool    `yaml:"enabled"`
	TopDB       float64 `yaml:"top_db"`
	FrameLength int     `yaml:"frame_length"`
	HopLength   int     `yaml:"hop_length"`
	MaxGapMS    int     `yaml:"max_gap_ms"`
	TargetGapMS int     `yaml:"target_gap_ms"`
}

type VoicesConfig struct {
	Directory string `yaml:"directory"`
}

type ServiceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	TimeoutMS int    `yaml:"timeout_ms"`
	// OutputKeep is how many WAV files are kept in OutputDir; 0 keeps all.
	OutputKeep int `yaml:"output_keep"`
	// ReferenceDir is where request-supplied reference audio may live, in
	// addition to the voice library. Empty allows the voice library only.
	ReferenceDir string `yaml:"reference_dir"`
}

const (
	MinCFGValue           = 0.1
	MaxCFGValue           = 10.0
	MinInferenceTimesteps = 1
	MaxInferenceTimesteps = 100
)

func Default() Config {
	return Config{
		RuntimeName: "voxd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Node: NodeConfig{
			ID:                  "vox-node",
			Role:                "tts",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogMaxSizeMB:   64,
			LogMaxBackups:  3,
			LogMaxAgeDays:  7,
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/vox-jobs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Synth: SynthConfig{
			Mode:       "mock",
			SampleRate: 44100,
		},
		Generation: GenerationConfig{
			CFGValue:                   2.0,
			InferenceTimesteps:         10,
			MinLen:                     2,
			MaxLen:                     4096,
			RetryBadcase:               true,
			RetryBadcaseMaxTimes:       3,
			RetryBadcaseRatioThreshold: 6.0,
		},
		Silence: SilenceConfig{
			Enabled:     false,
			TopDB:       30,
			FrameLength: 2048,
			HopLength:   512,
			MaxGapMS:    800,
			TargetGapMS: 500,
		},
		Voices: VoicesConfig{
			Directory: "./voices",
		},
		Service: ServiceConfig{
			Enabled:    true,
			OutputDir:  "./data/output",
			TimeoutMS:  300000,
			OutputKeep: 10,
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
	overrideString(&cfg.RuntimeName, "VOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOX_HTTP_PORT")
	overrideString(&cfg.Node.ID, "VOX_NODE_ID")
	overrideString(&cfg.Node.Role, "VOX_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "VOX_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "VOX_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "VOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "VOX_TELEMETRY_LOG_FILE")
	overrideInt(&cfg.Telemetry.LogMaxSizeMB, "VOX_TELEMETRY_LOG_MAX_SIZE_MB")
	overrideInt(&cfg.Telemetry.LogMaxBackups, "VOX_TELEMETRY_LOG_MAX_BACKUPS")
	overrideInt(&cfg.Telemetry.LogMaxAgeDays, "VOX_TELEMETRY_LOG_MAX_AGE_DAYS")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOX_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "VOX_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "VOX_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOX_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOX_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOX_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOX_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "VOX_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOX_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synth.Mode, "VOX_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "VOX_SYNTH_COMMAND")
	overrideInt(&cfg.Synth.SampleRate, "VOX_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.MockDelayMS, "VOX_SYNTH_MOCK_DELAY_MS")
	overrideBool(&cfg.Denoiser.Enabled, "VOX_DENOISER_ENABLED")
	overrideString(&cfg.Denoiser.Command, "VOX_DENOISER_COMMAND")
	overrideBool(&cfg.Normalizer.Enabled, "VOX_NORMALIZER_ENABLED")
	overrideFloat(&cfg.Generation.CFGValue, "VOX_GENERATION_CFG_VALUE")
	overrideInt(&cfg.Generation.InferenceTimesteps, "VOX_GENERATION_INFERENCE_TIMESTEPS")
	overrideInt(&cfg.Generation.MinLen, "VOX_GENERATION_MIN_LEN")
	overrideInt(&cfg.Generation.MaxLen, "VOX_GENERATION_MAX_LEN")
	overrideBool(&cfg.Generation.Normalize, "VOX_GENERATION_NORMALIZE")
	overrideBool(&cfg.Generation.Denoise, "VOX_GENERATION_DENOISE")
	overrideBool(&cfg.Generation.RetryBadcase, "VOX_GENERATION_RETRY_BADCASE")
	overrideInt(&cfg.Generation.RetryBadcaseMaxTimes, "VOX_GENERATION_RETRY_BADCASE_MAX_TIMES")
	overrideFloat(&cfg.Generation.RetryBadcaseRatioThreshold, "VOX_GENERATION_RETRY_BADCASE_RATIO_THRESHOLD")
	overrideBool(&cfg.Silence.Enabled, "VOX_SILENCE_ENABLED")
	overrideFloat(&cfg.Silence.TopDB, "VOX_SILENCE_TOP_DB")
	overrideInt(&cfg.Silence.FrameLength, "VOX_SILENCE_FRAME_LENGTH")
	overrideInt(&cfg.Silence.HopLength, "VOX_SILENCE_HOP_LENGTH")
	overrideInt(&cfg.Silence.MaxGapMS, "VOX_SILENCE_MAX_GAP_MS")
	overrideInt(&cfg.Silence.TargetGapMS, "VOX_SILENCE_TARGET_GAP_MS")
	overrideString(&cfg.Voices.Directory, "VOX_VOICES_DIRECTORY")
	overrideBool(&cfg.Service.Enabled, "VOX_SERVICE_ENABLED")
	overrideString(&cfg.Service.OutputDir, "VOX_SERVICE_OUTPUT_DIR")
	overrideInt(&cfg.Service.TimeoutMS, "VOX_SERVICE_TIMEOUT_MS")
	overrideInt(&cfg.Service.OutputKeep, "VOX_SERVICE_OUTPUT_KEEP")
	overrideString(&cfg.Service.ReferenceDir, "VOX_SERVICE_REFERENCE_DIR")
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

// ValidateGeneration checks the ranges accepted for guidance scale and
// inference steps.
func ValidateGeneration(cfgValue float64, steps int) error {
	if cfgValue < MinCFGValue || cfgValue > MaxCFGValue {
		return fmt.Errorf("cfg_value must be between %.1f and %.1f", MinCFGValue, MaxCFGValue)
	}
	if steps < MinInferenceTimesteps || steps > MaxInferenceTimesteps {
		return fmt.Errorf("inference_timesteps must be between %d and %d", MinInferenceTimesteps, MaxInferenceTimesteps)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
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
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Denoiser.Enabled && cfg.Denoiser.Command == "" {
		return errors.New("denoiser.command must be set when the denoiser is enabled")
	}
	if err := ValidateGeneration(cfg.Generation.CFGValue, cfg.Generation.InferenceTimesteps); err != nil {
		return fmt.Errorf("generation.%w", err)
	}
	if cfg.Generation.MinLen < 0 {
		return errors.New("generation.min_len must be >= 0")
	}
	if cfg.Generation.MaxLen <= cfg.Generation.MinLen {
		return errors.New("generation.max_len must be greater than min_len")
	}
	if cfg.Generation.RetryBadcaseMaxTimes < 0 {
		return errors.New("generation.retry_badcase_max_times must be >= 0")
	}
	if cfg.Silence.Enabled {
		if cfg.Silence.TopDB <= 0 {
			return errors.New("silence.top_db must be positive")
		}
		if cfg.Silence.TargetGapMS < 0 || cfg.Silence.TargetGapMS > cfg.Silence.MaxGapMS {
			return errors.New("silence.target_gap_ms must be between 0 and max_gap_ms")
		}
	}
	if cfg.Voices.Directory == "" {
		return errors.New("voices.directory must not be empty")
	}
	if cfg.Service.Enabled {
		if cfg.Service.OutputDir == "" {
			return errors.New("service.output_dir must not be empty when the service is enabled")
		}
		if cfg.Service.TimeoutMS <= 0 {
			return errors.New("service.timeout_ms must be positive")
		}
		if cfg.Service.OutputKeep < 0 {
			return errors.New("service.output_keep must be >= 0")
		}
	}
	return nil
}
