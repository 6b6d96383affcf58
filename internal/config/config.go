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
	LogLevel       string  `yaml:"log_level"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	PrometheusBind string  `yaml:"prometheus_bind"` // empty serves /metrics on the http port
	Traces         string  `yaml:"traces"`          // none, stdout, otlp
	TraceSampling  float64 `yaml:"trace_sampling"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Paths       PathsConfig      `yaml:"paths"`
	Portrait    PortraitConfig   `yaml:"portrait"`
	Render      RenderConfig     `yaml:"render"`
	Avatar      AvatarConfig     `yaml:"avatar"`
	Speech      SpeechConfig     `yaml:"speech"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PathsConfig struct {
	DataDir   string `yaml:"data_dir"`
	AvatarDir string `yaml:"avatar_dir"`
}

type PortraitConfig struct {
	Mode      string            `yaml:"mode"` // synth, http, exec
	URLs      map[string]string `yaml:"urls"`
	Command   string            `yaml:"command"`
	TimeoutMS int               `yaml:"timeout_ms"`
	CacheSize int               `yaml:"cache_size"`
	Size      int               `yaml:"size"`
}

type RenderConfig struct {
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FaceX     int    `yaml:"face_x"`
	FaceY     int    `yaml:"face_y"`
	Format    string `yaml:"format"` // jpeg, png
	Quality   int    `yaml:"quality"`
	Workers   int    `yaml:"workers"`
	StreamFPS int    `yaml:"stream_fps"`
	Label     string `yaml:"label"`
	Watermark string `yaml:"watermark"`
	ShowDebug bool   `yaml:"show_debug"`
}

type AvatarConfig struct {
	DefaultVariant string   `yaml:"default_variant"`
	PreviewID      string   `yaml:"preview_id"`
	Variants       []string `yaml:"variants"`
}

type SpeechConfig struct {
	DefaultVoice  string  `yaml:"default_voice"`
	MaxTextLength int     `yaml:"max_text_length"`
	MinSpeed      float64 `yaml:"min_speed"`
	MaxSpeed      float64 `yaml:"max_speed"`
	ForwardTTS    bool    `yaml:"forward_tts"`
	TTSTarget     string  `yaml:"tts_target"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			Traces:         "none",
			TraceSampling:  0.05,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/avatar-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   5000,
		},
		Paths: PathsConfig{
			DataDir:   "./data",
			AvatarDir: "./data/avatars",
		},
		Portrait: PortraitConfig{
			Mode: "synth",
			URLs: map[string]string{
				"female":  "https://i.pravatar.cc/600?img=5",
				"male":    "https://i.pravatar.cc/600?img=12",
				"default": "https://i.pravatar.cc/600?img=1",
			},
			TimeoutMS: 5000,
			CacheSize: 16,
			Size:      600,
		},
		Render: RenderConfig{
			Width:     1080,
			Height:    1920,
			FaceX:     240,
			FaceY:     300,
			Format:    "jpeg",
			Quality:   90,
			Workers:   4,
			StreamFPS: 10,
			Label:     "INTERACTIVE AVATAR",
			Watermark: "Live Shopping - Interactive Avatar",
			ShowDebug: true,
		},
		Avatar: AvatarConfig{
			DefaultVariant: "female",
			PreviewID:      "avatar_stream",
			Variants:       []string{"female", "male", "default"},
		},
		Speech: SpeechConfig{
			DefaultVoice:  "female",
			MaxTextLength: 500,
			MinSpeed:      0.25,
			MaxSpeed:      4.0,
			TTSTarget:     "default",
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

// HasVariant reports whether v is one of the configured avatar variants.
func (c AvatarConfig) HasVariant(v string) bool {
	for _, known := range c.Variants {
		if known == v {
			return true
		}
	}
	return false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_AVATAR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_AVATAR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_AVATAR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_AVATAR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_AVATAR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_AVATAR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_AVATAR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_AVATAR_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.Traces, "LOQA_AVATAR_TELEMETRY_TRACES")
	overrideFloat(&cfg.Telemetry.TraceSampling, "LOQA_AVATAR_TELEMETRY_TRACE_SAMPLING")
	overrideBool(&cfg.Bus.Enabled, "LOQA_AVATAR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_AVATAR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_AVATAR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_AVATAR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_AVATAR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_AVATAR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_AVATAR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_AVATAR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_AVATAR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "LOQA_AVATAR_BUS_STORE_DIR")
	overrideString(&cfg.EventStore.Path, "LOQA_AVATAR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_AVATAR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_AVATAR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_AVATAR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_AVATAR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Paths.DataDir, "LOQA_AVATAR_DATA_DIR")
	overrideString(&cfg.Paths.AvatarDir, "LOQA_AVATAR_AVATAR_DIR")
	overrideString(&cfg.Portrait.Mode, "LOQA_AVATAR_PORTRAIT_MODE")
	overrideString(&cfg.Portrait.Command, "LOQA_AVATAR_PORTRAIT_COMMAND")
	overrideInt(&cfg.Portrait.TimeoutMS, "LOQA_AVATAR_PORTRAIT_TIMEOUT_MS")
	overrideInt(&cfg.Portrait.CacheSize, "LOQA_AVATAR_PORTRAIT_CACHE_SIZE")
	overrideInt(&cfg.Portrait.Size, "LOQA_AVATAR_PORTRAIT_SIZE")
	overrideInt(&cfg.Render.Width, "LOQA_AVATAR_RENDER_WIDTH")
	overrideInt(&cfg.Render.Height, "LOQA_AVATAR_RENDER_HEIGHT")
	overrideInt(&cfg.Render.FaceX, "LOQA_AVATAR_RENDER_FACE_X")
	overrideInt(&cfg.Render.FaceY, "LOQA_AVATAR_RENDER_FACE_Y")
	overrideString(&cfg.Render.Format, "LOQA_AVATAR_RENDER_FORMAT")
	overrideInt(&cfg.Render.Quality, "LOQA_AVATAR_RENDER_QUALITY")
	overrideInt(&cfg.Render.Workers, "LOQA_AVATAR_RENDER_WORKERS")
	overrideInt(&cfg.Render.StreamFPS, "LOQA_AVATAR_RENDER_STREAM_FPS")
	overrideString(&cfg.Render.Label, "LOQA_AVATAR_RENDER_LABEL")
	overrideString(&cfg.Render.Watermark, "LOQA_AVATAR_RENDER_WATERMARK")
	overrideBool(&cfg.Render.ShowDebug, "LOQA_AVATAR_RENDER_SHOW_DEBUG")
	overrideString(&cfg.Avatar.DefaultVariant, "LOQA_AVATAR_DEFAULT_VARIANT")
	overrideString(&cfg.Avatar.PreviewID, "LOQA_AVATAR_PREVIEW_ID")
	overrideStringSlice(&cfg.Avatar.Variants, "LOQA_AVATAR_VARIANTS")
	overrideString(&cfg.Speech.DefaultVoice, "LOQA_AVATAR_SPEECH_DEFAULT_VOICE")
	overrideInt(&cfg.Speech.MaxTextLength, "LOQA_AVATAR_SPEECH_MAX_TEXT_LENGTH")
	overrideFloat(&cfg.Speech.MinSpeed, "LOQA_AVATAR_SPEECH_MIN_SPEED")
	overrideFloat(&cfg.Speech.MaxSpeed, "LOQA_AVATAR_SPEECH_MAX_SPEED")
	overrideBool(&cfg.Speech.ForwardTTS, "LOQA_AVATAR_SPEECH_FORWARD_TTS")
	overrideString(&cfg.Speech.TTSTarget, "LOQA_AVATAR_SPEECH_TTS_TARGET")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceSampling < 0 || cfg.Telemetry.TraceSampling > 1 {
		return errors.New("telemetry.trace_sampling must be between 0 and 1")
	}
	if cfg.Paths.DataDir == "" {
		return errors.New("paths.data_dir must not be empty")
	}
	if cfg.Paths.AvatarDir == "" {
		return errors.New("paths.avatar_dir must not be empty")
	}
	switch cfg.Portrait.Mode {
	case "synth", "http", "exec":
	default:
		return errors.New("portrait.mode must be one of synth|http|exec")
	}
	if cfg.Portrait.Mode == "exec" && cfg.Portrait.Command == "" {
		return errors.New("portrait.command must be set when mode=exec")
	}
	if cfg.Portrait.Mode == "http" && len(cfg.Portrait.URLs) == 0 {
		return errors.New("portrait.urls must not be empty when mode=http")
	}
	if cfg.Portrait.TimeoutMS <= 0 {
		return errors.New("portrait.timeout_ms must be positive")
	}
	if cfg.Portrait.CacheSize <= 0 {
		return errors.New("portrait.cache_size must be >= 1")
	}
	if cfg.Portrait.Size < 64 {
		return errors.New("portrait.size must be >= 64")
	}
	if cfg.Render.Width <= 0 || cfg.Render.Height <= 0 {
		return errors.New("render.width and render.height must be positive")
	}
	if cfg.Render.Width*16 != cfg.Render.Height*9 {
		return errors.New("render.width and render.height must have a 9:16 aspect ratio")
	}
	if cfg.Render.FaceX < 0 || cfg.Render.FaceY < 0 ||
		cfg.Render.FaceX+cfg.Portrait.Size > cfg.Render.Width ||
		cfg.Render.FaceY+cfg.Portrait.Size > cfg.Render.Height {
		return errors.New("render.face_x/face_y must place the portrait inside the frame")
	}
	switch cfg.Render.Format {
	case "jpeg":
		if cfg.Render.Quality < 1 || cfg.Render.Quality > 100 {
			return errors.New("render.quality must be between 1 and 100")
		}
	case "png":
	default:
		return errors.New("render.format must be one of jpeg|png")
	}
	if cfg.Render.Workers <= 0 {
		return errors.New("render.workers must be >= 1")
	}
	if cfg.Render.StreamFPS <= 0 || cfg.Render.StreamFPS > 60 {
		return errors.New("render.stream_fps must be between 1 and 60")
	}
	if len(cfg.Avatar.Variants) == 0 {
		return errors.New("avatar.variants must not be empty")
	}
	if !cfg.Avatar.HasVariant(cfg.Avatar.DefaultVariant) {
		return errors.New("avatar.default_variant must be one of avatar.variants")
	}
	if cfg.Avatar.PreviewID == "" {
		return errors.New("avatar.preview_id must not be empty")
	}
	if cfg.Speech.MaxTextLength <= 0 {
		return errors.New("speech.max_text_length must be positive")
	}
	if cfg.Speech.MinSpeed <= 0 || cfg.Speech.MaxSpeed < cfg.Speech.MinSpeed {
		return errors.New("speech.min_speed must be positive and not exceed speech.max_speed")
	}
	if cfg.Speech.ForwardTTS && cfg.Speech.TTSTarget == "" {
		return errors.New("speech.tts_target must be set when forward_tts is enabled")
	}
	return nil
}
