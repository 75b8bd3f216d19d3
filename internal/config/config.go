package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=0"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	Secret     string        `mapstructure:"secret" validate:"required"`
	LogLevel   string        `mapstructure:"log_level"`

	DID    DIDConfig    `mapstructure:"did"`
	OpenAI OpenAIConfig `mapstructure:"openai"`
	RTC    RTCConfig    `mapstructure:"rtc"`
	Watch  WatchConfig  `mapstructure:"watch"`
	Ask    AskConfig    `mapstructure:"ask"`
}

type DIDConfig struct {
	APIKey    string         `mapstructure:"api_key" validate:"required"`
	BaseURL   string         `mapstructure:"base_url" validate:"required,url"`
	SourceURL string         `mapstructure:"source_url" validate:"required,url"`
	DriverURL string         `mapstructure:"driver_url" validate:"required"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Voice     VoiceConfig    `mapstructure:"voice"`
	Streaming map[string]any `mapstructure:"streaming"`
}

type VoiceConfig struct {
	Provider string `mapstructure:"provider" validate:"required"`
	VoiceID  string `mapstructure:"voice_id" validate:"required"`
}

type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key" validate:"required"`
	BaseURL      string `mapstructure:"base_url" validate:"omitempty,url"`
	Model        string `mapstructure:"model" validate:"required"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTokens    int64  `mapstructure:"max_tokens" validate:"min=0"`
}

type RTCConfig struct {
	// ICEServers are offered to viewer peer connections.
	ICEServers []string `mapstructure:"ice_servers"`
	PionLevel  string   `mapstructure:"pion_log_level"`
}

type WatchConfig struct {
	Buffer int    `mapstructure:"buffer" validate:"min=1"`
	Policy string `mapstructure:"policy" validate:"oneof=drop replace kick"`
}

type AskConfig struct {
	Limit    int           `mapstructure:"limit" validate:"min=0"`
	Interval time.Duration `mapstructure:"interval"`
}

func defaultStreaming() map[string]any {
	return map[string]any{
		"fluent":    true,
		"pad_audio": 0,
		"driver_expressions": map[string]any{
			"expressions":       []any{map[string]any{"expression": "neutral", "start_frame": 0, "intensity": 0}},
			"transition_frames": 0,
		},
		"align_driver":         true,
		"align_expand_factor":  0,
		"auto_match":           true,
		"motion_factor":        0,
		"normalization_factor": 0,
		"sharpen":              true,
		"stitch":               true,
		"result_format":        "mp4",
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("did.base_url", "https://api.d-id.com")
	v.SetDefault("did.source_url", "https://raw.githubusercontent.com/jjmlovesgit/D-id_Streaming_Chatgpt/main/oracle_pic.jpg")
	v.SetDefault("did.driver_url", "bank://fun/")
	v.SetDefault("did.timeout", "30s")
	v.SetDefault("did.voice.provider", "microsoft")
	v.SetDefault("did.voice.voice_id", "en-US-ChristopherNeural")
	v.SetDefault("did.streaming", defaultStreaming())

	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 256)

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.pion_log_level", "warn")

	v.SetDefault("watch.buffer", 8)
	v.SetDefault("watch.policy", "replace")

	v.SetDefault("ask.limit", 5)
	v.SetDefault("ask.interval", "1m")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then env, then flags from args.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Int("port", 8080, "listen port")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := *configPath
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		if *configPath != "" {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	v.SetEnvPrefix("AVATAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range map[string][]string{
		"did.api_key":    {"DID_API_KEY", "AVATAR_DID_API_KEY"},
		"openai.api_key": {"OPENAI_API_KEY", "AVATAR_OPENAI_API_KEY"},
		"secret":         {"AVATAR_SECRET"},
	} {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if fs.Changed("port") {
		if err := v.BindPFlag("port", fs.Lookup("port")); err != nil {
			return nil, fmt.Errorf("bind port flag: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}
