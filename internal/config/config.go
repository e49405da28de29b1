package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "MSGSYNC"

type Markers struct {
	Driver string `validate:"oneof=sqlite postgres pebble valkey memory"`
	DSN    string `validate:"required_if=Driver sqlite,required_if=Driver postgres"`
	Path   string `validate:"required_if=Driver pebble"`
	Addr   string `validate:"required_if=Driver valkey"`
}

type DevServer struct {
	Addr      string        `validate:"required"`
	DBDriver  string        `validate:"oneof=sqlite3 postgres"`
	DSN       string        `validate:"required"`
	JWTSecret string        `validate:"required,min=16"`
	TokenTTL  time.Duration `validate:"gt=0"`
}

type Config struct {
	BaseURL  string `validate:"required,url"`
	Token    string
	UserID   string
	Username string

	PollInterval       time.Duration `validate:"gt=0"`
	SettleDelay        time.Duration `validate:"gte=0"`
	ReconcileTolerance time.Duration `validate:"gt=0"`
	RequestTimeout     time.Duration `validate:"gt=0"`

	NudgeURL   string `validate:"omitempty,url"`
	NudgeBurst int    `validate:"gte=1"`

	LogLevel    string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat   string `validate:"omitempty,oneof=console json"`
	MetricsAddr string

	Markers   Markers
	DevServer DevServer
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://localhost:8080/api/messages")
	v.SetDefault("poll_interval", 10*time.Second)
	v.SetDefault("settle_delay", time.Second)
	v.SetDefault("reconcile_tolerance", 30*time.Second)
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("nudge_burst", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("markers.driver", "sqlite")
	v.SetDefault("markers.dsn", "msgsync-markers.db")
	v.SetDefault("markers.path", "msgsync-markers")
	v.SetDefault("markers.addr", "localhost:6379")
	v.SetDefault("devserver.addr", ":8080")
	v.SetDefault("devserver.db_driver", "sqlite3")
	v.SetDefault("devserver.dsn", "msgsync-dev.db")
	v.SetDefault("devserver.jwt_secret", "dev-secret-change-me-in-production")
	v.SetDefault("devserver.token_ttl", 24*time.Hour)
}

// Load reads configuration from defaults, an optional .env file, an optional config file
// and MSGSYNC_* environment variables, in increasing order of precedence.
func Load(configFile, dotEnvFile string) (*Config, error) {
	if dotEnvFile != "" {
		if _, err := os.Stat(dotEnvFile); err == nil {
			if err := godotenv.Load(dotEnvFile); err != nil {
				return nil, errors.Wrapf(err, "load %s", dotEnvFile)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat %s", dotEnvFile)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		BaseURL:            strings.TrimRight(v.GetString("base_url"), "/"),
		Token:              v.GetString("token"),
		UserID:             v.GetString("user_id"),
		Username:           v.GetString("username"),
		PollInterval:       v.GetDuration("poll_interval"),
		SettleDelay:        v.GetDuration("settle_delay"),
		ReconcileTolerance: v.GetDuration("reconcile_tolerance"),
		RequestTimeout:     v.GetDuration("request_timeout"),
		NudgeURL:           v.GetString("nudge_url"),
		NudgeBurst:         v.GetInt("nudge_burst"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		MetricsAddr:        v.GetString("metrics_addr"),
		Markers: Markers{
			Driver: v.GetString("markers.driver"),
			DSN:    v.GetString("markers.dsn"),
			Path:   v.GetString("markers.path"),
			Addr:   v.GetString("markers.addr"),
		},
		DevServer: DevServer{
			Addr:      v.GetString("devserver.addr"),
			DBDriver:  v.GetString("devserver.db_driver"),
			DSN:       v.GetString("devserver.dsn"),
			JWTSecret: v.GetString("devserver.jwt_secret"),
			TokenTTL:  v.GetDuration("devserver.token_ttl"),
		},
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return errors.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return errors.Wrap(err, "invalid config")
	}
	return nil
}
