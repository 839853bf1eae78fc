package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port           int64       `json:"port" env:"PORT"`
	AllowedOrigins []string    `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RedisServer    RedisServer `json:"redis_server" envPrefix:"REDIS_"`
	PushProvider   string      `json:"push_provider" env:"PUSH_PROVIDER"`
	OneSignal      OneSignal   `json:"onesignal" envPrefix:"ONESIGNAL_"`
	FCM            FCM         `json:"fcm" envPrefix:"FCM_"`
	Fallback       Fallback    `json:"fallback" envPrefix:"FALLBACK_"`
	Session        Session     `json:"session" envPrefix:"SESSION_"`
}

// RedisServer configures the durable fallback store. An empty Addr selects the in-memory store.
type RedisServer struct {
	Addr     string `json:"addr" env:"ADDR"`
	User     string `json:"user" env:"USER"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
}

// OneSignal configures push. Push is disabled unless both AppID and APIKey are set.
type OneSignal struct {
	AppID   string   `json:"app_id" env:"APP_ID"`
	APIKey  string   `json:"api_key" env:"API_KEY"`
	URL     string   `json:"url" env:"URL"`
	Timeout Duration `json:"timeout" env:"TIMEOUT"`
}

// FCM configures push through Firebase Cloud Messaging. CredentialsFile is a service
// account key; ProjectID defaults to the one in that key.
type FCM struct {
	ProjectID       string   `json:"project_id" env:"PROJECT_ID"`
	CredentialsFile string   `json:"credentials_file" env:"CREDENTIALS_FILE"`
	URL             string   `json:"url" env:"URL"`
	Timeout         Duration `json:"timeout" env:"TIMEOUT"`
}

// Push providers selectable with PushProvider.
const (
	PushOneSignal = "onesignal"
	PushFCM       = "fcm"
)

// Fallback configures the store-backed delivery path.
type Fallback struct {
	Retention  Duration `json:"retention" env:"RETENTION"`
	PollWindow Duration `json:"poll_window" env:"POLL_WINDOW"`
	PollLimit  int      `json:"poll_limit" env:"POLL_LIMIT"`
}

// Session configures live websocket sessions.
type Session struct {
	SendBuffer  int      `json:"send_buffer" env:"SEND_BUFFER"`
	PingRate    float64  `json:"ping_rate" env:"PING_RATE"`
	PingBurst   int      `json:"ping_burst" env:"PING_BURST"`
	PongTimeout Duration `json:"pong_timeout" env:"PONG_TIMEOUT"`
}

// Duration reads "30s" style values from both JSON and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when neither file nor environment say otherwise.
func Default() Config {
	return Config{
		Port:           3001,
		AllowedOrigins: []string{"*"},
		PushProvider:   PushOneSignal,
		OneSignal: OneSignal{
			Timeout: Duration{10 * time.Second},
		},
		FCM: FCM{
			Timeout: Duration{10 * time.Second},
		},
		Fallback: Fallback{
			Retention:  Duration{24 * time.Hour},
			PollWindow: Duration{30 * time.Second},
			PollLimit:  5,
		},
		Session: Session{
			SendBuffer:  32,
			PingRate:    5,
			PingBurst:   10,
			PongTimeout: Duration{60 * time.Second},
		},
	}
}

// LoadConfig loads the configuration from a file, then applies environment overrides.
// An empty file name skips the file.
func LoadConfig(file string) (*Config, error) {
	cfg := Default()
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("fail to parse env, err: %w", err)
	}
	return &cfg, nil
}

func loadFile(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("fail to open config file %s, err: %w", file, err)
	}
	defer func(f *os.File) {
		err := f.Close()
		if err != nil {
			fmt.Println("fail to close file", err)
		}
	}(f)
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("fail to decode config file %s, err: %w", file, err)
	}
	return nil
}

// PushEnabled reports whether the selected push provider has its credentials.
func (c Config) PushEnabled() bool {
	switch c.PushProvider {
	case PushFCM:
		return c.FCM.CredentialsFile != ""
	case PushOneSignal, "":
		return c.OneSignal.AppID != "" && c.OneSignal.APIKey != ""
	}
	return false
}
