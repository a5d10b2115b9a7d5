package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so config values can be written as "120s" or
// "15m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full bot configuration surface.
type Config struct {
	Node    NodeConfig    `toml:"Node"`
	Bot     BotConfig     `toml:"Bot"`
	HTTP    HTTPConfig    `toml:"HTTP"`
	Storage StorageConfig `toml:"Storage"`
	Log     LogConfig     `toml:"Log"`
}

// NodeConfig names the active network and the node endpoints per network.
type NodeConfig struct {
	Network string           `toml:"Network"`
	Mainnet []EndpointConfig `toml:"Mainnet"`
	Testnet []EndpointConfig `toml:"Testnet"`
	Private []EndpointConfig `toml:"Private"`
}

type EndpointConfig struct {
	Host string `toml:"Host"`
	Port int    `toml:"Port"`
}

// Endpoints returns the endpoint list of the active network.
func (n NodeConfig) Endpoints() []EndpointConfig {
	switch n.Network {
	case "mainnet":
		return n.Mainnet
	case "private":
		return n.Private
	default:
		return n.Testnet
	}
}

// BotConfig selects the enabled modes and their per-mode settings.
type BotConfig struct {
	Name  string     `toml:"Name"`
	Modes []string   `toml:"Modes"`
	Read  ReadConfig `toml:"Read"`
	Sign  SignConfig `toml:"Sign"`
}

// HasMode reports whether a mode is enabled; "all" enables everything.
func (b BotConfig) HasMode(mode string) bool {
	for _, m := range b.Modes {
		if m == mode || m == "all" {
			return true
		}
	}
	return false
}

// ReadConfig drives payment-channel watching.
type ReadConfig struct {
	WalletAddress  string   `toml:"WalletAddress"`
	RequireMessage bool     `toml:"RequireMessage"`
	PollInterval   Duration `toml:"PollInterval"`
	WatchDuration  Duration `toml:"WatchDuration"`
}

// SignConfig drives the multisig cosignatory. The private key and HTTP auth
// token are read from the named environment variables, never from the file.
type SignConfig struct {
	MultisigAddress  string   `toml:"MultisigAddress"`
	PrivateKeyEnv    string   `toml:"PrivateKeyEnv"`
	AcceptFrom       []string `toml:"AcceptFrom"`
	DailyCap         int64    `toml:"DailyCap"`
	SpendingWindow   Duration `toml:"SpendingWindow"`
	BroadcastRetries int      `toml:"BroadcastRetries"`
	PolicyFile       string   `toml:"PolicyFile"`
}

// HTTPConfig configures the control API.
type HTTPConfig struct {
	ListenAddress string `toml:"ListenAddress"`
	Protected     bool   `toml:"Protected"`
	AuthTokenEnv  string `toml:"AuthTokenEnv"`
}

type StorageConfig struct {
	Path string `toml:"Path"`
}

type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// Load loads the configuration from the given path. When no file exists yet a
// starter file is written and an error is returned, since the starter cannot
// name the wallet to watch.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("config: wrote starter configuration to %s, set Bot.Read.WalletAddress and restart", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Node.Network == "" {
		cfg.Node.Network = "testnet"
	}
	if cfg.Bot.Name == "" {
		cfg.Bot.Name = "payrelay"
	}
	if len(cfg.Bot.Modes) == 0 {
		cfg.Bot.Modes = []string{"read"}
	}
	if cfg.Bot.Read.PollInterval.Duration == 0 {
		cfg.Bot.Read.PollInterval.Duration = 120 * time.Second
	}
	if cfg.Bot.Read.WatchDuration.Duration == 0 {
		cfg.Bot.Read.WatchDuration.Duration = 15 * time.Minute
	}
	if cfg.Bot.Sign.PrivateKeyEnv == "" {
		cfg.Bot.Sign.PrivateKeyEnv = "PAYRELAY_SIGN_KEY"
	}
	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = ":29081"
	}
	if cfg.HTTP.AuthTokenEnv == "" {
		cfg.HTTP.AuthTokenEnv = "PAYRELAY_AUTH_TOKEN"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "payrelay.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
}

// createDefault saves a starter configuration file.
func createDefault(path string) error {
	cfg := &Config{
		Node: NodeConfig{
			Network: "testnet",
			Testnet: []EndpointConfig{{Host: "localhost", Port: 7890}},
		},
	}
	applyDefaults(cfg)
	return persist(path, cfg)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
