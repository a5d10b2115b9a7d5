package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"payrelay/crypto"
)

func testAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.PrivateKeyFromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	return key.PubKey().Address(crypto.TestnetPrefix).String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWritesStarterFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payrelay.toml")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "starter configuration")

	var cfg Config
	_, err = toml.DecodeFile(path, &cfg)
	require.NoError(t, err)
	require.Equal(t, "testnet", cfg.Node.Network)
	require.Len(t, cfg.Node.Testnet, 1)
	require.Equal(t, "localhost", cfg.Node.Testnet[0].Host)
	require.Equal(t, []string{"read"}, cfg.Bot.Modes)
}

func TestLoadValidConfig(t *testing.T) {
	wallet := testAddress(t)
	path := writeConfig(t, fmt.Sprintf(`
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "10.0.0.5"
Port = 7890

[Bot]
Name = "relay-1"
Modes = ["read"]
[Bot.Read]
WalletAddress = %q
RequireMessage = true
PollInterval = "90s"

[HTTP]
ListenAddress = ":8088"
Protected = true

[Log]
Level = "debug"
`, wallet))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "relay-1", cfg.Bot.Name)
	require.Equal(t, wallet, cfg.Bot.Read.WalletAddress)
	require.True(t, cfg.Bot.Read.RequireMessage)
	require.Equal(t, 90*time.Second, cfg.Bot.Read.PollInterval.Duration)
	require.Equal(t, ":8088", cfg.HTTP.ListenAddress)
	require.True(t, cfg.HTTP.Protected)
	require.Equal(t, "debug", cfg.Log.Level)

	endpoints := cfg.Node.Endpoints()
	require.Len(t, endpoints, 1)
	require.Equal(t, "10.0.0.5", endpoints[0].Host)
}

func TestLoadAppliesDefaults(t *testing.T) {
	wallet := testAddress(t)
	path := writeConfig(t, fmt.Sprintf(`
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "localhost"
Port = 7890

[Bot.Read]
WalletAddress = %q
`, wallet))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "payrelay", cfg.Bot.Name)
	require.Equal(t, []string{"read"}, cfg.Bot.Modes)
	require.Equal(t, 120*time.Second, cfg.Bot.Read.PollInterval.Duration)
	require.Equal(t, 15*time.Minute, cfg.Bot.Read.WatchDuration.Duration)
	require.Equal(t, "PAYRELAY_SIGN_KEY", cfg.Bot.Sign.PrivateKeyEnv)
	require.Equal(t, ":29081", cfg.HTTP.ListenAddress)
	require.Equal(t, "PAYRELAY_AUTH_TOKEN", cfg.HTTP.AuthTokenEnv)
	require.Equal(t, "payrelay.db", cfg.Storage.Path)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 50, cfg.Log.MaxSizeMB)
	require.Equal(t, 3, cfg.Log.MaxBackups)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	wallet := testAddress(t)
	cases := map[string]string{
		"unknown network": `
[Node]
Network = "devnet"
`,
		"no endpoints": `
[Node]
Network = "mainnet"
`,
		"bad port": `
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "localhost"
Port = 99999
`,
		"unknown mode": fmt.Sprintf(`
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "localhost"
Port = 7890
[Bot]
Modes = ["watch"]
[Bot.Read]
WalletAddress = %q
`, wallet),
		"read without wallet": `
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "localhost"
Port = 7890
[Bot]
Modes = ["read"]
`,
		"sign without key env or whitelist": `
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "localhost"
Port = 7890
[Bot]
Modes = ["sign"]
`,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestSignModeValidation(t *testing.T) {
	multisig := testAddress(t)
	path := writeConfig(t, fmt.Sprintf(`
[Node]
Network = "testnet"
[[Node.Testnet]]
Host = "localhost"
Port = 7890

[Bot]
Modes = ["sign"]
[Bot.Sign]
MultisigAddress = %q
AcceptFrom = ["02aabbcc"]
DailyCap = 1000
SpendingWindow = "24h"
BroadcastRetries = 2
`, multisig))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, multisig, cfg.Bot.Sign.MultisigAddress)
	require.Equal(t, int64(1000), cfg.Bot.Sign.DailyCap)
	require.Equal(t, 24*time.Hour, cfg.Bot.Sign.SpendingWindow.Duration)
	require.Equal(t, 2, cfg.Bot.Sign.BroadcastRetries)
	require.True(t, cfg.Bot.HasMode("sign"))
	require.False(t, cfg.Bot.HasMode("read"))
}

func TestHasModeAllEnablesEverything(t *testing.T) {
	bot := BotConfig{Modes: []string{"all"}}
	require.True(t, bot.HasMode("read"))
	require.True(t, bot.HasMode("sign"))
}

func TestAddressPrefixPerNetwork(t *testing.T) {
	cfg := &Config{}
	cfg.Node.Network = "mainnet"
	require.Equal(t, crypto.MainnetPrefix, cfg.AddressPrefix())
	cfg.Node.Network = "private"
	require.Equal(t, crypto.PrivatePrefix, cfg.AddressPrefix())
	cfg.Node.Network = "testnet"
	require.Equal(t, crypto.TestnetPrefix, cfg.AddressPrefix())
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2m30s")))
	require.Equal(t, 2*time.Minute+30*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "2m30s", string(text))

	require.Error(t, d.UnmarshalText([]byte("later")))
}
