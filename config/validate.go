package config

import (
	"fmt"
	"strings"

	"payrelay/crypto"
)

var validModes = map[string]bool{"read": true, "sign": true, "all": true}

// Validate rejects configurations that cannot start cleanly, with messages
// pointing at the offending field.
func (c *Config) Validate() error {
	switch c.Node.Network {
	case "mainnet", "testnet", "private":
	default:
		return fmt.Errorf("config: Node.Network must be mainnet, testnet, or private, got %q", c.Node.Network)
	}
	endpoints := c.Node.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("config: no endpoints configured for network %q", c.Node.Network)
	}
	for i, ep := range endpoints {
		if strings.TrimSpace(ep.Host) == "" {
			return fmt.Errorf("config: endpoint %d for network %q has an empty host", i, c.Node.Network)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("config: endpoint %d for network %q has invalid port %d", i, c.Node.Network, ep.Port)
		}
	}

	for _, mode := range c.Bot.Modes {
		if !validModes[mode] {
			return fmt.Errorf("config: unknown mode %q (valid: read, sign, all)", mode)
		}
	}

	if c.Bot.HasMode("read") {
		if strings.TrimSpace(c.Bot.Read.WalletAddress) == "" {
			return fmt.Errorf("config: read mode requires Bot.Read.WalletAddress")
		}
		if _, err := crypto.DecodeAddress(c.Bot.Read.WalletAddress); err != nil {
			return fmt.Errorf("config: Bot.Read.WalletAddress: %w", err)
		}
	}
	if c.Bot.HasMode("sign") {
		if strings.TrimSpace(c.Bot.Sign.MultisigAddress) == "" {
			return fmt.Errorf("config: sign mode requires Bot.Sign.MultisigAddress")
		}
		if _, err := crypto.DecodeAddress(c.Bot.Sign.MultisigAddress); err != nil {
			return fmt.Errorf("config: Bot.Sign.MultisigAddress: %w", err)
		}
		if strings.TrimSpace(c.Bot.Sign.PrivateKeyEnv) == "" {
			return fmt.Errorf("config: sign mode requires Bot.Sign.PrivateKeyEnv")
		}
		if len(c.Bot.Sign.AcceptFrom) == 0 && strings.TrimSpace(c.Bot.Sign.PolicyFile) == "" {
			return fmt.Errorf("config: sign mode requires Bot.Sign.AcceptFrom or a Bot.Sign.PolicyFile")
		}
		if c.Bot.Sign.DailyCap < 0 {
			return fmt.Errorf("config: Bot.Sign.DailyCap must be non-negative")
		}
		if c.Bot.Sign.BroadcastRetries < 0 {
			return fmt.Errorf("config: Bot.Sign.BroadcastRetries must be non-negative")
		}
	}
	return nil
}

// AddressPrefix maps the active network to its bech32 address prefix.
func (c *Config) AddressPrefix() crypto.AddressPrefix {
	switch c.Node.Network {
	case "mainnet":
		return crypto.MainnetPrefix
	case "private":
		return crypto.PrivatePrefix
	default:
		return crypto.TestnetPrefix
	}
}
