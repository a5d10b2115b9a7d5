package signer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy decline reasons. Declines are correct refusals, logged and never
// retried; they are not pipeline failures.
var (
	ErrCapExceeded       = errors.New("signer: spending cap exceeded")
	ErrUntrustedCosigner = errors.New("signer: initiator not in cosignatory whitelist")
	ErrWrongMultisig     = errors.New("signer: inner signer is not the configured multisig account")
)

// Policy captures the signing rules for the watched multisig account.
//
// SpendingWindow restricts the cap aggregate to a rolling window. The zero
// value keeps the historical behavior of summing every record ever written:
// the reference deployment named its cap "daily" but never windowed the sum,
// and changing the default would silently change signing behavior.
type Policy struct {
	AcceptFrom     []string      `yaml:"accept_from"`
	DailyCap       int64         `yaml:"daily_cap"`
	SpendingWindow time.Duration `yaml:"spending_window"`
}

// UnmarshalYAML accepts the spending window in Go duration syntax ("24h").
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AcceptFrom     []string `yaml:"accept_from"`
		DailyCap       int64    `yaml:"daily_cap"`
		SpendingWindow string   `yaml:"spending_window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.AcceptFrom = raw.AcceptFrom
	p.DailyCap = raw.DailyCap
	p.SpendingWindow = 0
	if raw.SpendingWindow != "" {
		window, err := time.ParseDuration(raw.SpendingWindow)
		if err != nil {
			return fmt.Errorf("parse spending_window: %w", err)
		}
		p.SpendingWindow = window
	}
	return nil
}

// LoadPolicy reads a signing policy from a YAML file on disk.
func LoadPolicy(path string) (Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()
	var policy Policy
	if err := yaml.NewDecoder(file).Decode(&policy); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	if len(p.AcceptFrom) == 0 {
		return fmt.Errorf("signer: policy requires at least one accept_from public key")
	}
	if p.DailyCap < 0 {
		return fmt.Errorf("signer: daily_cap must be non-negative")
	}
	if p.SpendingWindow < 0 {
		return fmt.Errorf("signer: spending_window must be non-negative")
	}
	return nil
}

// Accepts reports whether the public key is whitelisted as a transaction
// initiator. Keys compare case-insensitively in their hex form.
func (p Policy) Accepts(publicKey string) bool {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(publicKey)), "0x")
	if trimmed == "" {
		return false
	}
	for _, key := range p.AcceptFrom {
		if strings.TrimPrefix(strings.ToLower(strings.TrimSpace(key)), "0x") == trimmed {
			return true
		}
	}
	return false
}

// WindowStart returns the lower bound of the cap aggregate. The zero time
// means no bound.
func (p Policy) WindowStart(now time.Time) time.Time {
	if p.SpendingWindow <= 0 {
		return time.Time{}
	}
	return now.Add(-p.SpendingWindow)
}
