package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeySource names where the process secret is loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "env"
	KeySourceKeyring KeySource = "keyring"
	KeySourceFile    KeySource = "file"
)

// KeyConfig selects the single source of the process secret.
type KeyConfig struct {
	Source      KeySource
	EnvVar      string
	File        string
	KeyringItem string
}

// KeyStore is the subset of a keyring needed to load the secret.
type KeyStore interface {
	Get(key string) (string, error)
}

// ErrNoKey is returned when the configured source holds no secret.
var ErrNoKey = errors.New("vault key not configured")

// LoadKey reads the base64-encoded process secret from the configured
// source. ring may be nil unless Source is KeySourceKeyring.
func LoadKey(cfg KeyConfig, ring KeyStore) ([]byte, error) {
	var encoded string

	switch cfg.Source {
	case KeySourceEnv:
		encoded = os.Getenv(cfg.EnvVar)
		if encoded == "" {
			return nil, fmt.Errorf("reading %s: %w", cfg.EnvVar, ErrNoKey)
		}

	case KeySourceFile:
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading key file %s: %w", cfg.File, ErrNoKey)
			}
			return nil, fmt.Errorf("reading key file %s: %w", cfg.File, err)
		}
		encoded = string(data)

	case KeySourceKeyring:
		if ring == nil {
			return nil, fmt.Errorf("keyring source selected without a keyring: %w", ErrNoKey)
		}
		value, err := ring.Get(cfg.KeyringItem)
		if err != nil {
			return nil, fmt.Errorf("reading keyring item %q: %w", cfg.KeyringItem, err)
		}
		encoded = value

	default:
		return nil, fmt.Errorf("unknown vault key source %q", cfg.Source)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding vault key: %w", err)
	}
	if len(key) < MinSecretLen {
		return nil, fmt.Errorf("vault key must be at least %d bytes", MinSecretLen)
	}
	return key, nil
}
