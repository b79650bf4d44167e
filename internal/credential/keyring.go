package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// DefaultServiceName is the keyring service the master key lives under.
const DefaultServiceName = "maildigest"

// ErrExists is returned by GenerateKey when the item is already present.
var ErrExists = errors.New("keyring item already exists")

// Config selects the keyring service and the file backend directory.
type Config struct {
	ServiceName string
	FileDir     string
	// FilePassword unlocks the encrypted file backend when no OS keychain
	// is available.
	FilePassword string
}

// Ring stores the vault master key and other process secrets in the
// system keyring.
type Ring struct {
	ring keyring.Keyring
}

// Open returns a Ring backed by the first available system keyring.
func Open(cfg Config) (*Ring, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.FileDir == "" {
		cfg.FileDir = "~/.config/maildigest/keyring"
	}
	password := cfg.FilePassword
	if password == "" {
		password = cfg.ServiceName + "-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Ring{ring: ring}, nil
}

// NewRing wraps an already opened keyring.
func NewRing(ring keyring.Keyring) *Ring {
	return &Ring{ring: ring}
}

// Get retrieves a value by key.
func (r *Ring) Get(key string) (string, error) {
	item, err := r.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting keyring item %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a value by key, replacing any previous value.
func (r *Ring) Set(key string, value string) error {
	err := r.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "maildigest " + key,
	})
	if err != nil {
		return fmt.Errorf("setting keyring item %q: %w", key, err)
	}
	return nil
}

// Delete removes a value by key.
func (r *Ring) Delete(key string) error {
	if err := r.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting keyring item %q: %w", key, err)
	}
	return nil
}

// GenerateKey creates a random key of size bytes and stores it base64
// encoded under key. Unless force is set, an existing item is left alone
// and ErrExists is returned.
func (r *Ring) GenerateKey(key string, size int, force bool) error {
	if !force {
		_, err := r.ring.Get(key)
		if err == nil {
			return fmt.Errorf("generating %q: %w", key, ErrExists)
		}
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("checking keyring item %q: %w", key, err)
		}
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generating random key: %w", err)
	}
	return r.Set(key, base64.StdEncoding.EncodeToString(buf))
}
