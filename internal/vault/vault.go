package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Scheme tags how a sealed credential was produced.
type Scheme string

const (
	// SchemeLegacy is a reversible base64 encoding kept for rows written
	// before encryption was introduced. It offers no confidentiality.
	SchemeLegacy Scheme = "legacy-b64"

	// SchemeAESGCM is AES-256-GCM with a random nonce prefix.
	SchemeAESGCM Scheme = "aes256-gcm"
)

// DefaultScheme is used for every new write.
const DefaultScheme = SchemeAESGCM

// MinSecretLen is the shortest process secret accepted by New.
const MinSecretLen = 16

const hkdfInfo = "maildigest credential vault v1"

// Valid reports whether s is a scheme this package can decrypt.
func (s Scheme) Valid() bool {
	return s == SchemeLegacy || s == SchemeAESGCM
}

// Sealed is an encrypted credential tagged with the scheme that produced it.
type Sealed struct {
	Scheme     Scheme
	Ciphertext []byte
}

// String renders the sealed value as "scheme:base64".
func (s Sealed) String() string {
	return string(s.Scheme) + ":" + base64.StdEncoding.EncodeToString(s.Ciphertext)
}

// IsZero reports whether no credential is stored.
func (s Sealed) IsZero() bool {
	return s.Scheme == "" && len(s.Ciphertext) == 0
}

// ParseSealed parses the text form produced by Sealed.String.
func ParseSealed(text string) (Sealed, error) {
	tag, payload, ok := strings.Cut(text, ":")
	if !ok {
		return Sealed{}, &DecryptionError{Reason: "missing scheme tag"}
	}
	scheme := Scheme(tag)
	if !scheme.Valid() {
		return Sealed{}, &DecryptionError{Scheme: scheme, Reason: "unsupported scheme"}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Sealed{}, &DecryptionError{Scheme: scheme, Reason: "corrupt encoding", Err: err}
	}
	return Sealed{Scheme: scheme, Ciphertext: raw}, nil
}

// Vault encrypts and decrypts account credentials and stored secrets.
// A Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AES-256 key from the process secret and returns a Vault.
func New(secret []byte) (*Vault, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("vault secret must be at least %d bytes", MinSecretLen)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext with the default scheme.
func (v *Vault) Seal(plaintext []byte) (Sealed, error) {
	return v.Encrypt(plaintext, DefaultScheme)
}

// Encrypt seals plaintext under the given scheme.
func (v *Vault) Encrypt(plaintext []byte, scheme Scheme) (Sealed, error) {
	switch scheme {
	case SchemeLegacy:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
		base64.StdEncoding.Encode(out, plaintext)
		return Sealed{Scheme: SchemeLegacy, Ciphertext: out}, nil

	case SchemeAESGCM:
		nonce := make([]byte, v.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return Sealed{}, fmt.Errorf("generating nonce: %w", err)
		}
		// The scheme tag is bound as additional data.
		ct := v.aead.Seal(nonce, nonce, plaintext, []byte(scheme))
		return Sealed{Scheme: SchemeAESGCM, Ciphertext: ct}, nil

	default:
		return Sealed{}, fmt.Errorf("encrypting: unsupported scheme %q", scheme)
	}
}

// Decrypt recovers the plaintext of a sealed credential. It fails with
// a *DecryptionError on a key mismatch, corrupt input or an unknown scheme.
func (v *Vault) Decrypt(s Sealed) ([]byte, error) {
	switch s.Scheme {
	case SchemeLegacy:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(s.Ciphertext)))
		n, err := base64.StdEncoding.Decode(out, s.Ciphertext)
		if err != nil {
			return nil, &DecryptionError{Scheme: s.Scheme, Reason: "corrupt encoding", Err: err}
		}
		return out[:n], nil

	case SchemeAESGCM:
		ns := v.aead.NonceSize()
		if len(s.Ciphertext) < ns+v.aead.Overhead() {
			return nil, &DecryptionError{Scheme: s.Scheme, Reason: "ciphertext too short"}
		}
		nonce, ct := s.Ciphertext[:ns], s.Ciphertext[ns:]
		plain, err := v.aead.Open(nil, nonce, ct, []byte(s.Scheme))
		if err != nil {
			return nil, &DecryptionError{Scheme: s.Scheme, Reason: "authentication failed", Err: err}
		}
		return plain, nil

	default:
		return nil, &DecryptionError{Scheme: s.Scheme, Reason: "unsupported scheme"}
	}
}

// Rewrap decrypts s and seals the plaintext under target. A value already
// in the target scheme is returned unchanged.
func (v *Vault) Rewrap(s Sealed, target Scheme) (Sealed, error) {
	if s.Scheme == target {
		return s, nil
	}
	plain, err := v.Decrypt(s)
	if err != nil {
		return Sealed{}, err
	}
	return v.Encrypt(plain, target)
}
