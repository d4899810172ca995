package exchange

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Credential is one user's API key set for one venue, as stored in
// bot_exchange_configs. Key material is sealed at rest; only the Sealer can
// recover plaintext, and plaintext never appears in logs or errors.
type Credential struct {
	ID       int64  `db:"id"`
	UserID   int64  `db:"user_id"`
	Exchange string `db:"exchange"`
	Label    string `db:"label"`
	Testnet  bool   `db:"testnet"`
	Active   bool   `db:"active"`

	SealedKey        []byte `db:"api_key_enc"`
	SealedSecret     []byte `db:"api_secret_enc"`
	SealedPassphrase []byte `db:"api_passphrase_enc"`
}

// Keys is a decrypted credential. Keep instances short-lived and never log
// them.
type Keys struct {
	Key        string
	Secret     string
	Passphrase string
}

// Sealer encrypts and decrypts credential fields with AES-256-GCM. The key
// is derived from the configured master key: a 64-char hex string is used
// directly, anything else is hashed with SHA-256.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from the master key string. An empty master key
// is an error; run with dry_run to operate without credentials.
func NewSealer(masterKey string) (*Sealer, error) {
	if masterKey == "" {
		return nil, errors.New("master key is empty")
	}
	key := deriveKey(masterKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func deriveKey(masterKey string) []byte {
	if len(masterKey) == 64 {
		if raw, err := hex.DecodeString(masterKey); err == nil {
			return raw
		}
	}
	sum := sha256.Sum256([]byte(masterKey))
	return sum[:]
}

// Seal encrypts plain. The nonce is prepended to the ciphertext.
func (s *Sealer) Seal(plain string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(plain), nil), nil
}

// Open decrypts a sealed field produced by Seal.
func (s *Sealer) Open(sealed []byte) (string, error) {
	if len(sealed) < s.aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("unseal failed")
	}
	return string(plain), nil
}

// OpenKeys decrypts all sealed fields of a credential. An unset passphrase
// stays empty.
func (s *Sealer) OpenKeys(c *Credential) (Keys, error) {
	var k Keys
	var err error
	if k.Key, err = s.Open(c.SealedKey); err != nil {
		return Keys{}, fmt.Errorf("credential %d key: %w", c.ID, err)
	}
	if k.Secret, err = s.Open(c.SealedSecret); err != nil {
		return Keys{}, fmt.Errorf("credential %d secret: %w", c.ID, err)
	}
	if len(c.SealedPassphrase) > 0 {
		if k.Passphrase, err = s.Open(c.SealedPassphrase); err != nil {
			return Keys{}, fmt.Errorf("credential %d passphrase: %w", c.ID, err)
		}
	}
	return k, nil
}
