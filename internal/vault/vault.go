// Package vault seals small secrets (OAuth tokens, tool credentials,
// tunnel config) under a single AES-256-GCM key kept next to them on disk.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrKeyUnavailable means the key file could not be created or read.
	ErrKeyUnavailable = errors.New("vault key unavailable")
	// ErrIntegrity means an envelope failed GCM tag verification.
	ErrIntegrity = errors.New("vault integrity check failed")
	// ErrNotFound means no envelope is stored under the requested name.
	ErrNotFound = errors.New("vault entry not found")
)

const (
	keyFileName = "key.secret"
	keySize     = 32
	ivSize      = 12
	tagSize     = 16
)

// Envelope is the sealed on-disk form. Fields are base64 in JSON so a
// stored file is inspectable without being decryptable.
type Envelope struct {
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"data"`
}

// Vault stores envelopes as <name>.enc files inside dir. The symmetric
// key lives in dir/key.secret and is created lazily on first use.
type Vault struct {
	dir string

	mu  sync.Mutex
	key []byte
}

func New(dir string) *Vault {
	return &Vault{dir: dir}
}

// Seal encrypts blob into a fresh envelope.
func (v *Vault) Seal(blob []byte) (Envelope, error) {
	gcm, err := v.aead()
	if err != nil {
		return Envelope{}, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, blob, nil)
	split := len(sealed) - tagSize
	return Envelope{
		IV:         iv,
		Tag:        sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Open decrypts an envelope. A failed tag check yields ErrIntegrity.
func (v *Vault) Open(env Envelope) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	if len(env.IV) != ivSize || len(env.Tag) != tagSize {
		return nil, ErrIntegrity
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	blob, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return blob, nil
}

// Store writes an envelope under name (stored as <name>.enc, 0600).
func (v *Vault) Store(name string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	if err := os.WriteFile(v.path(name), raw, 0o600); err != nil {
		return fmt.Errorf("write envelope %s: %w", name, err)
	}
	return nil
}

// Load reads the envelope stored under name.
func (v *Vault) Load(name string) (Envelope, error) {
	raw, err := os.ReadFile(v.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return Envelope{}, ErrNotFound
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("read envelope %s: %w", name, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope %s: %w", name, err)
	}
	return env, nil
}

// Delete removes the envelope stored under name, if any.
func (v *Vault) Delete(name string) error {
	err := os.Remove(v.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete envelope %s: %w", name, err)
	}
	return nil
}

// StoreJSON marshals value and seals it under name.
func (v *Vault) StoreJSON(name string, value any) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	env, err := v.Seal(blob)
	if err != nil {
		return err
	}
	return v.Store(name, env)
}

// LoadJSON opens the envelope under name and unmarshals it into out.
func (v *Vault) LoadJSON(name string, out any) error {
	env, err := v.Load(name)
	if err != nil {
		return err
	}
	blob, err := v.Open(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (v *Vault) path(name string) string {
	return filepath.Join(v.dir, name+".enc")
}

func (v *Vault) aead() (cipher.AEAD, error) {
	key, err := v.loadKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return gcm, nil
}

func (v *Vault) loadKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return v.key, nil
	}

	path := filepath.Join(v.dir, keyFileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != keySize {
			return nil, fmt.Errorf("%w: key file is %d bytes, want %d", ErrKeyUnavailable, len(raw), keySize)
		}
		v.key = raw
		return v.key, nil
	case errors.Is(err, os.ErrNotExist):
		// Created lazily on first use.
	default:
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	v.key = key
	return v.key, nil
}
