// Package credentials stores the secrets behind cartridge connections,
// sealed with AES-256-GCM under a key derived from a master secret. Plaintext
// only exists in memory on the way in and out; at rest everything is
// nonce-prefixed ciphertext.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrUnknownConnection is returned by Get for a name that was never sealed.
var ErrUnknownConnection = errors.New("credentials: unknown connection")

const keySize = 32 // AES-256

// DeriveKey stretches a master secret into an AES-256 key via HKDF-SHA256.
// The info string domain-separates this derivation from any other use of the
// same master secret.
func DeriveKey(master, salt []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("credentials: empty master secret")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and decrypts individual values. Seal output is
// base64(nonce || ciphertext); Open inverts it. Open(Seal(x)) == x for any x.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer over a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credentials: key must be %d bytes", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts a value under a fresh random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value.
func (s *Sealer) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(data) < s.aead.NonceSize() {
		return "", errors.New("credentials: sealed value too short")
	}
	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// ConnectionStatus is the metadata a console may show: everything except the
// secret itself.
type ConnectionStatus struct {
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type sealedEntry struct {
	ciphertext string
	createdAt  time.Time
	updatedAt  time.Time
	lastUsedAt *time.Time
}

// Vault is the in-process sealed store for connection secrets, keyed by the
// connection names cartridge manifests declare under requiredConnections.
type Vault struct {
	mu      sync.RWMutex
	sealer  *Sealer
	entries map[string]*sealedEntry
	clock   func() time.Time
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithVaultClock substitutes the time source, for tests.
func WithVaultClock(clock func() time.Time) VaultOption {
	return func(v *Vault) { v.clock = clock }
}

// NewVault derives the sealing key from the master secret and returns an
// empty vault.
func NewVault(master []byte, opts ...VaultOption) (*Vault, error) {
	key, err := DeriveKey(master, nil, "tiller/credentials")
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		sealer:  sealer,
		entries: make(map[string]*sealedEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Put seals and stores a secret under the connection name, replacing any
// previous value.
func (v *Vault) Put(name, secret string) error {
	sealed, err := v.sealer.Seal(secret)
	if err != nil {
		return err
	}
	now := v.clock().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.entries[name]; ok {
		existing.ciphertext = sealed
		existing.updatedAt = now
		return nil
	}
	v.entries[name] = &sealedEntry{ciphertext: sealed, createdAt: now, updatedAt: now}
	return nil
}

// Get opens the secret and marks the connection used.
func (v *Vault) Get(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	secret, err := v.sealer.Open(entry.ciphertext)
	if err != nil {
		return "", err
	}
	now := v.clock().UTC()
	entry.lastUsedAt = &now
	return secret, nil
}

// Has reports whether a connection is present without touching last-used.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[name]
	return ok
}

// Delete removes a connection secret.
func (v *Vault) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, name)
}

// Status returns metadata for one connection.
func (v *Vault) Status(name string) (ConnectionStatus, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.entries[name]
	if !ok {
		return ConnectionStatus{}, false
	}
	status := ConnectionStatus{
		Name:      name,
		CreatedAt: entry.createdAt,
		UpdatedAt: entry.updatedAt,
	}
	if entry.lastUsedAt != nil {
		used := *entry.lastUsedAt
		status.LastUsedAt = &used
	}
	return status, true
}

// ConnectionsFor opens every named secret at once, for cartridge init. Any
// missing name fails the whole lookup: a cartridge must never start with a
// partial connection set.
func (v *Vault) ConnectionsFor(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		secret, err := v.Get(name)
		if err != nil {
			return nil, err
		}
		out[name] = secret
	}
	return out, nil
}

// Rotate re-derives the sealing key from a new master secret and re-seals
// every stored secret under it. On any failure the vault is left unchanged.
func (v *Vault) Rotate(newMaster []byte) error {
	key, err := DeriveKey(newMaster, nil, "tiller/credentials")
	if err != nil {
		return err
	}
	next, err := NewSealer(key)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	resealed := make(map[string]string, len(v.entries))
	for name, entry := range v.entries {
		plaintext, err := v.sealer.Open(entry.ciphertext)
		if err != nil {
			return fmt.Errorf("rotate %s: %w", name, err)
		}
		sealed, err := next.Seal(plaintext)
		if err != nil {
			return fmt.Errorf("rotate %s: %w", name, err)
		}
		resealed[name] = sealed
	}

	now := v.clock().UTC()
	for name, sealed := range resealed {
		v.entries[name].ciphertext = sealed
		v.entries[name].updatedAt = now
	}
	v.sealer = next
	return nil
}
