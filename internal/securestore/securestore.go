// Package securestore implements an encrypted key-value file used for
// credentials (token record, PKCE verifier). Values are sealed individually
// with ChaCha20-Poly1305 under a key derived from a caller-supplied secret,
// so the file on disk never contains plaintext tokens. This store is distinct
// from the response cache, which uses ordinary unencrypted file storage.
package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrNotFound is returned by Get for keys with no stored value.
var ErrNotFound = errors.New("securestore: key not found")

const saltSize = 16

// scrypt parameters; N is kept moderate since the store is opened on every
// process start on a phone-class device.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type fileFormat struct {
	Salt  string            `json:"salt"`
	Items map[string]string `json:"items"`
}

// Store is an encrypted string-to-string store backed by a single file.
// Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	path  string
	aead  cipher.AEAD
	salt  []byte
	items map[string]string
}

// Open loads (or creates) the store at path, deriving the sealing key from
// secret. A corrupt or undecryptable file yields an error rather than silent
// data loss; callers decide whether to reset.
func Open(path string, secret []byte) (*Store, error) {
	if len(secret) == 0 {
		return nil, errors.New("securestore: empty secret")
	}

	s := &Store{
		path:  path,
		items: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var ff fileFormat
		if err := json.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("securestore: parse %s: %w", path, err)
		}
		s.salt, err = base64.StdEncoding.DecodeString(ff.Salt)
		if err != nil || len(s.salt) != saltSize {
			return nil, fmt.Errorf("securestore: bad salt in %s", path)
		}
		if ff.Items != nil {
			s.items = ff.Items
		}
	case os.IsNotExist(err):
		s.salt = make([]byte, saltSize)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, fmt.Errorf("securestore: generate salt: %w", err)
		}
	default:
		return nil, fmt.Errorf("securestore: read %s: %w", path, err)
	}

	key, err := scrypt.Key(secret, s.salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("securestore: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("securestore: init cipher: %w", err)
	}
	s.aead = aead
	return s, nil
}

// Get returns the decrypted value for key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, ok := s.items[key]
	if !ok {
		return "", ErrNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("securestore: decode %q: %w", key, err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("securestore: sealed value for %q too short", key)
	}
	// The key name is bound as AAD so a value cannot be swapped between keys.
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(key))
	if err != nil {
		return "", fmt.Errorf("securestore: open %q: %w", key, err)
	}
	return string(plain), nil
}

// Set seals and persists a value.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("securestore: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(value), []byte(key))
	s.items[key] = base64.StdEncoding.EncodeToString(append(nonce, sealed...))
	return s.persistLocked()
}

// Delete removes a key and persists. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		return nil
	}
	delete(s.items, key)
	return s.persistLocked()
}

// Clear removes every stored value and persists.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]string)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	ff := fileFormat{
		Salt:  base64.StdEncoding.EncodeToString(s.salt),
		Items: s.items,
	}
	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("securestore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("securestore: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("securestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("securestore: rename: %w", err)
	}
	return nil
}
