package homesync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// secureNonceSize is the nonce size for AES-GCM.
	secureNonceSize = 12
	// secureSaltSize is the salt size for key derivation.
	secureSaltSize = 32
	// secureKeySize is the AES-256 key size.
	secureKeySize = 32
	// securePBKDF2Iterations is the number of iterations for key derivation.
	securePBKDF2Iterations = 100000
)

// SecureStoreConfig configures the encrypted key-value store that holds the
// device identity and the durable sync-enabled flag.
type SecureStoreConfig struct {
	// Path is the encrypted file location.
	Path string

	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, Password is used to derive a key.
	Key []byte

	// Password is used to derive the encryption key via PBKDF2.
	Password string
}

// SecureStore is an encrypted file-backed key-value store. Values are always
// re-read from disk so its contents are the single durable source of truth
// across restarts and crashes.
type SecureStore struct {
	path string
	mu   sync.Mutex

	key      []byte
	password string
}

// NewSecureStore opens (or prepares to create) the encrypted store at the
// configured path.
func NewSecureStore(cfg SecureStoreConfig) (*SecureStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("secure store path is required")
	}
	if len(cfg.Key) > 0 && len(cfg.Key) != secureKeySize {
		return nil, errors.New("secure store key must be 32 bytes for AES-256")
	}
	if len(cfg.Key) == 0 && cfg.Password == "" {
		return nil, errors.New("secure store needs a key or a password")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create secure store directory: %w", err)
	}
	return &SecureStore{
		path:     cfg.Path,
		key:      cfg.Key,
		password: cfg.Password,
	}, nil
}

// GetItem returns the value for key, or "" when the key (or the whole store)
// does not exist yet. The file is decrypted on every call rather than cached.
func (s *SecureStore) GetItem(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return "", err
	}
	return items[key], nil
}

// SetItem durably writes key=value.
func (s *SecureStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}
	if items == nil {
		items = make(map[string]string)
	}
	items[key] = value
	return s.persist(items)
}

// load decrypts the store file. A missing file is an empty store.
// File layout: salt || nonce || AES-256-GCM ciphertext of a JSON map.
func (s *SecureStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read secure store: %w", err)
	}
	if len(raw) < secureSaltSize+secureNonceSize {
		return nil, errors.New("secure store file is truncated")
	}

	salt := raw[:secureSaltSize]
	nonce := raw[secureSaltSize : secureSaltSize+secureNonceSize]
	ciphertext := raw[secureSaltSize+secureNonceSize:]

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secure store: %w", err)
	}

	var items map[string]string
	if err := json.Unmarshal(plaintext, &items); err != nil {
		return nil, fmt.Errorf("decode secure store: %w", err)
	}
	return items, nil
}

func (s *SecureStore) persist(items map[string]string) error {
	plaintext, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode secure store: %w", err)
	}

	salt := make([]byte, secureSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, secureNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("write secure store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit secure store: %w", err)
	}
	return nil
}

func (s *SecureStore) aead(salt []byte) (cipher.AEAD, error) {
	key := s.key
	if len(key) == 0 {
		key = pbkdf2.Key([]byte(s.password), salt, securePBKDF2Iterations, secureKeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
