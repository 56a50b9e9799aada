package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"github.com/opd-ai/thp/crypto"
	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current file format version
	EncryptionVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32

	credentialsFile = "credentials.enc"
	saltFile        = ".salt"
)

// EncryptedStore is a MemoryStore persisted to disk with AES-256-GCM under
// a PBKDF2-derived key. Entries are encoded as YAML before encryption.
type EncryptedStore struct {
	*MemoryStore
	encryptionKey [32]byte
	dataDir       string
}

// OpenEncryptedStore opens (or creates) the store in dataDir and loads any
// saved credentials.
func OpenEncryptedStore(dataDir string, password []byte, suite noise.CipherSuite) (*EncryptedStore, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &EncryptedStore{
		MemoryStore: NewMemoryStore(suite),
		dataDir:     dataDir,
	}
	salt, err := s.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}
	derived := pbkdf2.Key(password, salt, PBKDF2Iterations, 32, sha256.New)
	copy(s.encryptionKey[:], derived)
	crypto.ZeroBytes(derived)

	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}

	crypto.NewLogger("credential", "OpenEncryptedStore").
		WithField("data_dir", dataDir).
		WithField("entries", s.Len()).
		Debug("Opened credential store")
	return s, nil
}

func (s *EncryptedStore) loadOrGenerateSalt() ([]byte, error) {
	path := filepath.Join(s.dataDir, saltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func (s *EncryptedStore) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *EncryptedStore) load() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, credentialsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return err
	}
	if len(data) < 2+gcm.NonceSize()+gcm.Overhead() {
		return fmt.Errorf("credential file too short: %d bytes", len(data))
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != EncryptionVersion {
		return fmt.Errorf("unsupported credential file version: %d (expected %d)", v, EncryptionVersion)
	}
	nonce := data[2 : 2+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, data[2+gcm.NonceSize():], nil)
	if err != nil {
		crypto.NewLogger("credential", "load").
			WithError(err, "open").
			WithField("data_dir", s.dataDir).
			Warn("Credential file rejected")
		return fmt.Errorf("decryption failed (wrong password or corrupted data): %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	var entries []Credential
	if err := yaml.Unmarshal(plaintext, &entries); err != nil {
		return fmt.Errorf("failed to decode credentials: %w", err)
	}
	for _, e := range entries {
		s.MemoryStore.Add(e)
	}
	return nil
}

// Add stores c and writes the store to disk.
func (s *EncryptedStore) Add(c Credential) error {
	s.MemoryStore.Add(c)
	return s.Save()
}

// Save writes all credentials to disk atomically.
func (s *EncryptedStore) Save() error {
	plaintext, err := yaml.Marshal(s.Entries())
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	gcm, err := s.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmp := filepath.Join(s.dataDir, credentialsFile+".tmp")
	final := filepath.Join(s.dataDir, credentialsFile)
	if err := os.WriteFile(tmp, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	crypto.NewLogger("credential", "Save").
		WithField("data_dir", s.dataDir).
		WithField("entries", s.Len()).
		Info("Saved credentials")
	return nil
}

// Close wipes the encryption key and the in-memory private keys.
func (s *EncryptedStore) Close() error {
	crypto.ZeroBytes(s.encryptionKey[:])
	s.MemoryStore.Wipe()
	return nil
}
