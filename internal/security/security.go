// Package security provides credential encryption, log redaction,
// access control and input validation for broker operations.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	credentialFileName = "credentials.enc"
	plaintextFileName  = "credentials.toml"

	aesKeySize = 32 // AES-256
	saltSize   = 16
	nonceSize  = 12
	kdfRounds  = 100000
)

// PlainCredentials is the decrypted credential set for every configured
// broker account.
type PlainCredentials struct {
	Kite    KiteCredentials    `json:"kite"`
	Motilal MotilalCredentials `json:"motilal"`
}

// KiteCredentials holds Zerodha Kite Connect credentials. TOTPSecret is
// the base32 seed used for scripted two-factor login.
type KiteCredentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
}

// MotilalCredentials holds Motilal Oswal API credentials. TwoFA is the
// static second factor (date of birth), TOTPSecret the base32 seed.
type MotilalCredentials struct {
	APIKey     string `json:"api_key"`
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	TwoFA      string `json:"two_fa"`
	TOTPSecret string `json:"totp_secret"`
	VendorInfo string `json:"vendor_info"`
	ClientCode string `json:"client_code"`
}

// credentialFile is the on-disk envelope around the encrypted
// credential blob. All byte fields are base64.
type credentialFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Version    int    `json:"version"`
}

// CredentialManager stores broker credentials encrypted at rest with a
// key derived from an operator-supplied master password. Plaintext is
// never written back to disk and is re-derived from the envelope on
// every read, so nothing long-lived holds decrypted secrets.
type CredentialManager struct {
	mu       sync.RWMutex
	dir      string
	key      []byte
	envelope *credentialFile
	unlocked time.Time
	timeout  time.Duration
}

// NewCredentialManager returns a manager rooted at configDir. A zero
// timeout defaults to eight hours, matching a trading day with buffer.
func NewCredentialManager(configDir string, sessionTimeout time.Duration) *CredentialManager {
	if sessionTimeout == 0 {
		sessionTimeout = 8 * time.Hour
	}
	return &CredentialManager{
		dir:     configDir,
		timeout: sessionTimeout,
	}
}

// Initialize unlocks the store with the master password. On first run
// it either migrates a plaintext credentials.toml into the encrypted
// file or creates an empty one; on later runs it verifies the password
// by decrypting the existing file.
func (cm *CredentialManager) Initialize(masterPassword string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	encPath := filepath.Join(cm.dir, credentialFileName)
	if _, err := os.Stat(encPath); err == nil {
		return cm.unlock(masterPassword, encPath)
	}

	plainPath := filepath.Join(cm.dir, plaintextFileName)
	if data, err := os.ReadFile(plainPath); err == nil {
		creds := &PlainCredentials{}
		if err := parseTOMLCredentials(string(data), creds); err != nil {
			return fmt.Errorf("parsing %s: %w", plaintextFileName, err)
		}
		if err := cm.sealLocked(masterPassword, creds); err != nil {
			return err
		}
		if err := secureDelete(plainPath); err != nil {
			// The encrypted copy is written; a stale plaintext file is
			// the operator's problem to remove, so warn and continue.
			fmt.Fprintf(os.Stderr, "warning: could not remove plaintext credentials: %v\n", err)
		}
		return nil
	}

	return cm.sealLocked(masterPassword, &PlainCredentials{})
}

// unlock reads the envelope and proves the password by decrypting it.
func (cm *CredentialManager) unlock(masterPassword, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading encrypted credentials: %w", err)
	}
	env := &credentialFile{}
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("parsing encrypted credentials: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	cm.key = pbkdf2.Key([]byte(masterPassword), salt, kdfRounds, aesKeySize, sha256.New)
	cm.envelope = env
	cm.unlocked = time.Now()

	if _, err := cm.openLocked(); err != nil {
		cm.key = nil
		cm.envelope = nil
		return fmt.Errorf("invalid master password")
	}
	return nil
}

// sealLocked encrypts creds under a fresh salt and nonce and writes the
// envelope. Caller holds the write lock.
func (cm *CredentialManager) sealLocked(masterPassword string, creds *PlainCredentials) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(masterPassword), salt, kdfRounds, aesKeySize, sha256.New)

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	env := &credentialFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
		Version:    1,
	}
	if err := cm.writeEnvelope(env); err != nil {
		return err
	}

	cm.key = key
	cm.envelope = env
	cm.unlocked = time.Now()
	return nil
}

func (cm *CredentialManager) writeEnvelope(env *credentialFile) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := os.MkdirAll(cm.dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(cm.dir, credentialFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing encrypted credentials: %w", err)
	}
	return nil
}

// GetCredentials decrypts and returns the credential set. Fails once
// the unlock session has timed out.
func (cm *CredentialManager) GetCredentials() (*PlainCredentials, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.openLocked()
}

// openLocked decrypts the held envelope. Caller holds at least the
// read lock.
func (cm *CredentialManager) openLocked() (*PlainCredentials, error) {
	if cm.key == nil || cm.envelope == nil {
		return nil, fmt.Errorf("credential store is locked")
	}
	if time.Since(cm.unlocked) > cm.timeout {
		return nil, fmt.Errorf("credential session expired, unlock again")
	}

	nonce, err := base64.StdEncoding.DecodeString(cm.envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(cm.envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(cm.key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}

	creds := &PlainCredentials{}
	if err := json.Unmarshal(plaintext, creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

// UpdateCredentials re-encrypts the given set under a fresh nonce and
// replaces the stored envelope.
func (cm *CredentialManager) UpdateCredentials(creds *PlainCredentials) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.key == nil || cm.envelope == nil {
		return fmt.Errorf("credential store is locked")
	}
	if time.Since(cm.unlocked) > cm.timeout {
		return fmt.Errorf("credential session expired, unlock again")
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	gcm, err := newGCM(cm.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	env := &credentialFile{
		Salt:       cm.envelope.Salt,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
		Version:    cm.envelope.Version,
	}
	if err := cm.writeEnvelope(env); err != nil {
		return err
	}
	cm.envelope = env
	return nil
}

// ClearSession wipes the derived key from memory and locks the store.
func (cm *CredentialManager) ClearSession() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i := range cm.key {
		cm.key[i] = 0
	}
	cm.key = nil
	cm.envelope = nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// parseTOMLCredentials reads the narrow section/key grammar of a
// credentials.toml during migration. The config package proper uses
// viper; this parser exists only so migration does not need the whole
// config machinery for a file about to be deleted.
func parseTOMLCredentials(content string, creds *PlainCredentials) error {
	assign := map[string]*string{
		"kite.api_key":         &creds.Kite.APIKey,
		"kite.api_secret":      &creds.Kite.APISecret,
		"kite.user_id":         &creds.Kite.UserID,
		"kite.password":        &creds.Kite.Password,
		"kite.totp_secret":     &creds.Kite.TOTPSecret,
		"motilal.api_key":      &creds.Motilal.APIKey,
		"motilal.user_id":      &creds.Motilal.UserID,
		"motilal.password":     &creds.Motilal.Password,
		"motilal.two_fa":       &creds.Motilal.TwoFA,
		"motilal.totp_secret":  &creds.Motilal.TOTPSecret,
		"motilal.vendor_info":  &creds.Motilal.VendorInfo,
		"motilal.client_code":  &creds.Motilal.ClientCode,
	}

	section := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"")
		if target, ok := assign[section+"."+strings.TrimSpace(key)]; ok {
			*target = value
		}
	}
	return nil
}

// secureDelete overwrites the file with random bytes before removing
// it, so the plaintext does not linger on disk after migration.
func secureDelete(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	noise := make([]byte, info.Size())
	if _, err := rand.Read(noise); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(noise); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
