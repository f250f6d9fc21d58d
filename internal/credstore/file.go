package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const (
	// CredentialsFileName is the encrypted credential file.
	CredentialsFileName = "session.enc"
	// KeyFileName holds the random key the credential file is sealed with.
	KeyFileName = ".session-key"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxKeyFileSize  = 4096
	maxCredsSize    = 64 << 10
)

var (
	errUnsafePath = errors.New("unsafe credential store path")
	errInvalidKey = errors.New("invalid credential store key")
)

// FileStore persists credentials as an AES-GCM sealed file in an owner-only
// directory. Writes go through a temp file and rename, so a reader sees either
// the old pair or the new pair.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir. The directory is created on the
// first Save.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("credential directory cannot be empty")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory the store writes to.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) Load() (Credentials, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoded, err := readBoundedRegularFile(filepath.Join(f.dir, CredentialsFileName), maxCredsSize)
	if err != nil {
		if isMissingPathError(err) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, fmt.Errorf("read credentials: %w", err)
	}

	key, err := f.loadKey()
	if err != nil {
		if isMissingPathError(err) {
			// A sealed file without its key can never be opened.
			return Credentials{}, false, fmt.Errorf("read credentials: %w: key file missing", errInvalidKey)
		}
		return Credentials{}, false, fmt.Errorf("read credential key: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return Credentials{}, false, fmt.Errorf("decode credentials: %w", err)
	}
	plaintext, err := open(deriveKey(key), sealed)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, false, fmt.Errorf("parse credentials: %w", err)
	}
	creds = normalize(creds)
	if !creds.Complete() {
		return Credentials{}, false, fmt.Errorf("parse credentials: %w", ErrIncompleteCredentials)
	}
	return creds, true, nil
}

func (f *FileStore) Save(creds Credentials) error {
	creds = normalize(creds)
	if !creds.Complete() {
		return ErrIncompleteCredentials
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key, err := f.ensureKey()
	if err != nil {
		return fmt.Errorf("ensure credential key: %w", err)
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := seal(deriveKey(key), plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := writeOwnerOnlyFileAtomic(filepath.Join(f.dir, CredentialsFileName), []byte(encoded)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Clear removes the credential file. The key file is kept for the next Save.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(filepath.Join(f.dir, CredentialsFileName))
	if err != nil && !isMissingPathError(err) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (f *FileStore) loadKey() (string, error) {
	keyPath := filepath.Join(f.dir, KeyFileName)
	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%w: key file is empty", errInvalidKey)
	}
	return key, nil
}

func (f *FileStore) ensureKey() (string, error) {
	if err := ensureOwnerOnlyDir(f.dir); err != nil {
		return "", fmt.Errorf("secure credential directory: %w", err)
	}
	key, err := f.loadKey()
	if err == nil {
		return key, os.Chmod(filepath.Join(f.dir, KeyFileName), privateFilePerm)
	}
	if !isMissingPathError(err) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key = hex.EncodeToString(raw)
	if err := writeOwnerOnlyFileAtomic(filepath.Join(f.dir, KeyFileName), []byte(key)); err != nil {
		return "", fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

func deriveKey(material string) []byte {
	sum := sha256.Sum256([]byte("tiergate-session-" + material))
	return sum[:]
}

func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(sealed), gcm.NonceSize())
	}
	nonce, data := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafePath, path, info.Size())
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(privateFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
