package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"ferry/internal/ferry"
)

// DefaultWorkFactor is the scrypt work factor (log2 N) used when sealing.
const DefaultWorkFactor = 18

// ErrWrongPassphrase is returned by Open when the passphrase does not
// decrypt the file.
var ErrWrongPassphrase = errors.New("incorrect passphrase")

// SealedFile is a remote password stored on disk encrypted with age's
// scrypt-based passphrase encryption.
type SealedFile struct {
	path       string
	workFactor int
}

// NewSealedFile creates a SealedFile at path. workFactor <= 0 selects
// DefaultWorkFactor.
func NewSealedFile(path string, workFactor int) *SealedFile {
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	return &SealedFile{path: path, workFactor: workFactor}
}

// Path returns the file location.
func (f *SealedFile) Path() string {
	return f.path
}

// Exists reports whether the sealed file is present.
func (f *SealedFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Seal encrypts password with passphrase and writes it to the file,
// replacing any previous content atomically.
func (f *SealedFile) Seal(password ferry.Secret, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(f.workFactor)

	tmp, err := os.CreateTemp(dir, ".sealed-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	w, err := age.Encrypt(tmp, recipient)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, password.Reveal()+"\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing sealed password: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing sealed password: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("renaming sealed file: %w", err)
	}
	success = true
	return nil
}

// Open decrypts the file with passphrase and returns the password.
func (f *SealedFile) Open(passphrase string) (ferry.Secret, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading sealed file: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt identity: %w", err)
	}
	identity.SetMaxWorkFactor(max(f.workFactor, DefaultWorkFactor))

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return "", ErrWrongPassphrase
		}
		return "", fmt.Errorf("decrypting sealed file: %w", err)
	}

	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted password: %w", err)
	}
	return ferry.Secret(strings.TrimSuffix(string(plain), "\n")), nil
}
