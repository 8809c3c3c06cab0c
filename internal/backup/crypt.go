package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize = 12
	saltSize  = 32
	keySize   = 32 // AES-256

	// KDFIterations is the PBKDF2-SHA256 iteration count for passphrase keys.
	KDFIterations = 100000
)

// ErrDecrypt is returned when a payload cannot be opened, usually because
// the passphrase is wrong.
var ErrDecrypt = errors.New("backup: decryption failed (wrong passphrase?)")

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	if len(salt) != saltSize {
		return nil, errors.New("backup: invalid salt size")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, KDFIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext and prepends the nonce.
func seal(passphrase string, salt, plaintext []byte) ([]byte, error) {
	gcm, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(passphrase string, salt, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("backup: ciphertext too short")
	}
	gcm, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
