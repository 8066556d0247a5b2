package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	sealVersion   = 1
	sealSaltSize  = 16
	sealNonceSize = 12
)

// ErrSealCorrupted is returned when sealed data is truncated or fails authentication.
var ErrSealCorrupted = errors.New("sealed data corrupted or wrong passphrase")

// deriveSealKey uses Argon2id with time=1, memory=64MiB, threads=4.
func deriveSealKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// Seal encrypts data under a key derived from passphrase.
// A fresh salt and nonce are drawn for every call.
func Seal(passphrase, data []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	header := make([]byte, 1+sealSaltSize+sealNonceSize)
	header[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, header[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate salt and nonce: %w", err)
	}
	salt := header[1 : 1+sealSaltSize]
	nonce := header[1+sealSaltSize:]

	aesGCM, err := newGCM(deriveSealKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	// the header is authenticated as additional data
	ciphertext := aesGCM.Seal(nil, nonce, data, header)
	return append(header, ciphertext...), nil
}

// Open reverses Seal.
func Open(passphrase, sealed []byte) ([]byte, error) {
	headerLen := 1 + sealSaltSize + sealNonceSize
	if len(sealed) < headerLen || sealed[0] != sealVersion {
		return nil, ErrSealCorrupted
	}

	header := sealed[:headerLen]
	salt := header[1 : 1+sealSaltSize]
	nonce := header[1+sealSaltSize:]

	aesGCM, err := newGCM(deriveSealKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, nonce, sealed[headerLen:], header)
	if err != nil {
		return nil, ErrSealCorrupted
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
