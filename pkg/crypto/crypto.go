package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	ErrInvalidKeySize = errors.New("key must be 16, 24 or 32 bytes")
	ErrInvalidPadding = errors.New("invalid PKCS7 padding")
	ErrNotBlockSized  = errors.New("ciphertext is not a multiple of the block size")
)

// Cryptor encrypts handshake payloads with AES in ECB mode and PKCS7 padding.
// The key length selects AES-128, AES-192 or AES-256.
type Cryptor struct {
	block cipher.Block
}

func NewWithKey(key []byte) (*Cryptor, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &Cryptor{block: block}, nil
}

func (c *Cryptor) Encrypt(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)

	ciphertext := make([]byte, len(padded))
	for off := 0; off < len(padded); off += bs {
		c.block.Encrypt(ciphertext[off:off+bs], padded[off:off+bs])
	}

	return ciphertext, nil
}

func (c *Cryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrNotBlockSized
	}

	plaintext := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += bs {
		c.block.Decrypt(plaintext[off:off+bs], ciphertext[off:off+bs])
	}

	return pkcs7Unpad(plaintext, bs)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+padLen), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}

	return data[:len(data)-padLen], nil
}
