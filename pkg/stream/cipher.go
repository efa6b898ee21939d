package stream

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"kisgate/pkg/core"
)

// CipherContext holds the AES-256-CBC parameters of one subscription.
type CipherContext struct {
	key []byte
	iv  []byte
}

// NewCipherContext builds a context from the key and iv strings of a
// subscribe acknowledgement. The key must be 32 bytes and the iv 16.
func NewCipherContext(key, iv string) (*CipherContext, error) {
	if len(key) != 32 {
		return nil, core.NewDecryptError(fmt.Sprintf("key must be 32 bytes, got %d", len(key)), nil)
	}
	if len(iv) != aes.BlockSize {
		return nil, core.NewDecryptError(fmt.Sprintf("iv must be %d bytes, got %d", aes.BlockSize, len(iv)), nil)
	}
	return &CipherContext{key: []byte(key), iv: []byte(iv)}, nil
}

// Decrypt decrypts ciphertext and strips its PKCS7 padding.
func (c *CipherContext) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, core.NewDecryptError(fmt.Sprintf("ciphertext length %d is not a block multiple", len(ciphertext)), nil)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, core.NewDecryptError("init cipher", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, ciphertext)
	return unpad(out)
}

// Encrypt pads plaintext with PKCS7 and encrypts it.
func (c *CipherContext) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, core.NewDecryptError("init cipher", err)
	}

	padded := pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, core.NewDecryptError("bad padding", nil)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, core.NewDecryptError("bad padding", nil)
		}
	}
	return b[:len(b)-n], nil
}
