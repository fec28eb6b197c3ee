package tokenstore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts and decrypts a persisted document.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

var sealedMagic = []byte("CHS1")

const (
	saltSize      = 16
	argonTime     = 2
	argonMemory   = 19 * 1024
	argonThreads  = 1
	argonKeyBytes = chacha20poly1305.KeySize
)

var ErrSealedDocument = errors.New("sealed document is invalid")

var _ Sealer = (*PassphraseSealer)(nil)

// PassphraseSealer derives an XChaCha20-Poly1305 key from a passphrase with
// argon2id. Layout: magic | salt | nonce | ciphertext.
type PassphraseSealer struct {
	passphrase []byte

	mu       sync.Mutex
	lastSalt []byte
	lastKey  []byte
}

func NewPassphraseSealer(passphrase string) *PassphraseSealer {
	return &PassphraseSealer{passphrase: []byte(passphrase)}
}

func (p *PassphraseSealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("[PassphraseSealer Seal] salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(p.key(salt))
	if err != nil {
		return nil, fmt.Errorf("[PassphraseSealer Seal] %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[PassphraseSealer Seal] nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

func (p *PassphraseSealer) Open(sealed []byte) ([]byte, error) {
	header := len(sealedMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < header || !bytes.Equal(sealed[:len(sealedMagic)], sealedMagic) {
		return nil, ErrSealedDocument
	}
	salt := sealed[len(sealedMagic) : len(sealedMagic)+saltSize]
	nonce := sealed[len(sealedMagic)+saltSize : header]

	aead, err := chacha20poly1305.NewX(p.key(salt))
	if err != nil {
		return nil, fmt.Errorf("[PassphraseSealer Open] %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed[header:], sealedMagic)
	if err != nil {
		return nil, ErrSealedDocument
	}
	return plaintext, nil
}

// key caches the last derivation; the file is re-read far more often than it
// is rewritten.
func (p *PassphraseSealer) key(salt []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastKey != nil && bytes.Equal(p.lastSalt, salt) {
		return p.lastKey
	}
	p.lastSalt = append([]byte(nil), salt...)
	p.lastKey = argon2.IDKey(p.passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyBytes)
	return p.lastKey
}
