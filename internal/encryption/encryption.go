// Package encryption seals file bytes at rest with XChaCha20-Poly1305. The
// key is derived once from configuration with HKDF-SHA256.
package encryption

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"filevault/internal/apperr"
)

const (
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead
)

var hkdfInfo = []byte("filevault file encryption v1")

// Sealed is one encrypted payload with its parts split out.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

type Service struct {
	aead cipher.AEAD
}

// New derives the key from secret and salt and verifies the cipher with a
// known-plaintext round trip.
func New(secret, salt string) (*Service, error) {
	const op = "encryption.New"
	if len(secret) < 16 {
		return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "secret must be at least 16 bytes")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(salt), hkdfInfo), key); err != nil {
		return nil, apperr.Wrap(apperr.KindEncryptionFailed, op, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEncryptionFailed, op, err)
	}

	s := &Service{aead: aead}
	if err := s.selfTest(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (s *Service) selfTest() error {
	const op = "encryption.selfTest"
	probe := []byte("filevault encryption self-test")
	sealed, err := s.Encrypt(probe)
	if err != nil {
		return err
	}
	got, err := s.Decrypt(sealed)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, probe) {
		return apperr.Newf(apperr.KindEncryptionFailed, op, "round trip mismatch")
	}
	return nil
}

func (s *Service) Encrypt(plaintext []byte) (*Sealed, error) {
	const op = "encryption.Encrypt"
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Wrap(apperr.KindEncryptionFailed, op, err)
	}
	out := s.aead.Seal(nil, nonce, plaintext, nil)
	n := len(out) - TagSize
	return &Sealed{Ciphertext: out[:n:n], Nonce: nonce, Tag: out[n:]}, nil
}

// Decrypt authenticates before returning anything; a tampered payload
// yields an EncryptionFailed error and no plaintext.
func (s *Service) Decrypt(in *Sealed) ([]byte, error) {
	const op = "encryption.Decrypt"
	if len(in.Nonce) != NonceSize || len(in.Tag) != TagSize {
		return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "malformed nonce or tag")
	}
	buf := make([]byte, 0, len(in.Ciphertext)+TagSize)
	buf = append(buf, in.Ciphertext...)
	buf = append(buf, in.Tag...)
	plain, err := s.aead.Open(nil, in.Nonce, buf, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEncryptionFailed, op, err)
	}
	return plain, nil
}

// Pack lays a sealed payload out as nonce || tag || ciphertext.
func Pack(in *Sealed) []byte {
	out := make([]byte, 0, NonceSize+TagSize+len(in.Ciphertext))
	out = append(out, in.Nonce...)
	out = append(out, in.Tag...)
	return append(out, in.Ciphertext...)
}

// Unpack splits a blob produced by Pack.
func Unpack(blob []byte) (*Sealed, error) {
	const op = "encryption.Unpack"
	if len(blob) < NonceSize+TagSize {
		return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "blob shorter than header")
	}
	return &Sealed{
		Nonce:      blob[:NonceSize],
		Tag:        blob[NonceSize : NonceSize+TagSize],
		Ciphertext: blob[NonceSize+TagSize:],
	}, nil
}

// Seal encrypts and packs in one step.
func (s *Service) Seal(plaintext []byte) ([]byte, *Sealed, error) {
	sealed, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return Pack(sealed), sealed, nil
}

// Open unpacks and decrypts a stored blob.
func (s *Service) Open(blob []byte) ([]byte, error) {
	sealed, err := Unpack(blob)
	if err != nil {
		return nil, err
	}
	return s.Decrypt(sealed)
}
