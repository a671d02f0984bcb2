// Package envelope implements the encrypted message envelope exchanged
// between peers. The relay itself never opens envelopes; it only validates
// the outer signature and moves them.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of the per-conversation symmetric key.
	KeySize = 32
	// FreshnessWindow is the maximum accepted envelope age.
	FreshnessWindow = 5 * time.Minute

	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

var (
	ErrIntegrity = errors.New("envelope integrity check failed")
	ErrStale     = errors.New("envelope exceeds freshness window")
)

// Envelope is the transmitted unit: ciphertext, IV, keyed MAC over the
// plaintext, the sender's signature over the ciphertext, and the creation
// timestamp in Unix milliseconds.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	MAC        []byte `json:"mac"`
	Signature  []byte `json:"signature,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// split out for testing.
var now = time.Now

// Seal encrypts plaintext under the conversation key with a fresh random IV
// and stamps the current time. The cipher and MAC keys are derived
// independently, so the integrity tag never reuses the encryption key.
func Seal(plaintext, key []byte) (Envelope, error) {
	encKey, macKey, err := deriveKeys(key)
	if err != nil {
		return Envelope{}, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("init cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(plaintext)

	return Envelope{
		Ciphertext: ciphertext,
		IV:         iv,
		MAC:        mac.Sum(nil),
		Timestamp:  now().UnixMilli(),
	}, nil
}

// Open decrypts the envelope and verifies the plaintext MAC before anything
// else is trusted. Freshness is checked only after integrity passes, so an
// attacker cannot probe the timestamp of an unauthenticated payload.
func Open(env Envelope, key []byte) ([]byte, error) {
	encKey, macKey, err := deriveKeys(key)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	if len(env.IV) != ivSize {
		return nil, fmt.Errorf("iv must be %d bytes (got %d): %w", ivSize, len(env.IV), ErrIntegrity)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext := make([]byte, len(env.Ciphertext))
	cipher.NewCTR(block, env.IV).XORKeyStream(plaintext, env.Ciphertext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(plaintext)
	if !hmac.Equal(mac.Sum(nil), env.MAC) {
		zeroBytes(plaintext)
		return nil, ErrIntegrity
	}

	if age := now().Sub(time.UnixMilli(env.Timestamp)); age > FreshnessWindow {
		zeroBytes(plaintext)
		return nil, fmt.Errorf("envelope is %s old: %w", age.Truncate(time.Second), ErrStale)
	}

	return plaintext, nil
}

func deriveKeys(key []byte) ([]byte, []byte, error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("conversation key must be %d bytes (got %d)", KeySize, len(key))
	}

	encKey := make([]byte, KeySize)
	macKey := make([]byte, macSize)
	reader := hkdf.New(sha256.New, key, nil, []byte("parley envelope v1"))
	if _, err := io.ReadFull(reader, encKey); err != nil {
		return nil, nil, fmt.Errorf("derive cipher key: %w", err)
	}
	if _, err := io.ReadFull(reader, macKey); err != nil {
		zeroBytes(encKey)
		return nil, nil, fmt.Errorf("derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
