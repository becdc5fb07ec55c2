package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownKey = errors.New("unknown master key id")

// Envelope is the stored form of an encrypted secret. KeyID names the master
// key it was sealed with so older keys keep decrypting after rotation.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) CurrentKeyID() string {
	return m.currentKeyID
}

// Seal encrypts plaintext with the current master key. aad binds the
// ciphertext to its owner (for API keys, the chat it belongs to) so a sealed
// value copied to another row fails to open.
func (m *Manager) Seal(plaintext, aad []byte) (Envelope, error) {
	aead, err := m.aead(m.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (m *Manager) Open(env Envelope, aad []byte) ([]byte, error) {
	aead, err := m.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (m *Manager) aead(keyID string) (cipher.AEAD, error) {
	key, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// SealString returns the JSON envelope for value, ready to store in a text column.
func (m *Manager) SealString(value, aad string) (string, error) {
	env, err := m.Seal([]byte(value), []byte(aad))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (m *Manager) OpenString(raw, aad string) (string, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return "", err
	}
	pt, err := m.Open(env, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NeedsRotation reports whether raw was sealed with a key other than the current one.
func (m *Manager) NeedsRotation(raw string) bool {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return false
	}
	return env.KeyID != m.currentKeyID
}

// Reseal opens raw with whichever key sealed it and seals it again with the current key.
func (m *Manager) Reseal(raw, aad string) (string, error) {
	plain, err := m.OpenString(raw, aad)
	if err != nil {
		return "", err
	}
	return m.SealString(plain, aad)
}

func ParseEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.KeyID == "" || env.Ciphertext == "" {
		return Envelope{}, fmt.Errorf("envelope is incomplete")
	}
	return env, nil
}

// Mask keeps the last four characters of a secret for display.
func Mask(secret string) string {
	secret = strings.TrimSpace(secret)
	r := []rune(secret)
	if len(r) <= 4 {
		return strings.Repeat("•", len(r))
	}
	return strings.Repeat("•", 8) + string(r[len(r)-4:])
}
