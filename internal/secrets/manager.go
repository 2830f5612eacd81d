// Package secrets resolves the webhook signing secret, optionally stored as a
// KMS envelope-encrypted value.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"edge-guard/internal/config"
	"edge-guard/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoSecret         = errors.New("no webhook secret configured")
)

// KeyService is the subset of the KMS API the manager needs.
type KeyService interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, opts ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Envelope is an AES-256-GCM ciphertext together with its KMS-encrypted data
// key. Its JSON form, base64 encoded, is what WEBHOOK_SECRET_ENCRYPTED holds.
type Envelope struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type Manager struct {
	keys  KeyService
	keyID string
}

func NewManager(keys KeyService, keyID string) *Manager {
	return &Manager{keys: keys, keyID: keyID}
}

// Seal encrypts plaintext under a fresh data key and returns the encoded
// envelope.
func (m *Manager) Seal(ctx context.Context, plaintext string) (string, error) {
	if m.keys == nil {
		return "", fmt.Errorf("%w: no key service", ErrEncryptionFailed)
	}
	dataKey, err := m.keys.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return "", fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
	}

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	env := Envelope{
		EncryptedValue: base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dataKey.CiphertextBlob),
		KeyID:          aws.ToString(dataKey.KeyId),
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Open decrypts an encoded envelope produced by Seal.
func (m *Manager) Open(ctx context.Context, encoded string) (string, error) {
	if m.keys == nil {
		return "", fmt.Errorf("%w: no key service", ErrDecryptionFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: invalid envelope encoding", ErrDecryptionFailed)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}

	blob, err := base64.StdEncoding.DecodeString(env.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	out, err := m.keys.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	gcm, err := newGCM(out.Plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// ResolveWebhookSecret returns the signing secret: the decrypted
// WEBHOOK_SECRET_ENCRYPTED when set, otherwise WEBHOOK_SECRET.
func ResolveWebhookSecret(ctx context.Context, cfg config.WebhookConfig, m *Manager) (string, error) {
	if cfg.EncryptedSecret != "" {
		if m == nil {
			return "", fmt.Errorf("webhook secret: %w: KMS is not configured", ErrDecryptionFailed)
		}
		secret, err := m.Open(ctx, cfg.EncryptedSecret)
		if err != nil {
			return "", fmt.Errorf("webhook secret: %w", err)
		}
		util.Info("Webhook secret decrypted with KMS")
		return secret, nil
	}
	if cfg.Secret == "" {
		return "", ErrNoSecret
	}
	if len(cfg.Secret) < 16 {
		util.Warn("Webhook secret is shorter than 16 bytes", zap.Int("length", len(cfg.Secret)))
	}
	return cfg.Secret, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
