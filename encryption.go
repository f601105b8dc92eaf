package smarterdoc

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// sealer does AES-256-GCM with a random nonce prepended to the ciphertext.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &sealer{gcm: gcm}, nil
}

// ParseEncryptionKey decodes a hex-encoded 32-byte key.
func ParseEncryptionKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "EncryptionKey",
			"reason": "must be 64 hex characters",
		})
	}
	return key, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) open(ciphertext []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason":     "ciphertext too short",
			"min_length": nonceSize,
			"actual":     len(ciphertext),
		})
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed: %w", ErrInvalidData, err)
	}
	return plaintext, nil
}

// EncryptionBackend wraps any backend with AES-256-GCM encryption at rest.
// Documents and blob chunks written through an ObjectConn over it are
// encrypted; keys and listings are not.
//
//	key, _ := smarterdoc.ParseEncryptionKey(os.Getenv("SMARTERDOC_ENCRYPTION_KEY"))
//	enc, err := smarterdoc.NewEncryptionBackend(s3Backend, key)
//	conn := smarterdoc.NewObjectConn(enc)
type EncryptionBackend struct {
	Backend
	sealer *sealer
}

// NewEncryptionBackend wraps a backend with AES-256-GCM encryption.
// Key must be exactly 32 bytes.
func NewEncryptionBackend(backend Backend, key []byte) (*EncryptionBackend, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return &EncryptionBackend{Backend: backend, sealer: s}, nil
}

// Put encrypts data before storing
func (e *EncryptionBackend) Put(ctx context.Context, key string, data []byte) error {
	encrypted, err := e.sealer.seal(data)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	return e.Backend.Put(ctx, key, encrypted)
}

// Get decrypts data after retrieving
func (e *EncryptionBackend) Get(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.sealer.open(encrypted)
}

// PutIfMatch encrypts and stores with optimistic locking
func (e *EncryptionBackend) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	encrypted, err := e.sealer.seal(data)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	return e.Backend.PutIfMatch(ctx, key, encrypted, expectedETag)
}

// GetWithETag decrypts data and returns the ETag of the stored ciphertext
func (e *EncryptionBackend) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	encrypted, etag, err := e.Backend.GetWithETag(ctx, key)
	if err != nil {
		return nil, "", err
	}
	decrypted, err := e.sealer.open(encrypted)
	if err != nil {
		return nil, "", err
	}
	return decrypted, etag, nil
}

// EncryptedCodec is a ValueCodec that stores a scalar field as an encrypted
// BSON binary. The plaintext is the field's own BSON encoding, so any type the
// driver can marshal works. Filters cannot match encrypted fields.
//
//	codec, _ := smarterdoc.NewEncryptedCodec(key)
//	smarterdoc.Register[Patient](smarterdoc.WithFieldCodec("SSN", codec))
type EncryptedCodec struct {
	sealer *sealer
}

// NewEncryptedCodec creates a field codec with a 32-byte key.
func NewEncryptedCodec(key []byte) (*EncryptedCodec, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return &EncryptedCodec{sealer: s}, nil
}

// EncodeValue implements ValueCodec.
func (c *EncryptedCodec) EncodeValue(v reflect.Value) (any, error) {
	t, data, err := bson.MarshalValue(v.Interface())
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 0, len(data)+1)
	plain = append(plain, byte(t))
	plain = append(plain, data...)

	sealed, err := c.sealer.seal(plain)
	if err != nil {
		return nil, err
	}
	return primitive.Binary{Subtype: bsontype.BinaryGeneric, Data: sealed}, nil
}

// DecodeValue implements ValueCodec.
func (c *EncryptedCodec) DecodeValue(raw bson.RawValue, v reflect.Value) error {
	_, data, ok := raw.BinaryOK()
	if !ok {
		return fmt.Errorf("encrypted field holds %s, want binary", raw.Type)
	}
	plain, err := c.sealer.open(data)
	if err != nil {
		return err
	}
	if len(plain) == 0 {
		return WithContext(ErrInvalidData, map[string]interface{}{"reason": "empty plaintext"})
	}
	inner := bson.RawValue{Type: bsontype.Type(plain[0]), Value: plain[1:]}
	return inner.Unmarshal(v.Addr().Interface())
}
