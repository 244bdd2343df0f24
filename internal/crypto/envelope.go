package crypto

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrUnknownKeyID is returned when a sealed record names a key encryption key
// the wrapper does not hold.
var ErrUnknownKeyID = errors.New("unknown key id")

// KeyWrapper wraps and unwraps per-record data keys with a key encryption key.
type KeyWrapper interface {
	KeyID() string
	WrapKey(ctx context.Context, dataKey []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

// Envelope is the stored form of an envelope-encrypted secret.
type Envelope struct {
	KeyID      string `json:"kid"`
	WrappedKey string `json:"wk"`
	Ciphertext string `json:"ct"`
}

// Seal encrypts plaintext under a fresh data key and wraps the data key.
// The returned string is what gets persisted.
func Seal(ctx context.Context, w KeyWrapper, plaintext []byte) (string, error) {
	dataKey, err := GenerateKey()
	if err != nil {
		return "", err
	}
	defer Zero(dataKey)

	ct, err := Encrypt(plaintext, dataKey)
	if err != nil {
		return "", fmt.Errorf("encrypt payload: %w", err)
	}
	wrapped, err := w.WrapKey(ctx, dataKey)
	if err != nil {
		return "", fmt.Errorf("wrap data key: %w", err)
	}

	out, err := json.Marshal(Envelope{
		KeyID:      w.KeyID(),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Ciphertext: ct,
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(out), nil
}

// Open unwraps the data key and decrypts the sealed secret. Callers own the
// returned buffer and should Zero it when done.
func Open(ctx context.Context, w KeyWrapper, sealed string) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}

	dataKey, err := w.UnwrapKey(ctx, env.KeyID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer Zero(dataKey)

	return Decrypt(env.Ciphertext, dataKey)
}

// EnvelopeKeyID returns the key encryption key id a sealed secret was wrapped with.
func EnvelopeKeyID(sealed string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.KeyID, nil
}

// LocalKeyWrapper wraps data keys with a static master key. Retired keys can
// be kept around to unwrap older records after a rotation.
type LocalKeyWrapper struct {
	id   string
	keys map[string][]byte
}

// NewLocalKeyWrapper parses a 256-bit master key given as hex or base64.
func NewLocalKeyWrapper(id, masterKey string) (*LocalKeyWrapper, error) {
	key, err := ParseKey(masterKey)
	if err != nil {
		return nil, err
	}
	return &LocalKeyWrapper{id: id, keys: map[string][]byte{id: key}}, nil
}

// AddRetiredKey registers an older master key for unwrapping only.
func (w *LocalKeyWrapper) AddRetiredKey(id, masterKey string) error {
	if id == w.id {
		return fmt.Errorf("retired key id %q is the active key id", id)
	}
	key, err := ParseKey(masterKey)
	if err != nil {
		return err
	}
	w.keys[id] = key
	return nil
}

func (w *LocalKeyWrapper) KeyID() string { return w.id }

func (w *LocalKeyWrapper) WrapKey(_ context.Context, dataKey []byte) ([]byte, error) {
	return seal(dataKey, w.keys[w.id])
}

func (w *LocalKeyWrapper) UnwrapKey(_ context.Context, keyID string, wrapped []byte) ([]byte, error) {
	key, ok := w.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}
	return open(wrapped, key)
}

// ParseKey decodes a 256-bit key from hex or standard base64.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 2*KeySize {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode master key: expected %d bytes as hex or base64", KeySize)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid master key length %d, want %d", len(key), KeySize)
	}
	return key, nil
}

// KMSAPI is the subset of the AWS KMS client used for key wrapping.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// kmsEncryptionContext binds wrapped keys to this service.
var kmsEncryptionContext = map[string]string{"purpose": "mssante-vault"}

// KMSKeyWrapper wraps data keys with a managed AWS KMS key.
type KMSKeyWrapper struct {
	client KMSAPI
	keyID  string
}

func NewKMSKeyWrapper(client KMSAPI, keyID string) *KMSKeyWrapper {
	return &KMSKeyWrapper{client: client, keyID: keyID}
}

// KMSOptions configures the KMS client.
type KMSOptions struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewKMSClient returns a KMS client with static credentials, optionally
// pointed at a non-AWS endpoint.
func NewKMSClient(opts KMSOptions) *kms.Client {
	o := kms.Options{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
	}
	if opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return kms.New(o)
}

func (w *KMSKeyWrapper) KeyID() string { return w.keyID }

func (w *KMSKeyWrapper) WrapKey(ctx context.Context, dataKey []byte) ([]byte, error) {
	out, err := w.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(w.keyID),
		Plaintext:         dataKey,
		EncryptionContext: kmsEncryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms encrypt: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (w *KMSKeyWrapper) UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(keyID),
		CiphertextBlob:    wrapped,
		EncryptionContext: kmsEncryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}
