package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MikkoParkkola/translate-gateway/internal/crypto"
	"github.com/MikkoParkkola/translate-gateway/internal/storage"
)

const keyPrefix = "secret:"

// EncryptedStore keeps provider API keys in the durable store, sealed
// with the gateway's encryption key. It serves deployments without
// access to a managed secrets service.
type EncryptedStore struct {
	store     storage.Service
	encryptor *crypto.Encryptor
}

func NewEncryptedStore(store storage.Service, encryptor *crypto.Encryptor) *EncryptedStore {
	return &EncryptedStore{store: store, encryptor: encryptor}
}

func (s *EncryptedStore) GetSecret(ctx context.Context, name string) (string, error) {
	key := keyPrefix + name

	values, err := s.store.Get(ctx, []string{key})
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}

	sealed, ok := values[key]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}

	plaintext, err := s.encryptor.Decrypt(string(sealed))
	if err != nil {
		return "", fmt.Errorf("unseal secret %s: %w", name, err)
	}
	return plaintext, nil
}

func (s *EncryptedStore) GetSecretJSON(ctx context.Context, name string, v interface{}) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

func (s *EncryptedStore) SetSecret(ctx context.Context, name, value string) error {
	sealed, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", name, err)
	}

	if err := s.store.Set(ctx, map[string][]byte{keyPrefix + name: []byte(sealed)}); err != nil {
		return fmt.Errorf("write secret %s: %w", name, err)
	}
	return nil
}
