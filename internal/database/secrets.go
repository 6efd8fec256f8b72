package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailad/mailadmin/internal/crypto"
)

// SecretStore keeps sensitive configuration values (relay credentials and the
// like) encrypted at rest in the config_secrets table.
type SecretStore struct {
	db  *DB
	enc *crypto.Encryptor
}

// NewSecretStore builds a secret store over db using enc for encryption.
func NewSecretStore(db *DB, enc *crypto.Encryptor) *SecretStore {
	return &SecretStore{db: db, enc: enc}
}

// PutSecret encrypts and upserts a named secret.
func (s *SecretStore) PutSecret(name, value string) error {
	encrypted, err := s.enc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypting secret %s: %w", name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO config_secrets (name, encrypted_value)
		VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET encrypted_value = excluded.encrypted_value,
			updated_at = CURRENT_TIMESTAMP
	`, name, encrypted)
	return err
}

// GetSecret decrypts a named secret. A missing secret yields an empty string.
func (s *SecretStore) GetSecret(name string) (string, error) {
	var encrypted string
	err := s.db.QueryRow("SELECT encrypted_value FROM config_secrets WHERE name = ?", name).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.enc.Decrypt(encrypted)
}

// DeleteSecret removes a named secret if present.
func (s *SecretStore) DeleteSecret(name string) error {
	_, err := s.db.Exec("DELETE FROM config_secrets WHERE name = ?", name)
	return err
}
