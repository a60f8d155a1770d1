package session

import (
	"fmt"

	icrypto "github.com/jmcleod/actas/internal/crypto"
	"github.com/jmcleod/actas/internal/util"
	"github.com/jmcleod/actas/storage"
)

const (
	wrapSaltRecordType = "WRAP_SALT"
	wrapSaltID         = "argon2id"
	wrapSaltLen        = 16
)

// WrappingKeyFromPassphrase derives a 32-byte wrapping key from passphrase
// with argon2id. The salt is generated on first use and kept in repo next to
// the slots; it is not secret.
func WrappingKeyFromPassphrase(repo storage.Repository, namespace, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	salt, err := loadOrCreateSalt(repo, namespace)
	if err != nil {
		return nil, fmt.Errorf("loading wrapping salt: %w", err)
	}
	return util.DeriveArgon2idKey(passphrase, salt, util.DefaultArgon2idParams())
}

// WrappingKeyFromSecret expands high-entropy key material (a key file, an
// environment secret) into a wrapping key bound to namespace.
func WrappingKeyFromSecret(secret []byte, namespace string) ([]byte, error) {
	if len(secret) < util.AESKeySize {
		return nil, fmt.Errorf("wrapping secret must be at least %d bytes, got %d", util.AESKeySize, len(secret))
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return icrypto.DeriveWrappingKey(secret, namespace)
}

func loadOrCreateSalt(repo storage.Repository, namespace string) ([]byte, error) {
	env, err := repo.Get(namespace, wrapSaltRecordType, wrapSaltID)
	if err == nil {
		salt, err := storage.OpenPlain(env)
		if err != nil {
			return nil, err
		}
		if len(salt) < wrapSaltLen {
			return nil, fmt.Errorf("stored salt too short: %d bytes", len(salt))
		}
		return salt, nil
	}
	if !storage.IsMissing(err) {
		return nil, err
	}
	salt, err := util.RandomBytes(wrapSaltLen)
	if err != nil {
		return nil, err
	}
	if err := repo.Put(namespace, wrapSaltRecordType, wrapSaltID, storage.PlainRecord(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}
