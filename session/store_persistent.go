package session

import (
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/actas/internal/crypto"
	"github.com/jmcleod/actas/internal/util"
	"github.com/jmcleod/actas/storage"
)

const (
	slotRecordType    = "SLOT"
	slotKeyRecordType = "SLOT_KEY"
	slotKeyID         = "current"
	slotAADVersion    = 1

	// DefaultNamespace is the repository namespace used when none is given.
	DefaultNamespace = "default"
)

// PersistentStore keeps the slots in a storage.Repository, each sealed with
// AES-256-GCM under a per-namespace slot key.
//
// The slot key is itself sealed with an externally provided wrapping key
// before it is stored, so a copy of the repository alone does not reveal any
// credential. In memory the slot key lives in a memguard Enclave and is only
// decrypted for the duration of a single Get or Commit.
type PersistentStore struct {
	repo      storage.Repository
	namespace string
	key       *memguard.Enclave
}

var _ Store = (*PersistentStore)(nil)

// NewPersistentStore opens (or initialises) the slot store for namespace.
// wrappingKey must be 32 bytes and is never written to repo.
func NewPersistentStore(repo storage.Repository, namespace string, wrappingKey []byte) (*PersistentStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	key, err := loadOrCreateSlotKey(repo, namespace, wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &PersistentStore{
		repo:      repo,
		namespace: namespace,
		key:       memguard.NewEnclave(key),
	}, nil
}

// Namespace returns the repository namespace holding the slots.
func (s *PersistentStore) Namespace() string {
	return s.namespace
}

func (s *PersistentStore) Get(key Key) (string, error) {
	env, err := s.repo.Get(s.namespace, slotRecordType, string(key))
	if storage.IsMissing(err) {
		return "", ErrSlotEmpty
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("%w: opening slot key: %v", ErrStorageUnavailable, err)
	}
	defer buf.Destroy()

	data, err := storage.OpenRecord(buf.Bytes(), env, s.slotAAD(key))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer util.WipeBytes(data)
	if len(data) == 0 {
		return "", ErrSlotEmpty
	}
	return string(data), nil
}

func (s *PersistentStore) Commit(changes ...Change) error {
	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("%w: opening slot key: %v", ErrStorageUnavailable, err)
	}
	defer buf.Destroy()

	// Seal outside the transaction so a bolt write lock is never held
	// across key operations.
	sealed := make([]*storage.Envelope, len(changes))
	for i, c := range changes {
		if c.Clear {
			continue
		}
		env, err := storage.SealRecord(buf.Bytes(), []byte(c.Value), s.slotAAD(c.Key))
		if err != nil {
			return fmt.Errorf("%w: sealing %s: %v", ErrStorageUnavailable, c.Key, err)
		}
		sealed[i] = env
	}

	err = s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		for i, c := range changes {
			if c.Clear {
				if err := tx.Delete(slotRecordType, string(c.Key)); err != nil && !storage.IsMissing(err) {
					return err
				}
				continue
			}
			if err := tx.Put(slotRecordType, string(c.Key), sealed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PersistentStore) slotAAD(key Key) []byte {
	return icrypto.AADSlot(s.namespace, string(key), slotAADVersion)
}

// loadOrCreateSlotKey unseals the namespace's slot key with wrappingKey, or
// generates and persists a new one. A key sealed under a different wrapping
// key is an error rather than a silent regeneration: replacing it would strand
// the operator's restore credential.
func loadOrCreateSlotKey(repo storage.Repository, namespace string, wrappingKey []byte) ([]byte, error) {
	aad := icrypto.AADSlotKeyWrap(namespace, slotAADVersion)

	env, err := repo.Get(namespace, slotKeyRecordType, slotKeyID)
	switch {
	case err == nil:
		key, err := storage.OpenRecord(wrappingKey, env, aad)
		if err != nil {
			return nil, fmt.Errorf("unsealing slot key (wrong wrapping key?): %w", err)
		}
		if len(key) != util.AESKeySize {
			util.WipeBytes(key)
			return nil, fmt.Errorf("slot key has invalid length %d", len(key))
		}
		return key, nil
	case !storage.IsMissing(err):
		return nil, err
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new slot key: %w", err)
	}
	if err := repo.Put(namespace, slotKeyRecordType, slotKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
