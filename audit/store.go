package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/actas/internal/uuid"
	"github.com/jmcleod/actas/storage"
)

const (
	entryRecordType = "AUDIT"
	headRecordType  = "AUDIT_HEAD"
	headRecordID    = "head"
	maxAppendTries  = 16
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one persisted audit record.
type Entry struct {
	ID             string            `json:"id"`
	Seq            uint64            `json:"seq"`
	Event          Event             `json:"event"`
	ImpersonatorID string            `json:"impersonator_id"`
	Attrs          map[string]string `json:"attrs,omitempty"`
	CreatedAt      string            `json:"created_at"`
	PrevHash       string            `json:"prev_hash"`
	Hash           string            `json:"hash"`
}

// Export is the portable form of a chain, verified offline by `actas audit verify`.
type Export struct {
	Namespace string  `json:"namespace"`
	Entries   []Entry `json:"entries"`
}

type chainHead struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Store is an append-only, hash-chained audit log kept in a storage.Repository.
type Store struct {
	repo      storage.Repository
	namespace string
	mu        sync.Mutex
}

// NewStore returns a Store writing into namespace of repo.
func NewStore(repo storage.Repository, namespace string) *Store {
	return &Store{repo: repo, namespace: namespace}
}

// chainFields is the canonical form hashed into an entry's link. Attrs are
// flattened to key-sorted pairs so map iteration order never changes the hash.
type chainFields struct {
	ID             string      `json:"id"`
	Seq            uint64      `json:"seq"`
	PrevHash       string      `json:"prev_hash"`
	CreatedAt      string      `json:"created_at"`
	Event          Event       `json:"event"`
	ImpersonatorID string      `json:"impersonator_id"`
	Attrs          [][2]string `json:"attrs"`
}

// ChainHash computes the link for an entry: SHA-256 over the JSON encoding of
// id, seq, prev_hash, created_at, event, impersonator_id and the key-sorted attrs.
// An empty attrs map hashes the same as a nil one.
func ChainHash(e Entry) string {
	fields := chainFields{
		ID:             e.ID,
		Seq:            e.Seq,
		PrevHash:       e.PrevHash,
		CreatedAt:      e.CreatedAt,
		Event:          e.Event,
		ImpersonatorID: e.ImpersonatorID,
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields.Attrs = append(fields.Attrs, [2]string{k, e.Attrs[k]})
	}
	// Only strings and integers; encoding cannot fail.
	data, _ := json.Marshal(fields)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Append adds an entry to the chain. The head record is advanced with a
// compare-and-swap inside the same batch, so concurrent writers sharing the
// repository cannot fork the chain.
func (s *Store) Append(event Event, impersonatorID string, attrs map[string]string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range maxAppendTries {
		head, version, err := s.loadHead()
		if err != nil {
			return Entry{}, err
		}
		entry := Entry{
			ID:             uuid.New(),
			Seq:            head.Seq + 1,
			Event:          event,
			ImpersonatorID: impersonatorID,
			Attrs:          attrs,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
			PrevHash:       head.Hash,
		}
		entry.Hash = ChainHash(entry)

		entryData, err := json.Marshal(entry)
		if err != nil {
			return Entry{}, err
		}
		headData, err := json.Marshal(chainHead{Seq: entry.Seq, Hash: entry.Hash})
		if err != nil {
			return Entry{}, err
		}

		err = s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(headRecordType, headRecordID, version, storage.PlainRecord(headData, version+1)); err != nil {
				return err
			}
			return tx.Put(entryRecordType, entry.ID, storage.PlainRecord(entryData))
		})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("appending audit entry: %w", err)
		}
		return entry, nil
	}
	return Entry{}, fmt.Errorf("appending audit entry: %w", storage.ErrCASFailed)
}

func (s *Store) loadHead() (chainHead, uint64, error) {
	env, err := s.repo.Get(s.namespace, headRecordType, headRecordID)
	if storage.IsMissing(err) {
		return chainHead{Hash: GenesisHash}, 0, nil
	}
	if err != nil {
		return chainHead{}, 0, fmt.Errorf("loading audit head: %w", err)
	}
	data, err := storage.OpenPlain(env)
	if err != nil {
		return chainHead{}, 0, err
	}
	var head chainHead
	if err := json.Unmarshal(data, &head); err != nil {
		return chainHead{}, 0, fmt.Errorf("decoding audit head: %w", err)
	}
	return head, env.Version, nil
}

// All returns every entry in chain order (oldest first). An entry that cannot
// be read or decoded fails the whole call with ErrChainBroken.
func (s *Store) All() ([]Entry, error) {
	ids, err := s.repo.List(s.namespace, entryRecordType)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		env, err := s.repo.Get(s.namespace, entryRecordType, id)
		if err != nil {
			return nil, fmt.Errorf("%w: reading entry %s: %v", ErrChainBroken, id, err)
		}
		data, err := storage.OpenPlain(env)
		if err != nil {
			return nil, fmt.Errorf("%w: opening entry %s: %v", ErrChainBroken, id, err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("%w: decoding entry %s: %v", ErrChainBroken, id, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	return entries, nil
}

// List returns entries newest first, optionally filtered by impersonator.
func (s *Store) List(impersonatorID string) ([]Entry, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if impersonatorID != "" && all[i].ImpersonatorID != impersonatorID {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Export returns the full chain in portable form.
func (s *Store) Export() (Export, error) {
	entries, err := s.All()
	if err != nil {
		return Export{}, err
	}
	return Export{Namespace: s.namespace, Entries: entries}, nil
}

// Verify checks the stored chain end to end.
func (s *Store) Verify() error {
	entries, err := s.All()
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}
