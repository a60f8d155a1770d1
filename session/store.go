package session

// Key names one slot of the session store.
type Key string

const (
	KeyActiveCredential  Key = "active_credential"
	KeyRestoreCredential Key = "restore_credential"
	KeyImpersonationMode Key = "impersonation_mode"
	KeySchemaVersion     Key = "schema_version"
)

// SchemaVersion is written alongside every transition.
const SchemaVersion = "1"

// Change is one slot write applied by Store.Commit.
type Change struct {
	Key   Key
	Value string
	Clear bool
}

// Set returns a change that writes value into key.
func Set(key Key, value string) Change {
	return Change{Key: key, Value: value}
}

// Clear returns a change that empties key.
func Clear(key Key) Change {
	return Change{Key: key, Clear: true}
}

// Store is durable storage for the session slots. Only the Controller
// writes to it.
type Store interface {
	// Get returns the slot value, or ErrSlotEmpty when it holds none.
	Get(key Key) (string, error)
	// Commit applies changes in order. Backends apply them atomically where
	// they can; when they cannot, the order given is the order written.
	Commit(changes ...Change) error
}
