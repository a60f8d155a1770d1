package audit

import (
	"errors"
	"fmt"
)

// ErrChainBroken is returned when an audit chain fails verification.
var ErrChainBroken = errors.New("audit chain broken")

// VerifyChain checks that entries (oldest first) form an unbroken chain from
// GenesisHash with contiguous sequence numbers and correct hashes.
func VerifyChain(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("%w: entry %s has seq %d, want %d", ErrChainBroken, e.ID, e.Seq, i+1)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %s does not link to its predecessor", ErrChainBroken, e.ID)
		}
		if got := ChainHash(e); got != e.Hash {
			return fmt.Errorf("%w: entry %s hash mismatch", ErrChainBroken, e.ID)
		}
		prev = e.Hash
	}
	return nil
}
