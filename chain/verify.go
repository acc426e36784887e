package chain

import (
	"errors"
	"fmt"

	"github.com/useai-dev/useaid"
)

// ErrHashMismatch is returned when a record's stored hash does not match
// the hash recomputed from its contents.
var ErrHashMismatch = errors.New("record hash mismatch")

// ErrChainCorrupted is returned when record linkage is broken: a missing
// genesis marker or a prev_hash that does not match the preceding record.
var ErrChainCorrupted = errors.New("chain corrupted")

// Verify checks a chain's integrity: the first record's prev_hash is
// GENESIS, every subsequent prev_hash equals the preceding record's hash,
// and every stored hash matches its recomputed value.
func Verify(records []*useaid.ChainRecord) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: empty chain", ErrChainCorrupted)
	}
	if records[0].PrevHash != useaid.GenesisHash {
		return fmt.Errorf("%w: first record prev_hash is %q, want %q",
			ErrChainCorrupted, records[0].PrevHash, useaid.GenesisHash)
	}
	for i, record := range records {
		if i > 0 && record.PrevHash != records[i-1].Hash {
			return fmt.Errorf("%w: record %d prev_hash does not link to record %d",
				ErrChainCorrupted, i, i-1)
		}
		ok, err := useaid.VerifyRecordHash(record)
		if err != nil {
			return fmt.Errorf("failed to verify record %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("%w: record %d (%s)", ErrHashMismatch, i, record.Type)
		}
	}
	return nil
}
