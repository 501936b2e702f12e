package audit

import "context"

// VerifyResult reports chain integrity. BrokenAt is the index of the first
// bad entry within the verified slice, -1 when the chain is intact.
type VerifyResult struct {
	Valid    bool `json:"valid"`
	BrokenAt int  `json:"brokenAt"`
}

// VerifyChain checks an ordered run of entries starting at the chain origin
// (first entry's PreviousEntryHash must be empty).
func VerifyChain(entries []*Entry) VerifyResult {
	return VerifyChainFrom("", entries)
}

// VerifyChainFrom checks an ordered run of entries whose first entry must
// link to prevHash. Verification recomputes every entry hash and checks each
// link, failing fast at the first break.
func VerifyChainFrom(prevHash string, entries []*Entry) VerifyResult {
	prev := prevHash
	for i, e := range entries {
		if e.PreviousEntryHash != prev {
			return VerifyResult{Valid: false, BrokenAt: i}
		}
		computed, err := ComputeEntryHash(e)
		if err != nil || computed != e.EntryHash {
			return VerifyResult{Valid: false, BrokenAt: i}
		}
		prev = e.EntryHash
	}
	return VerifyResult{Valid: true, BrokenAt: -1}
}

// VerifyLedger reads the whole ledger and verifies it from the origin.
func VerifyLedger(ctx context.Context, l Ledger) (VerifyResult, error) {
	entries, err := l.Since(ctx, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(entries), nil
}
