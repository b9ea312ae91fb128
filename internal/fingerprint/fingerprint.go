// Package fingerprint computes content-addressed identities for fines.
//
// Fine identity covers only the (date, amount, description) triple, so two
// descriptors that differ in photo URLs or payment requisites collapse to
// the same identity. Aggregate digests are computed over the list sorted by
// (date, amount) and are therefore invariant under remote reordering.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/avtopark/finewatch/internal/model"
)

// Fine returns the identity hash for a single fine. md5 is an identity key
// here, not a security boundary; it also keeps hashes stable against
// histories written by the previous agent.
func Fine(date string, amount int64, description string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d|%s", date, amount, description)))
	return hex.EncodeToString(sum[:])
}

// Remote returns the identity hash for a remote descriptor.
func Remote(f model.RemoteFine) string {
	return Fine(f.Date, f.Amount, f.Description)
}

// Aggregate returns the per-vehicle change marker over the full remote list.
// The list is sorted by (date, amount) before hashing.
func Aggregate(fines []model.RemoteFine) string {
	sorted := make([]model.RemoteFine, len(fines))
	copy(sorted, fines)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date < sorted[j].Date
		}
		return sorted[i].Amount < sorted[j].Amount
	})

	h := md5.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s|%d|%s\n", f.Date, f.Amount, f.Description)
	}
	return hex.EncodeToString(h.Sum(nil))
}
