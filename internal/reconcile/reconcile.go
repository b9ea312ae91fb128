// Package reconcile computes the state transitions between a vehicle's
// remote fine list and its persisted history.
//
// The diff is pure: it produces mutations and notification events without
// touching the store. A fine is identified by its content hash, so remote
// reordering and duplicate descriptors cannot produce spurious transitions.
package reconcile

import (
	"time"

	"github.com/avtopark/finewatch/internal/fingerprint"
	"github.com/avtopark/finewatch/internal/model"
)

// PaidFine describes one fine that disappeared from the remote list.
type PaidFine struct {
	Date   string `json:"date"`
	Amount int64  `json:"amount"`
}

// Result is the outcome of diffing one vehicle.
type Result struct {
	// Inserts are full records for fines seen for the first time.
	Inserts []model.FineRecord
	// MarkPaid are record ids whose paid flag must transition 0->1.
	MarkPaid []int64

	// NewEvents mirror Inserts for notification purposes.
	NewEvents []model.RemoteFine
	// PaidEvents carry the (date, amount) of each paid transition.
	PaidEvents []PaidFine
}

// Empty reports whether the diff produced no mutations and no events.
func (r Result) Empty() bool {
	return len(r.Inserts) == 0 && len(r.MarkPaid) == 0
}

// Reconcile diffs the remote fine list against the locally known fines.
//
// Rules:
//   - a remote fine whose hash is unknown locally is inserted unpaid and
//     reported as a NEW event; duplicate remote hashes collapse to one
//     insert,
//   - a known unpaid fine absent from the remote list is marked paid and
//     reported as a PAID event,
//   - fines present on both sides, and fines already paid, are untouched.
//
// The caller must only invoke this with a definitively well-formed remote
// list: an empty list means every unpaid fine was settled, so feeding it a
// partial or failed fetch would fabricate paid transitions.
func Reconcile(now time.Time, remote []model.RemoteFine, known []model.KnownFine) Result {
	localByHash := make(map[string]model.KnownFine, len(known))
	for _, k := range known {
		localByHash[k.Hash] = k
	}

	var res Result
	remoteHashes := make(map[string]struct{}, len(remote))

	for _, f := range remote {
		hash := fingerprint.Remote(f)
		if _, dup := remoteHashes[hash]; dup {
			continue
		}
		remoteHashes[hash] = struct{}{}

		if _, ok := localByHash[hash]; ok {
			continue
		}
		res.Inserts = append(res.Inserts, model.FineRecord{
			Date:        f.Date,
			Amount:      f.Amount,
			Description: f.Description,
			PhotoURL:    f.PhotoURL,
			DocumentURL: f.DocumentURL,
			Hash:        hash,
			DetectedAt:  now,
			Requisites:  f.Requisites(),
		})
		res.NewEvents = append(res.NewEvents, f)
	}

	for _, k := range known {
		if k.Paid {
			continue
		}
		if _, listed := remoteHashes[k.Hash]; listed {
			continue
		}
		res.MarkPaid = append(res.MarkPaid, k.ID)
		res.PaidEvents = append(res.PaidEvents, PaidFine{Date: k.Date, Amount: k.Amount})
	}

	return res
}
