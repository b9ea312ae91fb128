package model

import "time"

// Default payment requisites used when the lookup service omits them.
// Values match what the upstream service historically returned for
// federal treasury payments.
const (
	DefaultRecipientName = "УФК по региону"
	DefaultAccount       = "40101810800000010111"
	DefaultBIC           = "044525000"
)

// RemoteFine is one fine descriptor as returned by the lookup service.
// Date is kept verbatim in the source format; Amount is in minor currency
// units. All requisite fields are optional on the wire.
type RemoteFine struct {
	Date        string `json:"date"`
	Amount      int64  `json:"sum"`
	Description string `json:"description"`
	PhotoURL    string `json:"photo_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`

	UIN           string `json:"uin,omitempty"`
	BillID        string `json:"bill_id,omitempty"`
	KBK           string `json:"kbk,omitempty"`
	OKTMO         string `json:"oktmo,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
	Account       string `json:"account,omitempty"`
	BIC           string `json:"bic,omitempty"`
}

// Requisites holds the payment details stored with a fine.
type Requisites struct {
	UIN           string `json:"uin,omitempty"`
	KBK           string `json:"kbk,omitempty"`
	OKTMO         string `json:"oktmo,omitempty"`
	RecipientName string `json:"recipient_name"`
	Account       string `json:"account"`
	BIC           string `json:"bic"`
}

// Requisites extracts payment requisites from the descriptor, applying
// defaults for payee fields the service omitted. UIN falls back to the
// bill identifier.
func (f RemoteFine) Requisites() Requisites {
	r := Requisites{
		UIN:           f.UIN,
		KBK:           f.KBK,
		OKTMO:         f.OKTMO,
		RecipientName: f.RecipientName,
		Account:       f.Account,
		BIC:           f.BIC,
	}
	if r.UIN == "" {
		r.UIN = f.BillID
	}
	if r.RecipientName == "" {
		r.RecipientName = DefaultRecipientName
	}
	if r.Account == "" {
		r.Account = DefaultAccount
	}
	if r.BIC == "" {
		r.BIC = DefaultBIC
	}
	return r
}

// FineRecord is a persisted fine in a vehicle's history.
type FineRecord struct {
	ID          int64  `json:"id"`
	VehicleID   int64  `json:"vehicle_id"`
	Date        string `json:"date"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`

	// Hash is the content-addressed identity, unique per vehicle.
	Hash       string     `json:"hash"`
	DetectedAt time.Time  `json:"detected_at"`
	Paid       bool       `json:"paid"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`

	Requisites Requisites `json:"requisites"`
}

// KnownFine is the minimal local state the reconciler needs per stored fine.
type KnownFine struct {
	ID     int64
	Hash   string
	Paid   bool
	Date   string
	Amount int64
}
