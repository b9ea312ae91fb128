package model

import (
	"strings"
	"time"
)

// Vehicle is a registered vehicle whose fines are tracked.
type Vehicle struct {
	ID          int64  `json:"id"`
	Plate       string `json:"plate"`
	Document    string `json:"document"` // registration certificate (STS) number
	Email       string `json:"email"`
	Email2      string `json:"email2,omitempty"`
	Description string `json:"description,omitempty"`

	// Written once per successful poll by the orchestrator.
	LastFingerprint string     `json:"last_fingerprint,omitempty"`
	LastCheckAt     *time.Time `json:"last_check_at,omitempty"`
}

// Addresses returns the configured notification addresses, skipping blanks.
func (v Vehicle) Addresses() []string {
	var out []string
	for _, a := range []string{v.Email, v.Email2} {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out
}

// NormalizePlate uppercases a plate number. Cyrillic plates round-trip
// correctly through strings.ToUpper.
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}
