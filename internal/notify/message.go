package notify

import (
	"fmt"
	"strings"

	"github.com/avtopark/finewatch/internal/model"
	"github.com/avtopark/finewatch/internal/reconcile"
)

// NewFinesMessage batches all newly detected fines for one vehicle into a
// single message.
func NewFinesMessage(v model.Vehicle, fines []model.RemoteFine) Message {
	var b strings.Builder
	writeVehicleHeader(&b, v)
	fmt.Fprintf(&b, "New fines: %d\n\n", len(fines))
	for _, f := range fines {
		fmt.Fprintf(&b, "Date:   %s\n", f.Date)
		fmt.Fprintf(&b, "Amount: %s\n", formatAmount(f.Amount))
		if f.Description != "" {
			fmt.Fprintf(&b, "Detail: %s\n", f.Description)
		}
		if f.PhotoURL != "" {
			fmt.Fprintf(&b, "Photo:  %s\n", f.PhotoURL)
		}
		b.WriteString("\n")
	}
	return Message{
		To:      v.Addresses(),
		Subject: fmt.Sprintf("New fines — %s", v.Plate),
		Body:    b.String(),
	}
}

// PaidFinesMessage batches all fines that left the remote list for one
// vehicle into a single message.
func PaidFinesMessage(v model.Vehicle, fines []reconcile.PaidFine) Message {
	var b strings.Builder
	writeVehicleHeader(&b, v)
	fmt.Fprintf(&b, "Fines paid: %d\n\n", len(fines))
	for _, f := range fines {
		fmt.Fprintf(&b, "Date:   %s\n", f.Date)
		fmt.Fprintf(&b, "Amount: %s\n\n", formatAmount(f.Amount))
	}
	return Message{
		To:      v.Addresses(),
		Subject: fmt.Sprintf("Fines paid — %s", v.Plate),
		Body:    b.String(),
	}
}

func writeVehicleHeader(b *strings.Builder, v model.Vehicle) {
	fmt.Fprintf(b, "Vehicle: %s\n", v.Plate)
	desc := v.Description
	if desc == "" {
		desc = "—"
	}
	fmt.Fprintf(b, "Note:    %s\n\n", desc)
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d ₽", minor)
}
