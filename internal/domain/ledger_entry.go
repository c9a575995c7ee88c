package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeLedgerEntry is one immutable zone reassignment. Sequence is assigned by
// the ledger store on append and is the only ordering authority; Timestamp is
// informational.
type ChangeLedgerEntry struct {
	ID               uuid.UUID `json:"id"`
	Sequence         int64     `json:"seq"`
	MunicipalityCode string    `json:"code"`
	PreviousZone     string    `json:"previous_zone"`
	NewZone          string    `json:"new_zone"`
	Timestamp        time.Time `json:"timestamp"`
	Actor            string    `json:"actor,omitempty"`
}

// NewChangeLedgerEntry builds an unsequenced entry.
func NewChangeLedgerEntry(code, previousZone, newZone, actor string, at time.Time) ChangeLedgerEntry {
	return ChangeLedgerEntry{
		ID:               uuid.New(),
		MunicipalityCode: code,
		PreviousZone:     previousZone,
		NewZone:          newZone,
		Timestamp:        at.UTC(),
		Actor:            actor,
	}
}
