package alert

import (
	"encoding/base32"
	"time"

	"github.com/google/uuid"
)

const shortCodePrefix = "SOS-"

// Crockford alphabet: no I, L, O or U so codes survive being read out over a radio.
var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewIdentity allocates a fresh alert ID and the short code derived from it.
func NewIdentity() (id string, code string) {
	u := uuid.New()
	return u.String(), ShortCode(u)
}

// ShortCode derives the operator-facing code from the first 40 bits of the ID.
func ShortCode(id uuid.UUID) string {
	return shortCodePrefix + crockford.EncodeToString(id[:5])
}

// New builds a triggered alert from a validated trigger.
func New(t Trigger, id, code string, now time.Time) Alert {
	at := now.UTC()
	return Alert{
		ID:            id,
		ShortCode:     code,
		Source:        t.Source,
		EmergencyType: t.EmergencyType,
		Severity:      SeverityFor(t.EmergencyType),
		ReporterType:  t.ReporterType,
		ReporterID:    t.ReporterID,
		Location:      t.Location,
		DriverID:      t.DriverID,
		TripID:        t.TripID,
		Message:       t.Message,
		Status:        StatusTriggered,
		TriggeredAt:   at,
		UpdatedAt:     at,
		Version:       1,
		Notes:         []Note{},
		Dispatch:      []DispatchRecord{},
	}
}

// NewNote stamps a note with a fresh ID.
func NewNote(kind NoteKind, actor, body string, at time.Time) Note {
	return Note{
		ID:        uuid.NewString(),
		Kind:      kind,
		Actor:     actor,
		Body:      body,
		CreatedAt: at.UTC(),
	}
}
