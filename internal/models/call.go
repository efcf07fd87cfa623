package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// CallRequest is the record governing one call's lifecycle between two
// participants. It doubles as the durable half of the signaling exchange:
// offer, answer and candidates survive client reconnects here while the
// websocket relay handles live delivery.
type CallRequest struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	PairKey    string         `gorm:"size:160;index;not null" json:"pair_key"`
	FromID     string         `gorm:"size:64;index;not null" json:"from_id"`
	ToID       string         `gorm:"size:64;index;not null" json:"to_id"`
	Status     string         `gorm:"size:16;index;not null" json:"status"`
	Offer      datatypes.JSON `gorm:"type:json" json:"offer,omitempty"`
	Answer     datatypes.JSON `gorm:"type:json" json:"answer,omitempty"`
	Candidates datatypes.JSON `gorm:"type:json" json:"candidates,omitempty"`
	EndReason  string         `gorm:"size:64" json:"end_reason,omitempty"`
	ExpiresAt  time.Time      `gorm:"index" json:"expires_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

const (
	// CallStatusRequesting means the callee has not yet responded.
	CallStatusRequesting = "requesting"
	// CallStatusAccepted means the callee accepted and signaling may proceed.
	CallStatusAccepted = "accepted"
	// CallStatusDeclined is terminal.
	CallStatusDeclined = "declined"
	// CallStatusExpired is terminal; set when no response arrived in time.
	CallStatusExpired = "expired"
	// CallStatusEnded is terminal; set after an accepted call finishes.
	CallStatusEnded = "ended"
)

// CallRequestTTL is how long a pending request stays answerable.
const CallRequestTTL = 60 * time.Second

// LiveCallStatuses are the non-terminal states; at most one call per pair may
// hold one of these at a time.
var LiveCallStatuses = []string{CallStatusRequesting, CallStatusAccepted}

// IsTerminal reports whether the call can no longer transition.
func (c CallRequest) IsTerminal() bool {
	switch c.Status {
	case CallStatusDeclined, CallStatusExpired, CallStatusEnded:
		return true
	}
	return false
}

// OtherParty returns the participant on the far side of the call from id.
func (c CallRequest) OtherParty(id string) string {
	if c.FromID == id {
		return c.ToID
	}
	return c.FromID
}

// Involves reports whether id is one of the two call parties.
func (c CallRequest) Involves(id string) bool {
	return c.FromID == id || c.ToID == id
}

// PairKey derives the deterministic shared identifier for an unordered pair of
// participant ids. Both orderings map to the same key.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}
