package contracts

import (
	"strings"

	"github.com/google/uuid"
)

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewDecisionID returns a fresh "dec_" identifier.
func NewDecisionID() string { return newID("dec_") }

// NewReplayID returns a fresh "rep_" identifier.
func NewReplayID() string { return newID("rep_") }

// NewEventID returns a fresh "evt_" identifier.
func NewEventID() string { return newID("evt_") }

// NewCorrectionID returns a fresh "cor_" identifier.
func NewCorrectionID() string { return newID("cor_") }
