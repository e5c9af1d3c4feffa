package audit

import (
	"encoding/json"
	"time"
)

// Action identifies what happened to a credential
type Action string

const (
	ActionKeyIssue          Action = "key.issue"
	ActionKeyRotate         Action = "key.rotate"
	ActionKeyRevoke         Action = "key.revoke"
	ActionKeyBulkRevoke     Action = "key.bulk_revoke"
	ActionKeyExpiryReminder Action = "key.expiry_reminder"
)

// Event is one audit notification produced by the key lifecycle. This
// service only emits events; storing, querying, and retaining them is the
// audit collaborator's concern.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`

	// Actor is who performed the operation (admin key ID, job name, ...)
	Actor string `json:"actor,omitempty"`
	// TargetID is the key record the operation applied to
	TargetID string `json:"target_id"`

	// Changes records field-level before/after or applied values
	Changes map[string]interface{} `json:"changes,omitempty"`
	// Metadata carries free-form operation context (reason, owner, ...)
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// ToJSON serializes the event
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
