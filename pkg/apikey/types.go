package apikey

import "time"

// Environment distinguishes live and test credentials
type Environment string

const (
	EnvironmentLive Environment = "live"
	EnvironmentTest Environment = "test"
)

// OwnerKind identifies who a key is issued to
type OwnerKind string

const (
	OwnerKindUser        OwnerKind = "user"
	OwnerKindApplication OwnerKind = "application"
)

// Owner identifies the principal a key is issued to.
// Exactly one of UserID or AppName must be set.
type Owner struct {
	UserID  string `json:"user_id,omitempty"`
	AppName string `json:"app_name,omitempty"`
}

// Kind returns the owner kind, or "" if the owner is invalid
func (o Owner) Kind() OwnerKind {
	switch {
	case o.UserID != "" && o.AppName == "":
		return OwnerKindUser
	case o.AppName != "" && o.UserID == "":
		return OwnerKindApplication
	default:
		return ""
	}
}

// Valid reports whether exactly one owner field is populated
func (o Owner) Valid() bool {
	return o.Kind() != ""
}

// KeyState is the derived lifecycle state of a key
type KeyState string

const (
	KeyStateActive  KeyState = "active"
	KeyStateExpired KeyState = "expired"
	KeyStateRevoked KeyState = "revoked"
)

// KeyRecord is the stored authorization credential. The raw secret is never
// persisted; only its SHA-256 digest and a short clear-text prefix are kept.
type KeyRecord struct {
	ID     string `json:"id"`
	Digest string `json:"-"` // Never expose the digest
	Prefix string `json:"prefix"`

	UserID  string `json:"user_id,omitempty"`
	AppName string `json:"app_name,omitempty"`

	Scopes           []string    `json:"scopes"`
	AllowedIPs       []string    `json:"allowed_ips,omitempty"`
	RateLimitPerHour int         `json:"rate_limit_per_hour"`
	Environment      Environment `json:"environment"`

	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int64      `json:"usage_count"`

	ReplacedBy           string `json:"replaced_by,omitempty"`
	RotationReminderSent bool   `json:"rotation_reminder_sent"`

	GroupID  string            `json:"group_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Owner returns the key's owner
func (r *KeyRecord) Owner() Owner {
	return Owner{UserID: r.UserID, AppName: r.AppName}
}

// State derives the lifecycle state at the given instant. Revocation wins
// over expiry; both are terminal.
func (r *KeyRecord) State(now time.Time) KeyState {
	if !r.IsActive {
		return KeyStateRevoked
	}
	if !now.Before(r.ExpiresAt) {
		return KeyStateExpired
	}
	return KeyStateActive
}

// Rotated reports whether a successor key exists. Orthogonal to State.
func (r *KeyRecord) Rotated() bool {
	return r.ReplacedBy != ""
}

// Clone returns a deep copy of the record
func (r *KeyRecord) Clone() *KeyRecord {
	cp := *r
	cp.Scopes = append([]string(nil), r.Scopes...)
	cp.AllowedIPs = append([]string(nil), r.AllowedIPs...)
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		cp.LastUsedAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// UsageEvent is one append-only telemetry row describing an authenticated
// request. Created by the UsageRecorder and never updated afterwards.
type UsageEvent struct {
	ID             int64     `json:"id"`
	KeyID          string    `json:"key_id"`
	Timestamp      time.Time `json:"timestamp"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	SourceIP       string    `json:"source_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}
