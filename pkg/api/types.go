package api

import (
	"time"

	"github.com/keywarden/keywarden/pkg/apikey"
)

// IssueKeyRequest is the body of POST /v1/keys
type IssueKeyRequest struct {
	UserID           string            `json:"user_id,omitempty"`
	AppName          string            `json:"app_name,omitempty"`
	Scopes           []string          `json:"scopes"`
	ExpiresInDays    int               `json:"expires_in_days,omitempty"`
	RateLimitPerHour *int              `json:"rate_limit_per_hour,omitempty"`
	AllowedIPs       []string          `json:"allowed_ips,omitempty"`
	Environment      string            `json:"environment,omitempty"`
	GroupID          string            `json:"group_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// KeyResponse is the API view of a key record. The digest never appears;
// the prefix is the only clear-text fragment.
type KeyResponse struct {
	ID               string             `json:"id"`
	Prefix           string             `json:"prefix"`
	UserID           string             `json:"user_id,omitempty"`
	AppName          string             `json:"app_name,omitempty"`
	Scopes           []string           `json:"scopes"`
	AllowedIPs       []string           `json:"allowed_ips,omitempty"`
	RateLimitPerHour int                `json:"rate_limit_per_hour"`
	Environment      apikey.Environment `json:"environment"`
	State            apikey.KeyState    `json:"state"`
	IsActive         bool               `json:"is_active"`
	CreatedAt        time.Time          `json:"created_at"`
	ExpiresAt        time.Time          `json:"expires_at"`
	LastUsedAt       *time.Time         `json:"last_used_at,omitempty"`
	UsageCount       int64              `json:"usage_count"`
	ReplacedBy       string             `json:"replaced_by,omitempty"`
	GroupID          string             `json:"group_id,omitempty"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
}

// IssuedKeyResponse carries the one-time raw secret alongside the record.
// The secret is shown exactly once and cannot be recovered afterwards.
type IssuedKeyResponse struct {
	Key    KeyResponse `json:"key"`
	Secret string      `json:"secret"`
}

// RotateKeyRequest is the body of POST /v1/keys/{id}/rotate
type RotateKeyRequest struct {
	// OverlapHours shortens the old key's remaining life to this grace
	// window. Omitted: the server default applies. Zero: the old expiry is
	// left untouched.
	OverlapHours *int `json:"overlap_hours,omitempty"`
}

// RevokeKeyRequest is the optional body of DELETE /v1/keys/{id}
type RevokeKeyRequest struct {
	Reason string `json:"reason,omitempty"`
}

// BulkRevokeRequest is the body of POST /v1/keys/bulk-revoke. Exactly one
// selector (user_id, app_name, or expired) must be set.
type BulkRevokeRequest struct {
	UserID  string `json:"user_id,omitempty"`
	AppName string `json:"app_name,omitempty"`
	Expired bool   `json:"expired,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// VerifyResponse is the body of GET /v1/verify
type VerifyResponse struct {
	Valid  bool        `json:"valid"`
	Key    KeyResponse `json:"key"`
	Scopes []string    `json:"scopes"`
}

// toKeyResponse converts a record to its API view
func toKeyResponse(rec *apikey.KeyRecord, now time.Time) KeyResponse {
	return KeyResponse{
		ID:               rec.ID,
		Prefix:           rec.Prefix,
		UserID:           rec.UserID,
		AppName:          rec.AppName,
		Scopes:           rec.Scopes,
		AllowedIPs:       rec.AllowedIPs,
		RateLimitPerHour: rec.RateLimitPerHour,
		Environment:      rec.Environment,
		State:            rec.State(now),
		IsActive:         rec.IsActive,
		CreatedAt:        rec.CreatedAt,
		ExpiresAt:        rec.ExpiresAt,
		LastUsedAt:       rec.LastUsedAt,
		UsageCount:       rec.UsageCount,
		ReplacedBy:       rec.ReplacedBy,
		GroupID:          rec.GroupID,
		Metadata:         rec.Metadata,
	}
}
