package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/httputil"
	"github.com/keywarden/keywarden/pkg/middleware"
)

// actor returns the authenticated key ID for the audit trail
func actor(r *http.Request) string {
	if authCtx := middleware.GetAuthContext(r); authCtx != nil {
		return authCtx.Record.ID
	}
	return ""
}

// issueKey handles POST /v1/keys
func (s *Server) issueKey(w http.ResponseWriter, r *http.Request) {
	var req IssueKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	expiresInDays := req.ExpiresInDays
	if expiresInDays == 0 {
		expiresInDays = s.defaults.DefaultExpiryDays
	}
	rateLimit := s.defaults.DefaultRateLimitPerHour
	if req.RateLimitPerHour != nil {
		rateLimit = *req.RateLimitPerHour
	}

	env := apikey.Environment(req.Environment)
	if env != "" && env != apikey.EnvironmentLive && env != apikey.EnvironmentTest {
		httputil.WriteValidationError(w, "environment must be live or test")
		return
	}

	rec, secret, err := s.lifecycle.Issue(r.Context(), apikey.IssueParams{
		Owner:            apikey.Owner{UserID: req.UserID, AppName: req.AppName},
		Scopes:           req.Scopes,
		ExpiresInDays:    expiresInDays,
		RateLimitPerHour: rateLimit,
		AllowedIPs:       req.AllowedIPs,
		Environment:      env,
		GroupID:          req.GroupID,
		Metadata:         req.Metadata,
		Actor:            actor(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrOwnerConflict):
			httputil.WriteValidationError(w, "exactly one of user_id or app_name must be set")
		case errors.Is(err, apikey.ErrEmptyScopeSet):
			httputil.WriteValidationError(w, "at least one scope is required")
		case errors.Is(err, apikey.ErrInvalidScope):
			httputil.WriteValidationError(w, err.Error())
		case errors.Is(err, apikey.ErrInvalidExpiry):
			httputil.WriteValidationError(w, "expires_in_days must be positive")
		default:
			s.logger.WithError(err).Error("key issuance failed")
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteCreated(w, IssuedKeyResponse{
		Key:    toKeyResponse(rec, time.Now().UTC()),
		Secret: secret,
	})
}

// listKeys handles GET /v1/keys?user_id=|app_name=
func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	owner := apikey.Owner{
		UserID:  httputil.ParseQueryString(r, "user_id", ""),
		AppName: httputil.ParseQueryString(r, "app_name", ""),
	}
	if !owner.Valid() {
		httputil.WriteValidationError(w, "exactly one of user_id or app_name must be set")
		return
	}

	records, err := s.repo.FindByOwner(r.Context(), owner)
	if err != nil {
		s.logger.WithError(err).Error("owner lookup failed")
		httputil.WriteInternalError(w, err)
		return
	}

	now := time.Now().UTC()
	out := make([]KeyResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toKeyResponse(rec, now))
	}
	httputil.WriteSuccess(w, map[string]interface{}{"keys": out})
}

// getKey handles GET /v1/keys/{id}
func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	rec, err := s.repo.FindByID(r.Context(), id)
	if errors.Is(err, apikey.ErrKeyNotFound) {
		httputil.WriteNotFoundError(w, "key not found")
		return
	} else if err != nil {
		s.logger.WithError(err).Error("key lookup failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, toKeyResponse(rec, time.Now().UTC()))
}

// rotateKey handles POST /v1/keys/{id}/rotate
func (s *Server) rotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	// Body is optional; an empty read means server defaults
	var req RotateKeyRequest
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	overlapHours := s.defaults.DefaultRotationOverlapHours
	if req.OverlapHours != nil {
		overlapHours = *req.OverlapHours
	}
	if overlapHours < 0 {
		httputil.WriteValidationError(w, "overlap_hours must not be negative")
		return
	}

	rec, err := s.repo.FindByID(r.Context(), id)
	if errors.Is(err, apikey.ErrKeyNotFound) {
		httputil.WriteNotFoundError(w, "key not found")
		return
	} else if err != nil {
		s.logger.WithError(err).Error("key lookup failed")
		httputil.WriteInternalError(w, err)
		return
	}

	successor, secret, err := s.lifecycle.Rotate(r.Context(), rec, overlapHours, actor(r))
	if errors.Is(err, apikey.ErrAlreadyRotated) {
		httputil.WriteConflict(w, "key has already been rotated")
		return
	} else if err != nil {
		s.logger.WithError(err).WithField("key_id", id).Error("rotation failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, IssuedKeyResponse{
		Key:    toKeyResponse(successor, time.Now().UTC()),
		Secret: secret,
	})
}

// revokeKey handles DELETE /v1/keys/{id}
func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req RevokeKeyRequest
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	rec, err := s.repo.FindByID(r.Context(), id)
	if errors.Is(err, apikey.ErrKeyNotFound) {
		httputil.WriteNotFoundError(w, "key not found")
		return
	} else if err != nil {
		s.logger.WithError(err).Error("key lookup failed")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := s.lifecycle.Revoke(r.Context(), rec, req.Reason, actor(r)); err != nil {
		s.logger.WithError(err).WithField("key_id", id).Error("revocation failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// bulkRevoke handles POST /v1/keys/bulk-revoke
func (s *Server) bulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req BulkRevokeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var sel apikey.Selector
	switch {
	case req.Expired:
		if req.UserID != "" || req.AppName != "" {
			httputil.WriteValidationError(w, "expired cannot be combined with an owner selector")
			return
		}
		sel.Expired = true
	case req.UserID != "" || req.AppName != "":
		owner := apikey.Owner{UserID: req.UserID, AppName: req.AppName}
		if !owner.Valid() {
			httputil.WriteValidationError(w, "exactly one of user_id or app_name must be set")
			return
		}
		sel.Owner = &owner
	default:
		httputil.WriteValidationError(w, "a selector is required: user_id, app_name, or expired")
		return
	}

	result, err := s.lifecycle.BulkRevoke(r.Context(), sel, req.Reason, actor(r))
	if err != nil {
		s.logger.WithError(err).Error("bulk revoke failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// listKeyUsage handles GET /v1/keys/{id}/usage
func (s *Server) listKeyUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit <= 0 || limit > 1000 {
		httputil.WriteValidationError(w, "limit must be between 1 and 1000")
		return
	}

	if _, err := s.repo.FindByID(r.Context(), id); errors.Is(err, apikey.ErrKeyNotFound) {
		httputil.WriteNotFoundError(w, "key not found")
		return
	} else if err != nil {
		s.logger.WithError(err).Error("key lookup failed")
		httputil.WriteInternalError(w, err)
		return
	}

	events, err := s.repo.ListUsage(r.Context(), id, limit)
	if err != nil {
		s.logger.WithError(err).Error("usage listing failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

// verifyKey handles GET /v1/verify. Reaching this handler means the full
// authentication chain already passed.
func (s *Server) verifyKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "invalid API key")
		return
	}

	httputil.WriteSuccess(w, VerifyResponse{
		Valid:  true,
		Key:    toKeyResponse(authCtx.Record, time.Now().UTC()),
		Scopes: authCtx.Record.Scopes,
	})
}
