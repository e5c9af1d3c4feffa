package apikey_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/audit"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/storage"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// captureNotifier records every audit event for assertions
type captureNotifier struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (n *captureNotifier) Notify(ctx context.Context, event *audit.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *captureNotifier) byAction(action audit.Action) []*audit.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []*audit.Event
	for _, e := range n.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// flakyRepo fails UpdateFields for selected key IDs
type flakyRepo struct {
	apikey.Repository
	failIDs map[string]bool
}

func (r *flakyRepo) UpdateFields(ctx context.Context, id string, fields apikey.Fields) error {
	if r.failIDs[id] {
		return errors.New("storage offline")
	}
	return r.Repository.UpdateFields(ctx, id, fields)
}

func newManager(t *testing.T) (*apikey.LifecycleManager, *storage.MemoryStore, *captureNotifier) {
	t.Helper()

	store := storage.NewMemoryStore()
	notifier := &captureNotifier{}
	registry := apikey.NewScopeRegistry()
	if err := registry.RegisterResource("orders", "orders"); err != nil {
		t.Fatalf("RegisterResource() error = %v", err)
	}

	m := apikey.NewLifecycleManager(apikey.NewKeyCodec(), store, registry, notifier, testLogger())
	return m, store, notifier
}

func TestLifecycleManager_Issue(t *testing.T) {
	m, store, notifier := newManager(t)
	ctx := context.Background()

	rec, secret, err := m.Issue(ctx, apikey.IssueParams{
		Owner:            apikey.Owner{UserID: "u-1"},
		Scopes:           []string{"orders:read", "orders:write"},
		ExpiresInDays:    30,
		RateLimitPerHour: 500,
		AllowedIPs:       []string{"10.0.0.1"},
		Metadata:         map[string]string{"team": "payments"},
		Actor:            "admin-key",
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Presented key: user/live marker plus 32-char secret
	if !strings.HasPrefix(secret, apikey.MarkerUserLive) {
		t.Errorf("secret should start with %q, got %q", apikey.MarkerUserLive, secret)
	}
	if len(secret) != len(apikey.MarkerUserLive)+apikey.SecretLength {
		t.Errorf("secret length = %d, want %d", len(secret), len(apikey.MarkerUserLive)+apikey.SecretLength)
	}

	if rec.ID == "" {
		t.Error("record should have an ID")
	}
	if !rec.IsActive {
		t.Error("new key should be active")
	}
	if rec.Environment != apikey.EnvironmentLive {
		t.Errorf("environment = %q, want live default", rec.Environment)
	}
	if rec.UsageCount != 0 {
		t.Errorf("usage count = %d, want 0", rec.UsageCount)
	}
	if len(rec.Prefix) != apikey.StoredPrefixLength {
		t.Errorf("prefix length = %d, want %d", len(rec.Prefix), apikey.StoredPrefixLength)
	}
	if !strings.HasPrefix(strings.TrimPrefix(secret, apikey.MarkerUserLive), rec.Prefix) {
		t.Error("stored prefix should match the secret's leading characters")
	}

	wantExpiry := time.Now().UTC().AddDate(0, 0, 30)
	if rec.ExpiresAt.Sub(wantExpiry) > time.Minute || wantExpiry.Sub(rec.ExpiresAt) > time.Minute {
		t.Errorf("expiry = %v, want ~%v", rec.ExpiresAt, wantExpiry)
	}

	// Only the digest is persisted; it must resolve the presented secret
	codec := apikey.NewKeyCodec()
	stored, err := store.FindByDigest(ctx, codec.Digest(codec.StripMarker(secret)))
	if err != nil {
		t.Fatalf("FindByDigest() error = %v", err)
	}
	if stored.ID != rec.ID {
		t.Errorf("digest resolves to %s, want %s", stored.ID, rec.ID)
	}

	if got := notifier.byAction(audit.ActionKeyIssue); len(got) != 1 {
		t.Errorf("issue audit events = %d, want 1", len(got))
	} else if got[0].Actor != "admin-key" {
		t.Errorf("audit actor = %q, want admin-key", got[0].Actor)
	}
}

func TestLifecycleManager_Issue_AppTestMarker(t *testing.T) {
	m, _, _ := newManager(t)

	_, secret, err := m.Issue(context.Background(), apikey.IssueParams{
		Owner:         apikey.Owner{AppName: "batch-import"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 7,
		Environment:   apikey.EnvironmentTest,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !strings.HasPrefix(secret, apikey.MarkerAppTest) {
		t.Errorf("secret should start with %q, got %q", apikey.MarkerAppTest, secret)
	}
}

func TestLifecycleManager_Issue_Validation(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	valid := apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-1"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 30,
	}

	tests := []struct {
		name    string
		mutate  func(*apikey.IssueParams)
		wantErr error
	}{
		{"both owners", func(p *apikey.IssueParams) { p.Owner.AppName = "svc" }, apikey.ErrOwnerConflict},
		{"no owner", func(p *apikey.IssueParams) { p.Owner = apikey.Owner{} }, apikey.ErrOwnerConflict},
		{"no scopes", func(p *apikey.IssueParams) { p.Scopes = nil }, apikey.ErrEmptyScopeSet},
		{"unknown scope", func(p *apikey.IssueParams) { p.Scopes = []string{"made:up"} }, apikey.ErrInvalidScope},
		{"zero expiry", func(p *apikey.IssueParams) { p.ExpiresInDays = 0 }, apikey.ErrInvalidExpiry},
		{"negative expiry", func(p *apikey.IssueParams) { p.ExpiresInDays = -1 }, apikey.ErrInvalidExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.Scopes = append([]string(nil), valid.Scopes...)
			tt.mutate(&p)

			_, _, err := m.Issue(ctx, p)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Issue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLifecycleManager_Rotate(t *testing.T) {
	m, store, notifier := newManager(t)
	ctx := context.Background()

	old, oldSecret, err := m.Issue(ctx, apikey.IssueParams{
		Owner:            apikey.Owner{AppName: "batch-import"},
		Scopes:           []string{"orders:read"},
		ExpiresInDays:    90,
		RateLimitPerHour: 100,
		AllowedIPs:       []string{"10.0.0.1"},
		GroupID:          "g-1",
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	successor, newSecret, err := m.Rotate(ctx, old, 24, "admin-key")
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	if newSecret == oldSecret {
		t.Error("successor should carry a fresh secret")
	}
	if !strings.HasPrefix(newSecret, apikey.MarkerAppLive) {
		t.Errorf("successor secret should keep the app/live marker, got %q", newSecret)
	}

	// Successor inherits the grant surface
	if len(successor.Scopes) != 1 || successor.Scopes[0] != "orders:read" {
		t.Errorf("successor scopes = %v, want inherited", successor.Scopes)
	}
	if successor.RateLimitPerHour != 100 {
		t.Errorf("successor rate limit = %d, want 100", successor.RateLimitPerHour)
	}
	if successor.GroupID != "g-1" {
		t.Errorf("successor group = %q, want g-1", successor.GroupID)
	}
	if successor.Metadata["rotated_from"] != old.ID {
		t.Errorf("successor should record its predecessor, got %v", successor.Metadata)
	}

	// Predecessor is linked and its life shortened to the grace window
	pred, err := store.FindByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if pred.ReplacedBy != successor.ID {
		t.Errorf("predecessor replaced_by = %q, want %q", pred.ReplacedBy, successor.ID)
	}
	wantExpiry := time.Now().UTC().Add(24 * time.Hour)
	if pred.ExpiresAt.Sub(wantExpiry) > time.Minute || wantExpiry.Sub(pred.ExpiresAt) > time.Minute {
		t.Errorf("predecessor expiry = %v, want ~%v", pred.ExpiresAt, wantExpiry)
	}

	if got := notifier.byAction(audit.ActionKeyRotate); len(got) != 1 {
		t.Errorf("rotate audit events = %d, want 1", len(got))
	}
}

func TestLifecycleManager_Rotate_ZeroOverlapKeepsExpiry(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	old, _, err := m.Issue(ctx, apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-1"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 90,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	originalExpiry := old.ExpiresAt

	if _, _, err := m.Rotate(ctx, old, 0, ""); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	pred, err := store.FindByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if !pred.ExpiresAt.Equal(originalExpiry) {
		t.Errorf("zero overlap should leave expiry at %v, got %v", originalExpiry, pred.ExpiresAt)
	}
}

func TestLifecycleManager_Rotate_AlreadyRotated(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	old, _, err := m.Issue(ctx, apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-1"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 30,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, _, err := m.Rotate(ctx, old, 0, ""); err != nil {
		t.Fatalf("first Rotate() error = %v", err)
	}

	// The in-memory record carries the link now
	if _, _, err := m.Rotate(ctx, old, 0, ""); !errors.Is(err, apikey.ErrAlreadyRotated) {
		t.Errorf("second Rotate() error = %v, want ErrAlreadyRotated", err)
	}

	// A stale copy without the link is caught by the store
	stale, err := store.FindByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	stale.ReplacedBy = ""
	if _, _, err := m.Rotate(ctx, stale, 0, ""); !errors.Is(err, apikey.ErrAlreadyRotated) {
		t.Errorf("Rotate() with stale record error = %v, want ErrAlreadyRotated", err)
	}
}

func TestLifecycleManager_Revoke(t *testing.T) {
	m, store, notifier := newManager(t)
	ctx := context.Background()

	rec, _, err := m.Issue(ctx, apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-1"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 30,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := m.Revoke(ctx, rec, "compromised", "admin-key"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if rec.IsActive {
		t.Error("revoked record should be inactive")
	}

	stored, err := store.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if stored.IsActive {
		t.Error("revocation should be persisted")
	}

	// Second revoke is a silent no-op, with no extra audit event
	if err := m.Revoke(ctx, rec, "again", "admin-key"); err != nil {
		t.Errorf("repeat Revoke() error = %v, want nil", err)
	}
	if got := notifier.byAction(audit.ActionKeyRevoke); len(got) != 1 {
		t.Errorf("revoke audit events = %d, want 1", len(got))
	}
}

func TestLifecycleManager_BulkRevoke_ByOwner(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := m.Issue(ctx, apikey.IssueParams{
			Owner:         apikey.Owner{UserID: "u-1"},
			Scopes:        []string{apikey.ScopeRead},
			ExpiresInDays: 30,
		}); err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
	}
	other, _, err := m.Issue(ctx, apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-2"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 30,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	result, err := m.BulkRevoke(ctx, apikey.Selector{Owner: &apikey.Owner{UserID: "u-1"}}, "offboarded", "admin-key")
	if err != nil {
		t.Fatalf("BulkRevoke() error = %v", err)
	}
	if result.RevokedCount != 3 {
		t.Errorf("revoked count = %d, want 3", result.RevokedCount)
	}
	if len(result.Failures) != 0 {
		t.Errorf("failures = %v, want none", result.Failures)
	}

	// The other owner's key is untouched
	stored, err := store.FindByID(ctx, other.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if !stored.IsActive {
		t.Error("unrelated key should stay active")
	}
}

func TestLifecycleManager_BulkRevoke_ContinueOnError(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &captureNotifier{}
	registry := apikey.NewScopeRegistry()
	flaky := &flakyRepo{Repository: store, failIDs: map[string]bool{}}
	m := apikey.NewLifecycleManager(apikey.NewKeyCodec(), flaky, registry, notifier, testLogger())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, _, err := m.Issue(ctx, apikey.IssueParams{
			Owner:         apikey.Owner{AppName: "batch-import"},
			Scopes:        []string{apikey.ScopeRead},
			ExpiresInDays: 30,
		})
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		ids = append(ids, rec.ID)
	}
	flaky.failIDs[ids[1]] = true

	result, err := m.BulkRevoke(ctx, apikey.Selector{Owner: &apikey.Owner{AppName: "batch-import"}}, "cleanup", "")
	if err != nil {
		t.Fatalf("BulkRevoke() error = %v", err)
	}

	if result.RevokedCount != 2 {
		t.Errorf("revoked count = %d, want 2", result.RevokedCount)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(result.Failures))
	}
	if result.Failures[0].KeyID != ids[1] {
		t.Errorf("failed key = %s, want %s", result.Failures[0].KeyID, ids[1])
	}
}

func TestLifecycleManager_BulkRevoke_Expired(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	rec, _, err := m.Issue(ctx, apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-1"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 30,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	live, _, err := m.Issue(ctx, apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "u-1"},
		Scopes:        []string{apikey.ScopeRead},
		ExpiresInDays: 60,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Push the first key past its expiry
	if err := store.UpdateFields(ctx, rec.ID, apikey.Fields{
		apikey.FieldExpiresAt: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}

	result, err := m.BulkRevoke(ctx, apikey.Selector{Expired: true}, "expired", "janitor")
	if err != nil {
		t.Fatalf("BulkRevoke() error = %v", err)
	}
	if result.RevokedCount != 1 {
		t.Errorf("revoked count = %d, want 1", result.RevokedCount)
	}

	stored, err := store.FindByID(ctx, live.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if !stored.IsActive {
		t.Error("unexpired key should stay active")
	}
}

func TestLifecycleManager_BulkRevoke_InvalidSelector(t *testing.T) {
	m, _, _ := newManager(t)

	if _, err := m.BulkRevoke(context.Background(), apikey.Selector{}, "", ""); err == nil {
		t.Error("empty selector should fail")
	}
	if _, err := m.BulkRevoke(context.Background(), apikey.Selector{Owner: &apikey.Owner{}}, "", ""); !errors.Is(err, apikey.ErrOwnerConflict) {
		t.Errorf("invalid owner selector error = %v, want ErrOwnerConflict", err)
	}
}
