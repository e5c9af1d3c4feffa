package apikey_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/storage"
)

// windowCountingRepo counts usage-window queries
type windowCountingRepo struct {
	apikey.Repository
	windowCounts int32
}

func (r *windowCountingRepo) CountUsageSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	atomic.AddInt32(&r.windowCounts, 1)
	return r.Repository.CountUsageSince(ctx, keyID, since)
}

func insertUsageAt(t *testing.T, store *storage.MemoryStore, keyID string, at time.Time) {
	t.Helper()
	err := store.InsertUsage(context.Background(), &apikey.UsageEvent{
		KeyID:     keyID,
		Timestamp: at,
		Endpoint:  "/v1/things",
		Method:    "GET",
	})
	if err != nil {
		t.Fatalf("InsertUsage() error = %v", err)
	}
}

func TestRateLimiter_Check_Unlimited(t *testing.T) {
	store := storage.NewMemoryStore()
	counting := &windowCountingRepo{Repository: store}
	rl := apikey.NewRateLimiter(counting)

	rec := &apikey.KeyRecord{ID: "k-1", RateLimitPerHour: 0}

	within, count, err := rl.Check(context.Background(), rec, 60)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !within || count != 0 {
		t.Errorf("Check() = (%v, %d), want (true, 0)", within, count)
	}

	// Unlimited keys must not touch the store
	if n := atomic.LoadInt32(&counting.windowCounts); n != 0 {
		t.Errorf("window queries = %d, want 0", n)
	}
}

func TestRateLimiter_Check_UnderLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	rl := apikey.NewRateLimiter(store)

	rec := &apikey.KeyRecord{ID: "k-1", RateLimitPerHour: 5}
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		insertUsageAt(t, store, rec.ID, now.Add(-time.Duration(i)*time.Minute))
	}

	within, count, err := rl.Check(context.Background(), rec, 60)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !within {
		t.Error("4 of 5 should be within the limit")
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestRateLimiter_Check_AtLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	rl := apikey.NewRateLimiter(store)

	rec := &apikey.KeyRecord{ID: "k-1", RateLimitPerHour: 5}
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		insertUsageAt(t, store, rec.ID, now.Add(-time.Duration(i)*time.Minute))
	}

	within, count, err := rl.Check(context.Background(), rec, 60)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if within {
		t.Error("reaching the budget should deny the next request")
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func TestRateLimiter_Check_WindowSlides(t *testing.T) {
	store := storage.NewMemoryStore()
	rl := apikey.NewRateLimiter(store)

	rec := &apikey.KeyRecord{ID: "k-1", RateLimitPerHour: 5}
	now := time.Now().UTC()

	// Five old events outside the trailing hour, one inside
	for i := 0; i < 5; i++ {
		insertUsageAt(t, store, rec.ID, now.Add(-2*time.Hour))
	}
	insertUsageAt(t, store, rec.ID, now.Add(-time.Minute))

	within, count, err := rl.Check(context.Background(), rec, 60)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !within {
		t.Error("events outside the window must not count")
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestRateLimiter_Check_IgnoresOtherKeys(t *testing.T) {
	store := storage.NewMemoryStore()
	rl := apikey.NewRateLimiter(store)

	rec := &apikey.KeyRecord{ID: "k-1", RateLimitPerHour: 2}
	now := time.Now().UTC()
	insertUsageAt(t, store, "k-other", now)
	insertUsageAt(t, store, "k-other", now)
	insertUsageAt(t, store, rec.ID, now)

	within, count, err := rl.Check(context.Background(), rec, 60)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !within || count != 1 {
		t.Errorf("Check() = (%v, %d), want (true, 1)", within, count)
	}
}

func TestRateLimiter_Limit(t *testing.T) {
	rl := apikey.NewRateLimiter(storage.NewMemoryStore())

	tests := []struct {
		name          string
		perHour       int
		windowMinutes int
		want          int
	}{
		{"full hour", 60, 60, 60},
		{"half hour window", 60, 30, 30},
		{"default window", 120, 0, 120},
		{"unlimited", 0, 60, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &apikey.KeyRecord{RateLimitPerHour: tt.perHour}
			if got := rl.Limit(rec, tt.windowMinutes); got != tt.want {
				t.Errorf("Limit() = %d, want %d", got, tt.want)
			}
		})
	}
}
