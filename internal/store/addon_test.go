package store

import (
	"testing"
	"time"

	"github.com/somnolog/somnolog/internal/database"
)

func setupAddonTestDB(t *testing.T) (*AddonStore, *UserStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAddonStore(db), NewUserStore(db)
}

func TestAddonGrantAndLookup(t *testing.T) {
	as, us := setupAddonTestDB(t)
	user, _ := us.Create("addon@example.com", "hash", "", "en")
	now := time.Now().UTC()

	created, err := as.Grant(user.ID, "therapist_export", nil)
	if err != nil || !created {
		t.Fatalf("grant: created=%v err=%v", created, err)
	}

	got, err := as.GetCurrent(user.ID, "therapist_export", now)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if got == nil || !got.Active || got.ExpiresAt != nil {
		t.Fatalf("get current returned %+v", got)
	}

	if missing, _ := as.GetCurrent(user.ID, "lucidity_course", now); missing != nil {
		t.Errorf("expected nil for ungrated addon, got %+v", missing)
	}
}

func TestAddonGrantReplayConverges(t *testing.T) {
	as, us := setupAddonTestDB(t)
	user, _ := us.Create("dupaddon@example.com", "hash", "", "en")

	created, err := as.Grant(user.ID, "therapist_export", nil)
	if err != nil || !created {
		t.Fatalf("first grant: created=%v err=%v", created, err)
	}

	// Redelivered payment event converges on the existing grant.
	created, err = as.Grant(user.ID, "therapist_export", nil)
	if err != nil {
		t.Fatalf("replayed grant: %v", err)
	}
	if created {
		t.Error("replayed grant reported as created")
	}

	grants, _ := as.ListCurrent(user.ID, time.Now().UTC())
	if len(grants) != 1 {
		t.Errorf("grants = %d, want 1", len(grants))
	}
}

func TestAddonLazyExpiry(t *testing.T) {
	as, us := setupAddonTestDB(t)
	user, _ := us.Create("expiry@example.com", "hash", "", "en")

	expires := time.Now().UTC().Add(24 * time.Hour)
	if _, err := as.Grant(user.ID, "lucidity_course", &expires); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// Current before expiry, gone after, with no row mutation in between.
	if got, _ := as.GetCurrent(user.ID, "lucidity_course", time.Now().UTC()); got == nil {
		t.Fatal("grant not current before expiry")
	}
	after := expires.Add(time.Minute)
	if got, _ := as.GetCurrent(user.ID, "lucidity_course", after); got != nil {
		t.Errorf("expired grant still current: %+v", got)
	}
}

func TestAddonRepurchaseAfterExpiry(t *testing.T) {
	as, us := setupAddonTestDB(t)
	user, _ := us.Create("renew-course@example.com", "hash", "", "en")
	now := time.Now().UTC()

	expired := now.Add(-time.Hour)
	if _, err := as.Grant(user.ID, "lucidity_course", &expired); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if got, _ := as.GetCurrent(user.ID, "lucidity_course", now); got != nil {
		t.Fatalf("expired grant still current: %+v", got)
	}

	// A new payment after expiry must create a fresh grant, not be
	// swallowed as a replay of the old one.
	renewed := now.Add(365 * 24 * time.Hour)
	created, err := as.Grant(user.ID, "lucidity_course", &renewed)
	if err != nil {
		t.Fatalf("re-grant after expiry: %v", err)
	}
	if !created {
		t.Fatal("paid re-purchase was dropped as a replay")
	}
	got, _ := as.GetCurrent(user.ID, "lucidity_course", now)
	if got == nil || got.ExpiresAt == nil || !got.ExpiresAt.After(now) {
		t.Fatalf("renewed grant not current: %+v", got)
	}
}

func TestAddonDeactivateFreesSlot(t *testing.T) {
	as, us := setupAddonTestDB(t)
	user, _ := us.Create("repurchase@example.com", "hash", "", "en")
	now := time.Now().UTC()

	if _, err := as.Grant(user.ID, "therapist_export", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := as.Deactivate(user.ID, "therapist_export"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got, _ := as.GetCurrent(user.ID, "therapist_export", now); got != nil {
		t.Fatalf("deactivated grant still current: %+v", got)
	}

	// The partial unique index only covers active rows, so a re-purchase works.
	created, err := as.Grant(user.ID, "therapist_export", nil)
	if err != nil || !created {
		t.Fatalf("re-grant after deactivate: created=%v err=%v", created, err)
	}
}
