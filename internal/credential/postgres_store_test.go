package credential

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"releasegate/internal/geo"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	orderID := "0x" + uuid.NewString()[:8] + "00000000000000000000000000000000000000000000000000000000"
	cred := Credential{
		ID:          uuid.New(),
		OrderID:     orderID,
		Mode:        ModeOTP,
		OTPHash:     []byte{1, 2, 3},
		BuyerFix:    geo.Fix{Lat: 40.7580, Lon: -73.9855, Timestamp: 1000},
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
		Status:      StatusActive,
		MaxAttempts: 5,
	}
	if err := store.Replace(ctx, cred); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := store.Latest(ctx, orderID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || got.ID != cred.ID || got.Status != StatusActive {
		t.Fatalf("unexpected credential: %+v", got)
	}

	ok, err := store.Redeem(ctx, cred.ID)
	if err != nil || !ok {
		t.Fatalf("redeem: ok=%v err=%v", ok, err)
	}
	ok, err = store.Redeem(ctx, cred.ID)
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if ok {
		t.Fatal("second redeem must lose the check-and-set")
	}
}

func TestPostgresReplaceRevokesPrior(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	orderID := "0x" + uuid.NewString()[:8] + "11111111111111111111111111111111111111111111111111111111"
	first := Credential{
		ID: uuid.New(), OrderID: orderID, Mode: ModeOTP, OTPHash: []byte{1},
		IssuedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Minute).UTC(),
		Status: StatusActive, MaxAttempts: 5,
	}
	second := first
	second.ID = uuid.New()
	second.IssuedAt = first.IssuedAt.Add(time.Second)

	if err := store.Replace(ctx, first); err != nil {
		t.Fatalf("replace first: %v", err)
	}
	if err := store.Replace(ctx, second); err != nil {
		t.Fatalf("replace second: %v", err)
	}

	if ok, _ := store.Redeem(ctx, first.ID); ok {
		t.Fatal("revoked credential must not redeem")
	}
	if ok, _ := store.Redeem(ctx, second.ID); !ok {
		t.Fatal("active replacement must redeem")
	}
}
