package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
)

func TestOTPStoreRejectsExpired(t *testing.T) {
	store := NewOTPStore(nil, "")
	err := store.SaveOTP(context.Background(), "u1", user.OTP{Hash: "h", Expiry: time.Now().Add(-time.Minute)})
	if err == nil {
		t.Fatalf("expected error for expired otp")
	}
}

func TestOTPStoreIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx := context.Background()
	client, err := Dial(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	store := NewOTPStore(client, "fundraiser-test:"+uuid.NewString()+":")
	expiry := time.Now().Add(time.Minute).UTC().Truncate(time.Second)

	if err := store.SaveOTP(ctx, "u1", user.OTP{Hash: "hash", Expiry: expiry}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetOTP(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != "hash" || !got.Expiry.Equal(expiry) {
		t.Fatalf("unexpected otp: %+v", got)
	}
	for want := 1; want <= 2; want++ {
		n, err := store.RecordOTPFailure(ctx, "u1")
		if err != nil || n != want {
			t.Fatalf("failure %d: got %d %v", want, n, err)
		}
	}
	if got, _ := store.GetOTP(ctx, "u1"); got.Failures != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", got.Failures)
	}
	if err := store.SaveOTP(ctx, "u1", user.OTP{Hash: "fresh", Expiry: expiry}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if got, _ := store.GetOTP(ctx, "u1"); got.Failures != 0 {
		t.Fatalf("expected a new code to reset failures, got %d", got.Failures)
	}
	if _, err := store.RecordOTPFailure(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without a pending code, got %v", err)
	}
	if err := store.DeleteOTP(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetOTP(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
