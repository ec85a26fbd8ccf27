// Package redis keeps short-lived authentication state in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
)

const defaultPrefix = "fundraiser:otp:"

// OTPStore keeps pending one-time passwords with a TTL matching their expiry,
// so abandoned codes disappear on their own.
type OTPStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.OTPStore = (*OTPStore)(nil)

// NewOTPStore wraps an existing client. An empty prefix uses the default.
func NewOTPStore(client goredis.UniversalClient, prefix string) *OTPStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &OTPStore{client: client, prefix: prefix, now: time.Now}
}

type otpRecord struct {
	Hash   string    `json:"hash"`
	Expiry time.Time `json:"expiry"`
}

func (s *OTPStore) key(userID string) string {
	return s.prefix + userID
}

func (s *OTPStore) failuresKey(userID string) string {
	return s.prefix + userID + ":failures"
}

func (s *OTPStore) SaveOTP(ctx context.Context, userID string, otp user.OTP) error {
	ttl := otp.Expiry.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("otp for %s already expired", userID)
	}
	raw, err := json.Marshal(otpRecord{Hash: otp.Hash, Expiry: otp.Expiry.UTC()})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(userID), raw, ttl)
		pipe.Del(ctx, s.failuresKey(userID))
		return nil
	})
	return err
}

func (s *OTPStore) GetOTP(ctx context.Context, userID string) (user.OTP, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return user.OTP{}, storage.ErrNotFound
	}
	if err != nil {
		return user.OTP{}, err
	}
	var rec otpRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return user.OTP{}, fmt.Errorf("decode otp: %w", err)
	}
	failures, err := s.client.Get(ctx, s.failuresKey(userID)).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return user.OTP{}, err
	}
	return user.OTP{Hash: rec.Hash, Expiry: rec.Expiry, Failures: failures}, nil
}

// RecordOTPFailure counts a wrong guess against the pending code. The counter
// expires together with the code.
func (s *OTPStore) RecordOTPFailure(ctx context.Context, userID string) (int, error) {
	ttl, err := s.client.PTTL(ctx, s.key(userID)).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, storage.ErrNotFound
	}
	var incr *goredis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.failuresKey(userID))
		pipe.PExpire(ctx, s.failuresKey(userID), ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *OTPStore) DeleteOTP(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key(userID), s.failuresKey(userID)).Err()
}

// Dial connects to addr and checks the connection with a ping.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
