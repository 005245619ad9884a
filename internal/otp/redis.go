package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dagz55/gotryke-auth/internal/notification"
)

const (
	otpPrefix          = "otp:"
	fieldCodeHash      = "code_hash"
	fieldAttempts      = "attempts"
	fieldCreatedAt     = "created_at"
	defaultMaxAttempts = 5
)

// countAttemptLua increments the attempt counter only while the code exists,
// so an expiry between read and write cannot leave a key without a TTL.
// Returns -1 when the code is gone.
var countAttemptLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

// RedisProvider generates codes itself, keeps a hash of the pending code in
// Redis and delivers the clear code through a Notifier. Each phone has at
// most one pending code.
type RedisProvider struct {
	client      *redis.Client
	notifier    notification.Notifier
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
}

// NewRedisProvider wires a Redis-backed provider. ttl bounds the lifetime of a code.
func NewRedisProvider(client *redis.Client, notifier notification.Notifier, ttl time.Duration) *RedisProvider {
	return &RedisProvider{
		client:      client,
		notifier:    notifier,
		ttl:         ttl,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		generate:    generateCode,
	}
}

// Start stores a new code for phone and sends it.
func (p *RedisProvider) Start(ctx context.Context, phone string) error {
	code, err := p.generate()
	if err != nil {
		return err
	}
	key := otpPrefix + phone

	pipe := p.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		fieldCodeHash:  hashCode(code),
		fieldAttempts:  "0",
		fieldCreatedAt: strconv.FormatInt(p.now().UTC().Unix(), 10),
	})
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis store otp: %v", ErrUnavailable, err)
	}

	msg := notification.Message{
		Kind:        notification.KindOTP,
		Destination: phone,
		Body:        fmt.Sprintf("Your GoTryke verification code is %s", code),
	}
	if err := p.notifier.Send(ctx, msg); err != nil {
		p.client.Del(ctx, key)
		return fmt.Errorf("%w: deliver otp: %v", ErrUnavailable, err)
	}
	return nil
}

// Check compares code with the pending one. An approved code is deleted;
// a wrong code counts an attempt and leaves the code pending until the
// attempt budget runs out.
func (p *RedisProvider) Check(ctx context.Context, phone, code string) (Status, error) {
	key := otpPrefix + phone
	values, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return StatusFailed, fmt.Errorf("%w: redis fetch otp: %v", ErrUnavailable, err)
	}
	if len(values) == 0 || values[fieldCodeHash] == "" {
		return StatusFailed, nil
	}

	attempts, _ := strconv.Atoi(values[fieldAttempts])
	if attempts >= p.maxAttempts {
		p.client.Del(ctx, key)
		return StatusFailed, nil
	}

	if subtle.ConstantTimeCompare([]byte(values[fieldCodeHash]), []byte(hashCode(code))) == 1 {
		deleted, err := p.client.Del(ctx, key).Result()
		if err != nil {
			return StatusFailed, fmt.Errorf("%w: redis delete otp: %v", ErrUnavailable, err)
		}
		if deleted == 0 {
			// a concurrent check consumed it first
			return StatusFailed, nil
		}
		return StatusApproved, nil
	}

	n, err := countAttemptLua.Run(ctx, p.client, []string{key}, fieldAttempts).Int64()
	if err != nil {
		return StatusFailed, fmt.Errorf("%w: redis count attempt: %v", ErrUnavailable, err)
	}
	if n < 0 {
		return StatusFailed, nil
	}
	if int(n) >= p.maxAttempts {
		p.client.Del(ctx, key)
		return StatusFailed, nil
	}
	return StatusPending, nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
