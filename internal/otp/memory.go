package otp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dagz55/gotryke-auth/internal/notification"
)

type pendingCode struct {
	hash     string
	attempts int
	expires  time.Time
}

// MemoryProvider is the in-process counterpart of RedisProvider for local
// development without Redis.
type MemoryProvider struct {
	mu       sync.Mutex
	pending  map[string]pendingCode
	notifier notification.Notifier
	ttl      time.Duration
	now      func() time.Time
	generate func() (string, error)
}

// NewMemoryProvider builds an in-process provider.
func NewMemoryProvider(notifier notification.Notifier, ttl time.Duration) *MemoryProvider {
	return &MemoryProvider{
		pending:  make(map[string]pendingCode),
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
		generate: generateCode,
	}
}

// Start replaces the pending code of phone and sends the new one.
func (p *MemoryProvider) Start(ctx context.Context, phone string) error {
	code, err := p.generate()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.pending[phone] = pendingCode{hash: hashCode(code), expires: p.now().Add(p.ttl)}
	p.mu.Unlock()

	return p.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindOTP,
		Destination: phone,
		Body:        fmt.Sprintf("Your GoTryke verification code is %s", code),
	})
}

// Check mirrors RedisProvider.Check.
func (p *MemoryProvider) Check(_ context.Context, phone, code string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.pending[phone]
	if !ok || !p.now().Before(pc.expires) {
		delete(p.pending, phone)
		return StatusFailed, nil
	}
	if pc.hash == hashCode(code) {
		delete(p.pending, phone)
		return StatusApproved, nil
	}
	pc.attempts++
	if pc.attempts >= defaultMaxAttempts {
		delete(p.pending, phone)
		return StatusFailed, nil
	}
	p.pending[phone] = pc
	return StatusPending, nil
}
