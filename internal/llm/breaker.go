package llm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xteam/backend/internal/core"
)

// breakerState tracks whether calls to a provider are allowed.
type breakerState int

const (
	stateClosed breakerState = iota // normal operation
	stateOpen                       // provider failing, calls blocked
	stateHalfOpen                   // cooldown elapsed, one probe allowed
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// breakerClient wraps a Client with a per-provider circuit breaker.
// Five consecutive failures open the circuit; after the cooldown one
// probe call is allowed through, and its outcome closes or re-opens it.
type breakerClient struct {
	inner Client

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	logger   *log.Logger
}

// WithBreaker wraps a client with failure tripping.
func WithBreaker(inner Client) Client {
	return &breakerClient{
		inner:  inner,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

func (b *breakerClient) Provider() core.Provider { return b.inner.Provider() }
func (b *breakerClient) Model() string           { return b.inner.Model() }

func (b *breakerClient) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if time.Since(b.openedAt) < breakerCooldown {
			return fmt.Errorf("provider %s circuit open: %w", b.inner.Provider(), core.ErrUpstream)
		}
		b.transition(stateHalfOpen)
	}
	return nil
}

func (b *breakerClient) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state != stateClosed {
			b.transition(stateClosed)
		}
		return
	}

	b.failures++
	if b.state == stateHalfOpen || b.failures >= breakerThreshold {
		b.openedAt = time.Now()
		b.transition(stateOpen)
	}
}

func (b *breakerClient) transition(to breakerState) {
	from := b.state
	b.state = to
	b.logger.Printf("%s/%s: %s -> %s", b.inner.Provider(), b.inner.Model(), from, to)
}

func (b *breakerClient) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	out, err := b.inner.Generate(ctx, prompt, opts)
	b.record(err)
	return out, err
}

func (b *breakerClient) GenerateStream(ctx context.Context, prompt string, opts Options, onChunk func(string) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.GenerateStream(ctx, prompt, opts, onChunk)
	b.record(err)
	return err
}

func (b *breakerClient) ValidateConnection(ctx context.Context) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.ValidateConnection(ctx)
	b.record(err)
	return err
}
