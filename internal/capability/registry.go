// Package capability issues and validates short-lived, single-use
// authorization tokens for critical operations.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/telemetry"
)

// DefaultTTL is the lifetime given to tokens issued without an explicit ttl.
const DefaultTTL = 300 * time.Second

var (
	ErrTokenNotFound     = errors.New("capability: token not found")
	ErrTokenExpired      = errors.New("capability: token expired")
	ErrTokenUsed         = errors.New("capability: token already used")
	ErrSubjectMismatch   = errors.New("capability: subject mismatch")
	ErrOperationMismatch = errors.New("capability: operation mismatch")
	ErrScopeMismatch     = errors.New("capability: scope mismatch")
)

// Token is a single-use grant for one subject+operation inside one scope.
// Scope is the job id of the run the token was issued for.
type Token struct {
	ID        string
	Subject   string
	Operation string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

// Expired reports whether the token lifetime has ended at now.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Claim is what a caller asserts when presenting a token.
type Claim struct {
	Subject   string
	Operation string
	Scope     string
}

// Store is the durable side of the registry. *persistence.Store satisfies it.
type Store interface {
	PutToken(ctx context.Context, rec persistence.TokenRecord) error
	GetToken(ctx context.Context, id string) (persistence.TokenRecord, bool, error)
	MarkTokenUsed(ctx context.Context, id string) (bool, error)
	DeleteToken(ctx context.Context, id string) error
	ListActiveTokens(ctx context.Context, now time.Time) ([]persistence.TokenRecord, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Options configures a Registry. Every field is optional.
type Options struct {
	Store       Store
	Logger      *slog.Logger
	Instruments *otel.Instruments
	DefaultTTL  time.Duration
	Now         func() time.Time
}

// Registry keeps an in-process cache in front of the durable token store.
// It is safe for concurrent use by many runs.
type Registry struct {
	store      Store
	logger     *slog.Logger
	metrics    *otel.Metrics
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]*Token
}

// NewRegistry builds a registry. A nil Store keeps tokens in memory only.
func NewRegistry(opts Options) *Registry {
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:      opts.Store,
		logger:     telemetry.Component(opts.Logger, "capability"),
		metrics:    inst.Metrics,
		defaultTTL: ttl,
		now:        now,
		cache:      make(map[string]*Token),
	}
}

// Issue creates a token that expires ttl from now. A non-positive ttl uses the
// registry default.
func (r *Registry) Issue(ctx context.Context, subject, operation, scope string, ttl time.Duration) (Token, error) {
	if subject == "" || operation == "" {
		return Token{}, fmt.Errorf("issue token: subject and operation are required")
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	now := r.now().UTC()
	tok := Token{
		ID:        "cap_" + uuid.NewString(),
		Subject:   subject,
		Operation: operation,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if r.store != nil {
		if err := r.store.PutToken(ctx, toRecord(tok)); err != nil {
			return Token{}, fmt.Errorf("issue token: %w", err)
		}
	}

	r.mu.Lock()
	cp := tok
	r.cache[tok.ID] = &cp
	r.mu.Unlock()

	r.metrics.TokensIssued.Add(ctx, 1, metric.WithAttributes(otel.AttrOperation.String(operation)))
	telemetry.FromContext(ctx, r.logger).Info("token issued",
		"token_id", tok.ID, "subject", subject, "operation", operation, "ttl", ttl.String())
	return tok, nil
}

// Validate consumes the token if it matches the claim. The first successful
// call flips used and every later call with the same id fails with
// ErrTokenUsed. Checks run in a fixed order: existence, expiry, use, subject,
// operation, scope.
func (r *Registry) Validate(ctx context.Context, id string, claim Claim) error {
	err := r.validate(ctx, id, claim)
	result := "ok"
	if err != nil {
		result = reasonLabel(err)
		telemetry.FromContext(ctx, r.logger).Warn("token rejected",
			"token_id", id, "subject", claim.Subject, "operation", claim.Operation, "reason", result)
	}
	r.metrics.TokenValidations.Add(ctx, 1, metric.WithAttributes(
		otel.AttrOperation.String(claim.Operation),
		attribute.String("result", result),
	))
	return err
}

func (r *Registry) validate(ctx context.Context, id string, claim Claim) error {
	if id == "" {
		return ErrTokenNotFound
	}
	now := r.now()

	r.mu.Lock()
	cached, ok := r.cache[id]
	if ok {
		if err := check(*cached, claim, now); err != nil {
			r.mu.Unlock()
			return err
		}
		cached.Used = true
	}
	r.mu.Unlock()

	if !ok {
		if r.store == nil {
			return ErrTokenNotFound
		}
		rec, found, err := r.store.GetToken(ctx, id)
		if err != nil {
			return fmt.Errorf("validate token: %w", err)
		}
		if !found {
			return ErrTokenNotFound
		}
		tok := fromRecord(rec)
		if err := check(tok, claim, now); err != nil {
			return err
		}
		tok.Used = true
		r.mu.Lock()
		if existing, raced := r.cache[id]; raced && existing.Used {
			r.mu.Unlock()
			return ErrTokenUsed
		}
		r.cache[id] = &tok
		r.mu.Unlock()
	}

	if r.store == nil {
		return nil
	}
	won, err := r.store.MarkTokenUsed(ctx, id)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	if !won {
		return ErrTokenUsed
	}
	return nil
}

func check(tok Token, claim Claim, now time.Time) error {
	switch {
	case tok.Expired(now):
		return ErrTokenExpired
	case tok.Used:
		return ErrTokenUsed
	case tok.Subject != claim.Subject:
		return ErrSubjectMismatch
	case tok.Operation != claim.Operation:
		return ErrOperationMismatch
	case tok.Scope != claim.Scope:
		return ErrScopeMismatch
	}
	return nil
}

// Revoke removes a token from the cache and the durable store.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.DeleteToken(ctx, id); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
	}
	telemetry.FromContext(ctx, r.logger).Info("token revoked", "token_id", id)
	return nil
}

// ListActive returns unused, unexpired tokens ordered by issue time.
func (r *Registry) ListActive(ctx context.Context) ([]Token, error) {
	now := r.now()
	if r.store != nil {
		recs, err := r.store.ListActiveTokens(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("list active tokens: %w", err)
		}
		out := make([]Token, 0, len(recs))
		for _, rec := range recs {
			out = append(out, fromRecord(rec))
		}
		return out, nil
	}

	r.mu.Lock()
	out := make([]Token, 0, len(r.cache))
	for _, t := range r.cache {
		if !t.Used && !t.Expired(now) {
			out = append(out, *t)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// CleanupExpired drops expired and used tokens from the cache and expired rows
// from the durable store. It returns the number of entries removed.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for id, t := range r.cache {
		if t.Used || t.Expired(now) {
			delete(r.cache, id)
			removed++
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		n, err := r.store.PurgeExpiredTokens(ctx, now)
		if err != nil {
			return removed, fmt.Errorf("cleanup tokens: %w", err)
		}
		removed += int(n)
	}
	if removed > 0 {
		r.logger.Debug("expired tokens removed", "count", removed)
	}
	return removed, nil
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenUsed):
		return "used"
	case errors.Is(err, ErrSubjectMismatch):
		return "subject_mismatch"
	case errors.Is(err, ErrOperationMismatch):
		return "operation_mismatch"
	case errors.Is(err, ErrScopeMismatch):
		return "scope_mismatch"
	default:
		return "error"
	}
}

func toRecord(t Token) persistence.TokenRecord {
	return persistence.TokenRecord{
		ID:        t.ID,
		Subject:   t.Subject,
		Operation: t.Operation,
		Scope:     t.Scope,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		Used:      t.Used,
	}
}

func fromRecord(rec persistence.TokenRecord) Token {
	return Token{
		ID:        rec.ID,
		Subject:   rec.Subject,
		Operation: rec.Operation,
		Scope:     rec.Scope,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Used:      rec.Used,
	}
}
