// Package idempotency maps client-supplied idempotency keys to the outcome of
// the first operation that used them.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
)

// MaxKeyLength is the longest idempotency key a client may send.
const MaxKeyLength = 128

// MaxDerivedKeyLength bounds keys produced by DeriveKey from a client key,
// leaving room for the ":dependency:operation" suffix.
const MaxDerivedKeyLength = MaxKeyLength + 64

// ErrDuplicateKey is returned by stores when the unique constraint on the
// idempotency key rejected an insert.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// NormalizeKey trims key and validates its presence and length.
func NormalizeKey(key string) (string, error) {
	return normalize(key, MaxKeyLength)
}

// NormalizeDerivedKey is NormalizeKey for services that receive keys built by
// DeriveKey.
func NormalizeDerivedKey(key string) (string, error) {
	return normalize(key, MaxDerivedKeyLength)
}

func normalize(key string, limit int) (string, error) {
	normalized := strings.TrimSpace(key)
	if normalized == "" {
		return "", apperr.Validation(apperr.CodeMissingIdempotencyKey, "Idempotency-Key header is required")
	}
	if len(normalized) > limit {
		return "", apperr.Validation(apperr.CodeInvalidIdempotencyKey,
			fmt.Sprintf("Idempotency-Key is too long (max %d)", limit))
	}
	return normalized, nil
}

// DeriveKey builds the key sent to a downstream dependency for one operation
// of the parent request, e.g. "abc:inventory:reserve".
func DeriveKey(key, dependency, operation string) string {
	return key + ":" + dependency + ":" + operation
}

// LookupFunc reads a stored outcome. found is false when none exists yet.
type LookupFunc[T any] func(ctx context.Context) (value T, found bool, err error)

// CreateFunc performs the operation for the first time.
type CreateFunc[T any] func(ctx context.Context) (T, error)

// Ledger runs the check-then-create sequence for a key as a critical
// section. Callers in this process that share a key wait for the first one
// and observe its outcome as a replay; callers in other processes are
// resolved through ErrDuplicateKey and a second lookup.
type Ledger[T any] struct {
	scope string
	group singleflight.Group
}

// NewLedger returns a ledger for one operation type (e.g. "order", "payment:pay").
func NewLedger[T any](scope string) *Ledger[T] {
	return &Ledger[T]{scope: scope}
}

type outcome[T any] struct {
	value    T
	replayed bool
}

// Do returns the stored outcome for key when one exists (replayed=true),
// otherwise the outcome of create.
func (l *Ledger[T]) Do(ctx context.Context, key string, lookup LookupFunc[T], create CreateFunc[T]) (T, bool, error) {
	var zero T
	leader := false

	v, err, _ := l.group.Do(l.scope+"|"+key, func() (any, error) {
		leader = true
		return l.resolve(ctx, lookup, create)
	})

	if !leader {
		if err != nil {
			// The first caller failed; whatever it persisted is now the stored outcome.
			value, found, lerr := lookup(ctx)
			if lerr == nil && found {
				return value, true, nil
			}
			return zero, false, err
		}
		return v.(outcome[T]).value, true, nil
	}

	if v == nil {
		return zero, false, err
	}
	res := v.(outcome[T])
	return res.value, res.replayed, err
}

func (l *Ledger[T]) resolve(ctx context.Context, lookup LookupFunc[T], create CreateFunc[T]) (any, error) {
	existing, found, err := lookup(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s idempotency key: %w", l.scope, err)
	}
	if found {
		return outcome[T]{value: existing, replayed: true}, nil
	}

	created, err := create(ctx)
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			winner, found, lerr := lookup(ctx)
			if lerr != nil {
				return nil, fmt.Errorf("failed to re-read %s idempotency key: %w", l.scope, lerr)
			}
			if found {
				return outcome[T]{value: winner, replayed: true}, nil
			}
		}
		return nil, err
	}
	return outcome[T]{value: created}, nil
}
