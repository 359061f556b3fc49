package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
)

type record struct {
	ID  string
	Key string
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]record
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]record{}}
}

func (s *memStore) lookup(key string) LookupFunc[record] {
	return func(context.Context) (record, bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		r, ok := s.rows[key]
		return r, ok, nil
	}
}

func (s *memStore) insert(r record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[r.Key]; ok {
		return fmt.Errorf("insert: %w", ErrDuplicateKey)
	}
	s.rows[r.Key] = r
	return nil
}

func TestNormalizeKey(t *testing.T) {
	key, err := NormalizeKey("  order-123  ")
	require.NoError(t, err)
	assert.Equal(t, "order-123", key)

	_, err = NormalizeKey("   ")
	assert.Equal(t, apperr.CodeMissingIdempotencyKey, apperr.CodeOf(err))

	_, err = NormalizeKey(strings.Repeat("k", MaxKeyLength))
	assert.NoError(t, err)

	_, err = NormalizeKey(strings.Repeat("k", MaxKeyLength+1))
	assert.Equal(t, apperr.CodeInvalidIdempotencyKey, apperr.CodeOf(err))
	assert.Equal(t, 400, apperr.HTTPStatus(err))
}

func TestNormalizeDerivedKey(t *testing.T) {
	longest := DeriveKey(strings.Repeat("k", MaxKeyLength), "inventory", "release")

	key, err := NormalizeDerivedKey(longest)
	require.NoError(t, err)
	assert.Equal(t, longest, key)

	_, err = NormalizeKey(longest)
	assert.Equal(t, apperr.CodeInvalidIdempotencyKey, apperr.CodeOf(err))

	_, err = NormalizeDerivedKey(strings.Repeat("k", MaxDerivedKeyLength+1))
	assert.Equal(t, apperr.CodeInvalidIdempotencyKey, apperr.CodeOf(err))
}

func TestDeriveKey(t *testing.T) {
	assert.Equal(t, "abc:inventory:reserve", DeriveKey("abc", "inventory", "reserve"))
	assert.Equal(t, "abc:payment:refund", DeriveKey("abc", "payment", "refund"))
}

func TestLedgerCreatesOnceThenReplays(t *testing.T) {
	// Arrange
	store := newMemStore()
	ledger := NewLedger[record]("order")
	creates := 0
	create := func(context.Context) (record, error) {
		creates++
		r := record{ID: fmt.Sprintf("id-%d", creates), Key: "k1"}
		return r, store.insert(r)
	}

	// Act
	first, replayed1, err1 := ledger.Do(context.Background(), "k1", store.lookup("k1"), create)
	second, replayed2, err2 := ledger.Do(context.Background(), "k1", store.lookup("k1"), create)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.False(t, replayed1)
	assert.True(t, replayed2)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, creates)
}

func TestLedgerResolvesDuplicateKeyRace(t *testing.T) {
	// Another process inserted the row between our lookup and our insert.
	store := newMemStore()
	ledger := NewLedger[record]("payment:pay")
	winner := record{ID: "winner", Key: "k1"}

	got, replayed, err := ledger.Do(context.Background(), "k1", store.lookup("k1"), func(context.Context) (record, error) {
		require.NoError(t, store.insert(winner))
		loser := record{ID: "loser", Key: "k1"}
		return loser, store.insert(loser)
	})

	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "winner", got.ID)
}

func TestLedgerSerialisesConcurrentCallers(t *testing.T) {
	// Arrange
	store := newMemStore()
	ledger := NewLedger[record]("order")
	var creates atomic.Int32
	release := make(chan struct{})
	create := func(context.Context) (record, error) {
		creates.Add(1)
		<-release
		r := record{ID: "only", Key: "k1"}
		return r, store.insert(r)
	}

	// Act
	const callers = 8
	var wg sync.WaitGroup
	var replays atomic.Int32
	results := make(chan record, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, replayed, err := ledger.Do(context.Background(), "k1", store.lookup("k1"), create)
			if err == nil {
				results <- r
			}
			if replayed {
				replays.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	// Assert
	assert.Equal(t, int32(1), creates.Load())
	count := 0
	for r := range results {
		count++
		assert.Equal(t, "only", r.ID)
	}
	assert.Equal(t, callers, count)
	assert.Equal(t, int32(callers-1), replays.Load())
}

func TestLedgerPropagatesCreateFailure(t *testing.T) {
	store := newMemStore()
	ledger := NewLedger[record]("order")
	boom := errors.New("pricing unavailable")

	_, replayed, err := ledger.Do(context.Background(), "k1", store.lookup("k1"), func(context.Context) (record, error) {
		return record{}, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, replayed)
}

func TestLedgerWrapsLookupFailure(t *testing.T) {
	ledger := NewLedger[record]("order")
	boom := errors.New("connection reset")

	_, _, err := ledger.Do(context.Background(), "k1",
		func(context.Context) (record, bool, error) { return record{}, false, boom },
		func(context.Context) (record, error) {
			t.Fatal("create must not run when lookup fails")
			return record{}, nil
		})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "order idempotency key")
}
