package sellers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func addr(i int) string { return fmt.Sprintf("0x%040x", i) }

func newSeller(i int) *Seller {
	return &Seller{
		Address:          addr(i),
		ContractAddress:  addr(1000 + i),
		ReturnWindowDays: 30,
		CreatedAt:        t0.Add(time.Duration(i) * time.Second),
	}
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newSeller(1)))
		got, err := store.Get(ctx, addr(1))
		require.NoError(t, err)
		assert.Equal(t, addr(1001), got.ContractAddress)
		assert.Equal(t, 30, got.ReturnWindowDays)
	})

	t.Run("duplicate create is rejected and leaves the record", func(t *testing.T) {
		dup := newSeller(1)
		dup.ContractAddress = addr(9999)
		assert.ErrorIs(t, store.Create(ctx, dup), ErrAlreadyExists)

		got, err := store.Get(ctx, addr(1))
		require.NoError(t, err)
		assert.Equal(t, addr(1001), got.ContractAddress)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, addr(404))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list pages through everything", func(t *testing.T) {
		for i := 2; i <= 7; i++ {
			require.NoError(t, store.Create(ctx, newSeller(i)))
		}
		var seen []string
		cursor := ""
		for {
			page, next, err := store.List(ctx, cursor, 3)
			require.NoError(t, err)
			for _, s := range page {
				seen = append(seen, s.Address)
			}
			if next == "" {
				break
			}
			cursor = next
		}
		assert.Equal(t, []string{addr(1), addr(2), addr(3), addr(4), addr(5), addr(6), addr(7)}, seen)
	})

	t.Run("clear removes everything", func(t *testing.T) {
		n, err := store.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, n)

		page, next, err := store.List(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, page)
		assert.Empty(t, next)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSeller(1)))

	got, err := store.Get(ctx, addr(1))
	require.NoError(t, err)
	got.ContractAddress = "mutated"

	again, err := store.Get(ctx, addr(1))
	require.NoError(t, err)
	assert.Equal(t, addr(1001), again.ContractAddress)
}

func TestMemoryStore_InvalidCursor(t *testing.T) {
	_, _, err := NewMemoryStore().List(context.Background(), "!!", 10)
	assert.Error(t, err)
}

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, address string) (*Seller, error) {
	c.gets++
	return c.Store.Get(ctx, address)
}

func TestDirectory_ReadThrough(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: NewMemoryStore()}
	dir := NewDirectory(store, time.Minute)
	clock := t0
	dir.now = func() time.Time { return clock }

	_, err := dir.Resolve(ctx, addr(1))
	assert.ErrorIs(t, err, ErrNotFound)

	// registered out of band: the miss was not cached
	require.NoError(t, store.Create(ctx, newSeller(1)))
	s, err := dir.Resolve(ctx, addr(1))
	require.NoError(t, err)
	assert.Equal(t, addr(1001), s.ContractAddress)

	_, err = dir.Resolve(ctx, addr(1))
	require.NoError(t, err)
	assert.Equal(t, 2, store.gets, "second hit served from cache")

	clock = clock.Add(2 * time.Minute)
	_, err = dir.Resolve(ctx, addr(1))
	require.NoError(t, err)
	assert.Equal(t, 3, store.gets, "expired entry goes back to the store")
}

func TestDirectory_InvalidateAndReset(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: NewMemoryStore()}
	require.NoError(t, store.Create(ctx, newSeller(1)))
	require.NoError(t, store.Create(ctx, newSeller(2)))
	dir := NewDirectory(store, time.Hour)

	n, err := dir.Warm(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, len(dir.entries))

	_, err = dir.Resolve(ctx, addr(1))
	require.NoError(t, err)
	assert.Equal(t, 0, store.gets)

	dir.Invalidate(addr(1))
	_, err = dir.Resolve(ctx, addr(1))
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)

	dir.Reset()
	assert.Equal(t, 0, len(dir.entries))
}

func TestDirectory_ZeroTTLDisablesCache(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: NewMemoryStore()}
	require.NoError(t, store.Create(ctx, newSeller(1)))
	dir := NewDirectory(store, 0)

	for i := 0; i < 3; i++ {
		_, err := dir.Resolve(ctx, addr(1))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.gets)
	assert.Equal(t, 0, len(dir.entries))
}
