package refreshtoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupGormStore(t *testing.T) Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RefreshToken{}))

	// In-memory SQLite gives every pooled connection its own database, and
	// concurrent writers need serializing anyway.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

func setupRedisStore(t *testing.T) Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, 30*24*time.Hour)
}

func stores(t *testing.T) map[string]func(*testing.T) Store {
	return map[string]func(*testing.T) Store{
		"gorm":  setupGormStore,
		"redis": setupRedisStore,
	}
}

func newRecord(userID uint, hash string, expiresIn time.Duration) *RefreshToken {
	return &RefreshToken{
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: time.Now().Add(expiresIn),
		IPAddress: "203.0.113.7",
		UserAgent: "Mozilla/5.0 (test)",
	}
}

func TestStore_CreateAndFind(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(1, "hash-a", time.Hour)))

			record, err := store.FindValidByHash(ctx, "hash-a")
			require.NoError(t, err)
			assert.Equal(t, uint(1), record.UserID)
			assert.Equal(t, "203.0.113.7", record.IPAddress)
			assert.False(t, record.Revoked)

			_, err = store.FindValidByHash(ctx, "no-such-hash")
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

func TestStore_ExpiredHiddenFromFindValid(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(1, "hash-old", -time.Minute)))

			_, err := store.FindValidByHash(ctx, "hash-old")
			assert.ErrorIs(t, err, ErrTokenNotFound)

			// still visible to the reuse-detection lookup
			record, err := store.FindByHash(ctx, "hash-old")
			require.NoError(t, err)
			assert.False(t, record.Usable(time.Now()))
		})
	}
}

func TestStore_RevokeIdempotent(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(1, "hash-r", time.Hour)))
			require.NoError(t, store.Revoke(ctx, "hash-r"))

			first, err := store.FindByHash(ctx, "hash-r")
			require.NoError(t, err)
			require.True(t, first.Revoked)
			require.NotNil(t, first.RevokedAt)

			// second revocation succeeds and keeps the original timestamp
			require.NoError(t, store.Revoke(ctx, "hash-r"))

			second, err := store.FindByHash(ctx, "hash-r")
			require.NoError(t, err)
			require.NotNil(t, second.RevokedAt)
			assert.WithinDuration(t, *first.RevokedAt, *second.RevokedAt, time.Second)

			_, err = store.FindValidByHash(ctx, "hash-r")
			assert.ErrorIs(t, err, ErrTokenNotFound)

			// revoking an unknown hash is not an error
			assert.NoError(t, store.Revoke(ctx, "hash-unknown"))
		})
	}
}

func TestStore_RevokeAllForUser(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(1, "u1-a", time.Hour)))
			require.NoError(t, store.Create(ctx, newRecord(1, "u1-b", time.Hour)))
			require.NoError(t, store.Create(ctx, newRecord(1, "u1-c", time.Hour)))
			require.NoError(t, store.Create(ctx, newRecord(1, "u1-expired", -time.Minute)))
			require.NoError(t, store.Create(ctx, newRecord(2, "u2-a", time.Hour)))
			require.NoError(t, store.Revoke(ctx, "u1-c"))

			count, err := store.RevokeAllForUser(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count, "only valid records transition")

			for _, hash := range []string{"u1-a", "u1-b", "u1-c"} {
				_, err := store.FindValidByHash(ctx, hash)
				assert.ErrorIs(t, err, ErrTokenNotFound, hash)
			}

			// the other user's session is untouched
			_, err = store.FindValidByHash(ctx, "u2-a")
			assert.NoError(t, err)

			count, err = store.RevokeAllForUser(ctx, 1)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestStore_ListActiveForUser(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(1, "ls-a", time.Hour)))
			require.NoError(t, store.Create(ctx, newRecord(1, "ls-b", 2*time.Hour)))
			require.NoError(t, store.Create(ctx, newRecord(1, "ls-expired", -time.Minute)))
			require.NoError(t, store.Create(ctx, newRecord(1, "ls-revoked", time.Hour)))
			require.NoError(t, store.Create(ctx, newRecord(2, "ls-other", time.Hour)))
			require.NoError(t, store.Revoke(ctx, "ls-revoked"))

			records, err := store.ListActiveForUser(ctx, 1)
			require.NoError(t, err)
			require.Len(t, records, 2)
			for _, record := range records {
				assert.Equal(t, uint(1), record.UserID)
				assert.Contains(t, []string{"ls-a", "ls-b"}, record.TokenHash)
			}

			records, err = store.ListActiveForUser(ctx, 3)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestStore_Rotate(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(9, "rot-old", time.Hour)))

			next := newRecord(0, "rot-new", time.Hour)
			old, err := store.Rotate(ctx, "rot-old", next)
			require.NoError(t, err)

			assert.Equal(t, uint(9), old.UserID)
			assert.True(t, old.Revoked)
			assert.Equal(t, uint(9), next.UserID, "owner copied onto the new record")

			fresh, err := store.FindValidByHash(ctx, "rot-new")
			require.NoError(t, err)
			assert.Equal(t, uint(9), fresh.UserID)

			_, err = store.FindValidByHash(ctx, "rot-old")
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

func TestStore_RotateTerminalStates(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			_, err := store.Rotate(ctx, "missing", newRecord(0, "n1", time.Hour))
			assert.ErrorIs(t, err, ErrTokenNotFound)

			require.NoError(t, store.Create(ctx, newRecord(1, "revoked", time.Hour)))
			require.NoError(t, store.Revoke(ctx, "revoked"))
			_, err = store.Rotate(ctx, "revoked", newRecord(0, "n2", time.Hour))
			assert.ErrorIs(t, err, ErrTokenRevoked)

			require.NoError(t, store.Create(ctx, newRecord(1, "expired", -time.Minute)))
			_, err = store.Rotate(ctx, "expired", newRecord(0, "n3", time.Hour))
			assert.ErrorIs(t, err, ErrTokenExpired)
		})
	}
}

func TestStore_ConcurrentRotationExactlyOneWinner(t *testing.T) {
	for name, setup := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := setup(t)
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, newRecord(5, "race-old", time.Hour)))

			const attempts = 8
			var wg sync.WaitGroup
			errs := make([]error, attempts)

			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					next := newRecord(0, fmt.Sprintf("race-new-%d", i), time.Hour)
					_, errs[i] = store.Rotate(ctx, "race-old", next)
				}(i)
			}
			wg.Wait()

			var wins, losses int
			for _, err := range errs {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrTokenRevoked):
					losses++
				default:
					t.Fatalf("unexpected rotation error: %v", err)
				}
			}

			assert.Equal(t, 1, wins, "exactly one rotation must win")
			assert.Equal(t, attempts-1, losses)
		})
	}
}

func TestGormStore_DeleteExpired(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()

	longGone := newRecord(1, "long-gone", -48*time.Hour)
	require.NoError(t, store.Create(ctx, longGone))

	recentlyExpired := newRecord(1, "recently-expired", -time.Minute)
	require.NoError(t, store.Create(ctx, recentlyExpired))

	active := newRecord(1, "active", time.Hour)
	require.NoError(t, store.Create(ctx, active))

	deleted, err := store.DeleteExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted, "only records past the retention window go")

	_, err = store.FindByHash(ctx, "long-gone")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = store.FindByHash(ctx, "recently-expired")
	assert.NoError(t, err)
	_, err = store.FindByHash(ctx, "active")
	assert.NoError(t, err)
}

func TestRedisStore_DeleteExpiredPrunesUserSets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRecord(1, "keep", 100*time.Hour)))
	require.NoError(t, store.Create(ctx, newRecord(1, "gone", time.Minute)))

	// age the short-lived key past expiry + retention
	mr.FastForward(2 * time.Hour)

	pruned, err := store.DeleteExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = store.FindValidByHash(ctx, "keep")
	assert.NoError(t, err)
}
