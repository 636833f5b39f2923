package storage

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/minus-twelve/greenroots/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(body string, storedAt time.Time) types.Entry {
	return types.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: storedAt,
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store types.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	has, err := store.Has(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, has)

	v1, err := store.Open(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v1.Name())

	has, err = store.Has(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = v1.Match(ctx, "/styles.css")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, v1.Put(ctx, "/styles.css", entry("body{}", now)))
	got, err := v1.Match(ctx, "/styles.css")
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(got.Body))
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	assert.True(t, got.StoredAt.Equal(now))

	require.NoError(t, v1.Put(ctx, "/styles.css", entry("body{color:green}", now)))
	got, err = v1.Match(ctx, "/styles.css")
	require.NoError(t, err)
	assert.Equal(t, "body{color:green}", string(got.Body))

	require.NoError(t, v1.PutAll(ctx, map[string]types.Entry{
		"/":           entry("home", now),
		"/login.html": entry("login", now),
	}))
	keys, err := v1.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/login.html", "/styles.css"}, keys)

	removed, err := v1.Delete(ctx, "/login.html")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = v1.Delete(ctx, "/login.html")
	require.NoError(t, err)
	assert.False(t, removed)

	v2, err := store.Open(ctx, "v2")
	require.NoError(t, err)
	_, err = v2.Match(ctx, "/styles.css")
	assert.ErrorIs(t, err, types.ErrNotFound)

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, names)

	dropped, err := store.Drop(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, dropped)
	dropped, err = store.Drop(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, dropped)

	names, err = store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)

	reopened, err := store.Open(ctx, "v1")
	require.NoError(t, err)
	_, err = reopened.Match(ctx, "/styles.css")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
