package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServedMemory(t *testing.T, opts ...MemoryOption) (*MemoryStorage, *httptest.Server) {
	t.Helper()
	mem := NewMemoryStorage("", "secret", opts...)
	srv := httptest.NewServer(http.StripPrefix("/files", mem))
	t.Cleanup(srv.Close)
	mem.SetBaseURL(srv.URL + "/files")
	return mem, srv
}

func fetch(t *testing.T, rawURL string) (int, []byte, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body, resp.Header.Get("Content-Type")
}

func TestMemoryPutThenSignedFetchRoundTrip(t *testing.T) {
	mem, srv := newServedMemory(t)
	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3, 255}

	locator, err := mem.Put(ctx, PutRequest{Key: "users/u1/processed/abc.png", Data: data, ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/files/users/u1/processed/abc.png", locator)

	signed, err := mem.SignedURL(ctx, "users/u1/processed/abc.png", time.Hour)
	require.NoError(t, err)

	status, body, contentType := fetch(t, signed)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, data, body)
	assert.Equal(t, "image/png", contentType)
}

func TestMemorySignedURLRejectsTamperingAndExpiry(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	clock := func() time.Time { return time.Unix(now.Load(), 0) }
	mem, _ := newServedMemory(t, WithMemoryClock(clock))
	ctx := context.Background()

	_, err := mem.Put(ctx, PutRequest{Key: "users/u1/processed/a.png", Data: []byte("x")})
	require.NoError(t, err)

	status, _, _ := fetch(t, mem.PublicURL("users/u1/processed/a.png"))
	assert.Equal(t, http.StatusForbidden, status, "private object needs a signature")

	signed, err := mem.SignedURL(ctx, "users/u1/processed/a.png", time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	u.Path = "/files/users/u2/processed/a.png"
	status, _, _ = fetch(t, u.String())
	assert.Equal(t, http.StatusForbidden, status, "signature is bound to the key")

	now.Add(int64((2 * time.Minute).Seconds()))
	status, _, _ = fetch(t, signed)
	assert.Equal(t, http.StatusForbidden, status, "expired signature")
}

func TestMemoryPublicDemoReads(t *testing.T) {
	mem, _ := newServedMemory(t, WithPublicDemo(true))
	ctx := context.Background()

	locator, err := mem.Put(ctx, PutRequest{Key: DemoKey("id-1"), Data: []byte("demo"), ContentType: "image/png"})
	require.NoError(t, err)

	status, body, _ := fetch(t, locator)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("demo"), body)
}

func TestMemoryDeleteReportsNotFound(t *testing.T) {
	mem := NewMemoryStorage("http://files", "secret")
	ctx := context.Background()

	_, err := mem.Put(ctx, PutRequest{Key: "k", Data: []byte("v")})
	require.NoError(t, err)

	require.NoError(t, mem.Delete(ctx, "k"))
	err = mem.Delete(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "delete", se.Op)
	assert.Equal(t, "k", se.Key)
}

func TestMemoryListByPrefix(t *testing.T) {
	mem := NewMemoryStorage("http://files", "secret")
	ctx := context.Background()
	for _, key := range []string{"users/a/original/1.jpg", "users/a/processed/1.png", "users/b/original/2.png", "demo/3.png"} {
		_, err := mem.Put(ctx, PutRequest{Key: key, Data: []byte("x")})
		require.NoError(t, err)
	}

	objs, err := mem.List(ctx, OwnerPrefix("a"))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "users/a/original/1.jpg", objs[0].Key)
	assert.Equal(t, "users/a/processed/1.png", objs[1].Key)

	all, err := mem.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "demo/5f0e.png", DemoKey("5f0e"))
	assert.Equal(t, "users/u1/original/id.jpg", OriginalKey("u1", "id", "jpg"))
	assert.Equal(t, "users/u1/processed/id.png", ProcessedKey("u1", "id"))

	k, ok := ParseUserKey("users/u1/processed/id.png")
	require.True(t, ok)
	assert.Equal(t, UserKey{Owner: "u1", Kind: KindProcessed, ID: "id"}, k)

	for _, bad := range []string{"demo/id.png", "users/u1/id.png", "users//original/id.png", "users/u1/thumbs/id.png", "users/u1/original/.png"} {
		_, ok := ParseUserKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestPublicReadPolicyScopesToPrefix(t *testing.T) {
	var policy struct {
		Statement []struct {
			Resource []string `json:"Resource"`
		} `json:"Statement"`
	}
	require.NoError(t, json.Unmarshal([]byte(publicReadPolicy("flipbg", DemoPrefix)), &policy))
	require.Len(t, policy.Statement, 1)
	assert.Equal(t, []string{"arn:aws:s3:::flipbg/demo/*"}, policy.Statement[0].Resource)
}
