package image

import (
	"bytes"
	"context"
	"fmt"
	stdimage "image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flipbg/service/internal/quota"
	"github.com/flipbg/service/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu      sync.Mutex
	assets  map[string]Asset
	now     func() time.Time
	updates []Status

	createErr error
	countErr  error
	listErr   error
	deleteErr error
	// failUpdate fails the update that would write this status.
	failUpdate Status
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{assets: make(map[string]Asset), now: testClock}
}

func (r *fakeRepo) Create(_ context.Context, a *Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	a.CreatedAt = r.now()
	a.UpdatedAt = a.CreatedAt
	r.assets[a.ID] = *a
	return nil
}

func (r *fakeRepo) Update(_ context.Context, a *Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, a.Status)
	if r.failUpdate != "" && a.Status == r.failUpdate {
		return stubErr("update failed")
	}
	cur, ok := r.assets[a.ID]
	if !ok || cur.OwnerID != a.OwnerID {
		return ErrNotFound
	}
	a.UpdatedAt = r.now()
	r.assets[a.ID] = *a
	return nil
}

func (r *fakeRepo) GetByOwner(_ context.Context, id, ownerID string) (*Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok || a.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *fakeRepo) ListByOwner(_ context.Context, ownerID string) ([]Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := []Asset{}
	for _, a := range r.assets {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRepo) Delete(_ context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	a, ok := r.assets[id]
	if !ok || a.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(r.assets, id)
	return nil
}

func (r *fakeRepo) Exists(_ context.Context, id, ownerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	return ok && a.OwnerID == ownerID, nil
}

func (r *fakeRepo) CountSince(_ context.Context, ownerID string, since time.Time, completedOnly bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countErr != nil {
		return 0, r.countErr
	}
	n := 0
	for _, a := range r.assets {
		if a.OwnerID != ownerID || a.CreatedAt.Before(since) {
			continue
		}
		if completedOnly && a.Status != StatusCompleted {
			continue
		}
		n++
	}
	return n, nil
}

func (r *fakeRepo) seed(ownerID string, status Status, createdAt time.Time) Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("seed-%03d", len(r.assets))
	a := Asset{ID: id, OwnerID: ownerID, OriginalKey: storage.OriginalKey(ownerID, id, "png"), Status: status, CreatedAt: createdAt, UpdatedAt: createdAt}
	r.assets[id] = a
	return a
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assets)
}

// countingStore wraps the in-memory backend with call counts and injected
// failures keyed by object key.
type countingStore struct {
	*storage.MemoryStorage
	mu        sync.Mutex
	puts      []string
	deletes   []string
	putErr    map[string]error
	deleteErr map[string]error
	signErr   error
}

func newCountingStore() *countingStore {
	return &countingStore{
		MemoryStorage: storage.NewMemoryStorage("http://files.test", "secret", storage.WithMemoryClock(testClock)),
		putErr:        make(map[string]error),
		deleteErr:     make(map[string]error),
	}
}

func (s *countingStore) Put(ctx context.Context, req storage.PutRequest) (string, error) {
	s.mu.Lock()
	s.puts = append(s.puts, req.Key)
	err := s.putErr[req.Key]
	s.mu.Unlock()
	if err != nil {
		return "", &storage.Error{Op: "put", Key: req.Key, Err: err}
	}
	return s.MemoryStorage.Put(ctx, req)
}

func (s *countingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, key)
	err := s.deleteErr[key]
	s.mu.Unlock()
	if err != nil {
		return &storage.Error{Op: "delete", Key: key, Err: err}
	}
	return s.MemoryStorage.Delete(ctx, key)
}

func (s *countingStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	err := s.signErr
	s.mu.Unlock()
	if err != nil {
		return "", &storage.Error{Op: "presign", Key: key, Err: err}
	}
	return s.MemoryStorage.SignedURL(ctx, key, ttl)
}

func (s *countingStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

// fakeTransformer returns out or err and counts calls.
type fakeTransformer struct {
	mu    sync.Mutex
	calls int
	out   []byte
	err   error
}

func (f *fakeTransformer) Transform(_ context.Context, _ []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeTransformer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

type fixture struct {
	svc   *Service
	repo  *fakeRepo
	store *countingStore
	tr    *fakeTransformer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := newFakeRepo()
	store := newCountingStore()
	tr := &fakeTransformer{out: pngBytes(t, 4, 3)}
	ledger := quota.NewLedger(repo, 10, quota.WithClock(testClock))

	ids := 0
	newID := func() string {
		ids++
		return []string{
			"0b5f7c52-8f55-4f6e-9a53-3c1b6f0a0001",
			"0b5f7c52-8f55-4f6e-9a53-3c1b6f0a0002",
			"0b5f7c52-8f55-4f6e-9a53-3c1b6f0a0003",
		}[(ids-1)%3]
	}
	all := append([]Option{WithIDGenerator(newID)}, opts...)
	return &fixture{
		svc:   NewService(repo, store, tr, ledger, all...),
		repo:  repo,
		store: store,
		tr:    tr,
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.NRGBA{R: uint8(x * 40), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// paddedJPEG returns a decodable JPEG of exactly size bytes.
func paddedJPEG(t *testing.T, size int) []byte {
	t.Helper()
	data := jpegBytes(t, 64, 64)
	require.Less(t, len(data), size)
	return append(data, make([]byte, size-len(data))...)
}
