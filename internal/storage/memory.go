package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStorage keeps objects in process. It is also an http.Handler that
// serves objects addressed by its signed URLs (and, with public demo reads,
// unsigned demo/ locators).
type MemoryStorage struct {
	mu         sync.RWMutex
	objects    map[string]memObject
	baseURL    string
	secret     []byte
	publicDemo bool
	now        func() time.Time
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithMemoryClock overrides the time source used for expiry and modification times.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) { s.now = now }
}

// WithPublicDemo serves demo/ objects without a signature.
func WithPublicDemo(v bool) MemoryOption {
	return func(s *MemoryStorage) { s.publicDemo = v }
}

// NewMemoryStorage creates an empty store whose URLs start with baseURL
// (the address its handler is mounted at) and are signed with secret.
func NewMemoryStorage(baseURL, secret string, opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		objects: make(map[string]memObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBaseURL changes the URL prefix of issued URLs.
func (s *MemoryStorage) SetBaseURL(baseURL string) {
	s.mu.Lock()
	s.baseURL = strings.TrimRight(baseURL, "/")
	s.mu.Unlock()
}

// Put implements Storage.
func (s *MemoryStorage) Put(_ context.Context, req PutRequest) (string, error) {
	start := time.Now()
	data := make([]byte, len(req.Data))
	copy(data, req.Data)

	s.mu.Lock()
	s.objects[req.Key] = memObject{data: data, contentType: req.ContentType, modified: s.now()}
	s.mu.Unlock()

	_ = observe("put", start, nil)
	return s.PublicURL(req.Key), nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	start := time.Now()
	s.mu.Lock()
	_, ok := s.objects[key]
	delete(s.objects, key)
	s.mu.Unlock()

	if !ok {
		return &Error{Op: "delete", Key: key, Err: observe("delete", start, ErrNotFound)}
	}
	return observe("delete", start, nil)
}

// SignedURL implements Storage. Like S3 presigning it does not check that
// the object exists.
func (s *MemoryStorage) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	u := s.PublicURL(key) + "?expires=" + expires + "&sig=" + s.sign(key, expires)
	_ = observe("presign", start, nil)
	return u, nil
}

// List implements Storage.
func (s *MemoryStorage) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	s.mu.RLock()
	out := make([]ObjectInfo, 0, len(s.objects))
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	_ = observe("list", start, nil)
	return out, nil
}

// PublicURL implements Storage.
func (s *MemoryStorage) PublicURL(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL + "/" + key
}

// Get returns a copy of the object at key.
func (s *MemoryStorage) Get(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", false
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.contentType, true
}

// ServeHTTP serves GET and HEAD for a key given as the request path relative
// to the mount point.
func (s *MemoryStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")

	if !(s.publicDemo && strings.HasPrefix(key, DemoPrefix)) {
		q := r.URL.Query()
		expires, sig := q.Get("expires"), q.Get("sig")
		exp, err := strconv.ParseInt(expires, 10, 64)
		if err != nil || !hmac.Equal([]byte(sig), []byte(s.sign(key, expires))) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		if s.now().Unix() > exp {
			http.Error(w, "signature expired", http.StatusForbidden)
			return
		}
	}

	data, contentType, ok := s.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func (s *MemoryStorage) sign(key, expires string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}
