package image

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flipbg/service/internal/metrics"
	"github.com/flipbg/service/internal/quota"
	"github.com/flipbg/service/internal/storage"
)

// DefaultSignedURLTTL is the validity of delivery URLs handed to callers.
const DefaultSignedURLTTL = time.Hour

// DefaultMaxUploadBytes is the upload size ceiling.
const DefaultMaxUploadBytes int64 = 10 << 20

var demoIDPattern = regexp.MustCompile(`(?i)^[0-9a-f-]{36}$`)

var tracer = otel.Tracer("github.com/flipbg/service/internal/image")

// Transformer produces the derived artifact from an uploaded image.
type Transformer interface {
	Transform(ctx context.Context, data []byte) ([]byte, error)
}

// Service orchestrates ingestion, reads and deletes.
type Service struct {
	repo        Repository
	store       storage.Storage
	transformer Transformer
	ledger      *quota.Ledger
	newID       func() string
	signedTTL   time.Duration
	maxBytes    int64
	log         zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator overrides how image ids are assigned.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithSignedURLTTL sets the validity of issued delivery URLs.
func WithSignedURLTTL(ttl time.Duration) Option {
	return func(s *Service) { s.signedTTL = ttl }
}

// WithMaxUploadBytes sets the upload size ceiling.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) { s.maxBytes = n }
}

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "image-service").Logger() }
}

// NewService creates a Service.
func NewService(repo Repository, store storage.Storage, transformer Transformer, ledger *quota.Ledger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		store:       store,
		transformer: transformer,
		ledger:      ledger,
		newID:       uuid.NewString,
		signedTTL:   DefaultSignedURLTTL,
		maxBytes:    DefaultMaxUploadBytes,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxUploadBytes returns the upload size ceiling.
func (s *Service) MaxUploadBytes() int64 { return s.maxBytes }

// DailyLimit returns the per-owner daily ingestion limit.
func (s *Service) DailyLimit() int { return s.ledger.Limit() }

// Ingest runs the registered pipeline for ownerID. Quota is checked before
// anything else; once the record exists every failure leaves it failed.
func (s *Service) Ingest(ctx context.Context, ownerID string, u Upload) (_ *IngestResult, err error) {
	ctx, span := tracer.Start(ctx, "image.Ingest", trace.WithAttributes(attribute.String("owner.id", ownerID)))
	defer func() { endSpan(span, err) }()

	usage, err := s.CheckQuota(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := Validate(u, s.maxBytes); err != nil {
		metrics.RecordIngestion("registered", "invalid")
		return nil, err
	}

	id := s.newID()
	span.SetAttributes(attribute.String("image.id", id))
	asset := &Asset{
		ID:               id,
		OwnerID:          ownerID,
		OriginalFilename: u.Filename,
		OriginalKey:      storage.OriginalKey(ownerID, id, Extension(u.ContentType)),
		Status:           StatusUploading,
	}
	if err := s.repo.Create(ctx, asset); err != nil {
		metrics.RecordIngestion("registered", "error")
		return nil, &PersistenceError{Op: "create image record", Err: err}
	}

	if err := s.process(ctx, asset, u); err != nil {
		s.markFailed(ctx, asset, err)
		metrics.RecordIngestion("registered", "failed")
		return nil, err
	}

	metrics.RecordIngestion("registered", "completed")
	s.log.Info().Str("image_id", id).Str("owner_id", ownerID).Msg("image processed")
	return &IngestResult{Asset: asset, Remaining: max(0, usage.Remaining-1)}, nil
}

func (s *Service) process(ctx context.Context, asset *Asset, u Upload) error {
	err := step(ctx, "image.PutOriginal", func(ctx context.Context) error {
		_, err := s.store.Put(ctx, storage.PutRequest{
			Key:         asset.OriginalKey,
			Data:        u.Data,
			ContentType: mediaType(u.ContentType),
		})
		return err
	})
	if err != nil {
		return err
	}

	asset.Status = StatusProcessing
	if err := s.repo.Update(ctx, asset); err != nil {
		return &PersistenceError{Op: "mark image processing", Err: err}
	}

	var out []byte
	err = step(ctx, "image.Transform", func(ctx context.Context) (err error) {
		out, err = s.transformer.Transform(ctx, u.Data)
		return err
	})
	if err != nil {
		return err
	}

	derivedKey := storage.ProcessedKey(asset.OwnerID, asset.ID)
	var locator string
	err = step(ctx, "image.PutDerived", func(ctx context.Context) (err error) {
		locator, err = s.store.Put(ctx, storage.PutRequest{Key: derivedKey, Data: out, ContentType: "image/png"})
		return err
	})
	if err != nil {
		return err
	}
	url := s.deliveryURL(ctx, derivedKey, locator)

	asset.DerivedKey = &derivedKey
	asset.DeliveryURL = &url
	asset.Status = StatusCompleted
	if err := s.repo.Update(ctx, asset); err != nil {
		return &PersistenceError{Op: "save image metadata", Err: err}
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, asset *Asset, cause error) {
	asset.Status = StatusFailed
	s.log.Warn().Err(cause).Str("image_id", asset.ID).Str("owner_id", asset.OwnerID).Msg("image ingestion failed")
	if err := s.repo.Update(ctx, asset); err != nil {
		s.log.Error().Err(err).Str("image_id", asset.ID).Msg("mark image failed")
	}
}

// deliveryURL signs key, falling back to the unsigned locator.
func (s *Service) deliveryURL(ctx context.Context, key, locator string) string {
	u, err := s.store.SignedURL(ctx, key, s.signedTTL)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("sign delivery url; using unsigned locator")
		return locator
	}
	return u
}

// refreshURL replaces a's delivery URL with a freshly signed one. On failure
// the stored URL is kept.
func (s *Service) refreshURL(ctx context.Context, a *Asset) {
	if a.DerivedKey == nil {
		return
	}
	u, err := s.store.SignedURL(ctx, *a.DerivedKey, s.signedTTL)
	if err != nil {
		s.log.Warn().Err(err).Str("image_id", a.ID).Msg("refresh delivery url")
		return
	}
	a.DeliveryURL = &u
}

// List returns ownerID's images with fresh delivery URLs and today's usage.
func (s *Service) List(ctx context.Context, ownerID string) (_ *Listing, err error) {
	ctx, span := tracer.Start(ctx, "image.List", trace.WithAttributes(attribute.String("owner.id", ownerID)))
	defer func() { endSpan(span, err) }()

	assets, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, &PersistenceError{Op: "list images", Err: err}
	}
	for i := range assets {
		s.refreshURL(ctx, &assets[i])
	}
	usage, err := s.ledger.Usage(ctx, ownerID)
	if err != nil {
		return nil, &PersistenceError{Op: "compute quota", Err: err}
	}
	return &Listing{Images: assets, Quota: usage}, nil
}

// Get returns one of ownerID's images with a fresh delivery URL.
func (s *Service) Get(ctx context.Context, id, ownerID string) (_ *Asset, err error) {
	ctx, span := tracer.Start(ctx, "image.Get", trace.WithAttributes(attribute.String("image.id", id)))
	defer func() { endSpan(span, err) }()

	a, err := s.repo.GetByOwner(ctx, id, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get image", Err: err}
	}
	s.refreshURL(ctx, a)
	return a, nil
}

// Delete removes one of ownerID's images. Blob removal is best effort: a
// missing blob counts as removed and other failures are reported in the
// result while the record is deleted regardless.
func (s *Service) Delete(ctx context.Context, id, ownerID string) (_ *DeleteResult, err error) {
	ctx, span := tracer.Start(ctx, "image.Delete", trace.WithAttributes(attribute.String("image.id", id)))
	defer func() { endSpan(span, err) }()

	a, err := s.repo.GetByOwner(ctx, id, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get image", Err: err}
	}

	keys := []string{a.OriginalKey}
	if a.DerivedKey != nil {
		keys = append(keys, *a.DerivedKey)
	}

	res := &DeleteResult{ID: a.ID}
	for _, key := range keys {
		err := s.store.Delete(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Error().Err(err).Str("image_id", a.ID).Str("key", key).Msg("delete blob; leaving orphan")
			metrics.OrphanedBlobsTotal.Inc()
			res.Orphaned = append(res.Orphaned, OrphanedBlob{Key: key, Err: err})
			continue
		}
		res.RemovedKeys = append(res.RemovedKeys, key)
	}

	if err := s.repo.Delete(ctx, a.ID, ownerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "delete image record", Err: err}
	}
	return res, nil
}

// CheckQuota returns ownerID's usage for today. It fails with
// *QuotaExceededError when nothing remains and with *PersistenceError when
// the count cannot be read.
func (s *Service) CheckQuota(ctx context.Context, ownerID string) (quota.Usage, error) {
	usage, err := s.ledger.Usage(ctx, ownerID)
	if err != nil {
		metrics.RecordIngestion("registered", "error")
		return quota.Usage{}, &PersistenceError{Op: "check quota", Err: err}
	}
	if usage.Exhausted() {
		metrics.RecordIngestion("registered", "quota_exceeded")
		return usage, &QuotaExceededError{Usage: usage}
	}
	return usage, nil
}

// IngestDemo runs the anonymous pipeline. Nothing is recorded in the
// metadata store.
func (s *Service) IngestDemo(ctx context.Context, u Upload) (_ *DemoResult, err error) {
	ctx, span := tracer.Start(ctx, "image.IngestDemo")
	defer func() { endSpan(span, err) }()

	if err := Validate(u, s.maxBytes); err != nil {
		metrics.RecordIngestion("demo", "invalid")
		return nil, err
	}

	id := s.newID()
	span.SetAttributes(attribute.String("image.id", id))

	var out []byte
	err = step(ctx, "image.Transform", func(ctx context.Context) (err error) {
		out, err = s.transformer.Transform(ctx, u.Data)
		return err
	})
	if err != nil {
		metrics.RecordIngestion("demo", "failed")
		return nil, err
	}

	key := storage.DemoKey(id)
	var locator string
	err = step(ctx, "image.PutDemo", func(ctx context.Context) (err error) {
		locator, err = s.store.Put(ctx, storage.PutRequest{Key: key, Data: out, ContentType: "image/png"})
		return err
	})
	if err != nil {
		metrics.RecordIngestion("demo", "failed")
		return nil, err
	}

	metrics.RecordIngestion("demo", "completed")
	return &DemoResult{ID: id, URL: s.deliveryURL(ctx, key, locator), StorageKey: key}, nil
}

// DeleteDemo removes an anonymous result by id.
func (s *Service) DeleteDemo(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "image.DeleteDemo", trace.WithAttributes(attribute.String("image.id", id)))
	defer func() { endSpan(span, err) }()

	if !demoIDPattern.MatchString(id) {
		return ErrInvalidID
	}
	if err := s.store.Delete(ctx, storage.DemoKey(id)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// step runs fn in a child span named name.
func step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	err := fn(ctx)
	endSpan(span, err)
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
