package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flipbg/service/internal/middleware"
	"github.com/flipbg/service/internal/quota"
	"github.com/flipbg/service/internal/response"
	"github.com/flipbg/service/internal/storage"
	"github.com/flipbg/service/internal/transform"
)

// formField is the multipart field carrying the image.
const formField = "image"

// multipartOverhead is the body allowance above the file size ceiling for
// multipart framing.
const multipartOverhead = 1 << 20

// DemoResponse is returned by an anonymous ingestion.
type DemoResponse struct {
	Success    bool   `json:"success"`
	ImageID    string `json:"imageId"`
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

// UploadResponse is returned by a registered ingestion.
type UploadResponse struct {
	Success   bool   `json:"success"`
	Image     *Asset `json:"image"`
	Remaining int    `json:"remaining"`
}

// ListResponse is returned by the listing endpoint.
type ListResponse struct {
	Success bool        `json:"success"`
	Images  []Asset     `json:"images"`
	Quota   quota.Usage `json:"quota"`
}

// ImageResponse is returned by the fetch endpoint.
type ImageResponse struct {
	Success bool   `json:"success"`
	Image   *Asset `json:"image"`
}

// DeleteResponse is returned by the registered delete endpoint.
type DeleteResponse struct {
	Success      bool     `json:"success"`
	OrphanedKeys []string `json:"orphanedKeys,omitempty"`
}

// QuotaExceededResponse is the 429 body for registered callers.
type QuotaExceededResponse struct {
	response.Envelope
	Remaining int         `json:"remaining"`
	Quota     quota.Usage `json:"quota"`
}

// Handler holds HTTP handlers for image endpoints.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

// NewHandler creates a new image Handler.
func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "image-handler").Logger()}
}

// Register mounts the image endpoints on r. requireAuth guards registered
// endpoints and admit gates anonymous ingestion.
func (h *Handler) Register(r chi.Router, requireAuth, admit func(http.Handler) http.Handler) {
	r.With(admit).Post("/demo", h.Demo)
	r.Delete("/demo/{id}", h.DeleteDemo)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/upload", h.Upload)
		r.Get("/images", h.List)
		r.Get("/images/{id}", h.Get)
		r.Delete("/images/{id}", h.Delete)
	})
}

// Demo godoc
//
//	@Summary		Process an image anonymously
//	@Description	Removes the background, mirrors the result and stores it under demo/. Rate limited per source address.
//	@Tags			demo
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			image	formData	file	true	"JPEG, PNG, WebP or GIF up to 10MB"
//	@Success		200		{object}	DemoResponse
//	@Failure		400		{object}	response.Envelope
//	@Failure		429		{object}	middleware.RateLimitedResponse
//	@Failure		500		{object}	response.Envelope
//	@Router			/demo [post]
func (h *Handler) Demo(w http.ResponseWriter, r *http.Request) {
	u, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	res, err := h.svc.IngestDemo(context.WithoutCancel(r.Context()), u)
	if err != nil {
		h.writeError(w, err, "Failed to process image")
		return
	}

	response.OK(w, DemoResponse{Success: true, ImageID: res.ID, URL: res.URL, StorageKey: res.StorageKey})
}

// DeleteDemo godoc
//
//	@Summary		Delete an anonymous result
//	@Tags			demo
//	@Produce		json
//	@Param			id	path		string	true	"Image ID"
//	@Success		200	{object}	response.Envelope
//	@Failure		400	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/demo/{id} [delete]
func (h *Handler) DeleteDemo(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteDemo(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		response.Success(w)
	case errors.Is(err, ErrInvalidID):
		response.BadRequest(w, "Invalid image ID")
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "Image not found or already deleted")
	default:
		h.log.Error().Err(err).Msg("delete demo image")
		response.InternalError(w, "")
	}
}

// Upload godoc
//
//	@Summary		Process an image for the caller
//	@Description	Stores the original, removes the background, mirrors the result and records it. Limited per owner per UTC day.
//	@Tags			images
//	@Accept			multipart/form-data
//	@Produce		json
//	@Security		BearerAuth
//	@Param			image	formData	file	true	"JPEG, PNG, WebP or GIF up to 10MB"
//	@Success		200		{object}	UploadResponse
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		429		{object}	QuotaExceededResponse
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.CheckQuota(r.Context(), ownerID); err != nil {
		h.writeError(w, err, "Failed to check daily limit")
		return
	}
	u, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Ingest(context.WithoutCancel(r.Context()), ownerID, u)
	if err != nil {
		h.writeError(w, err, "Failed to save image metadata")
		return
	}

	response.OK(w, UploadResponse{Success: true, Image: res.Asset, Remaining: res.Remaining})
}

// List godoc
//
//	@Summary		List the caller's images
//	@Description	Returns every image with a freshly signed URL plus today's quota usage.
//	@Tags			images
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	ListResponse
//	@Failure		401	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/images [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	listing, err := h.svc.List(r.Context(), ownerID)
	if err != nil {
		h.writeError(w, err, "Failed to fetch images")
		return
	}

	response.OK(w, ListResponse{Success: true, Images: listing.Images, Quota: listing.Quota})
}

// Get godoc
//
//	@Summary		Get one of the caller's images
//	@Tags			images
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Image ID"
//	@Success		200	{object}	ImageResponse
//	@Failure		401	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/images/{id} [get]
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	a, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		h.writeError(w, err, "Failed to fetch image")
		return
	}

	response.OK(w, ImageResponse{Success: true, Image: a})
}

// Delete godoc
//
//	@Summary		Delete one of the caller's images
//	@Description	Removes both blobs and the record. Blobs that could not be removed are listed in orphanedKeys.
//	@Tags			images
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Image ID"
//	@Success		200	{object}	DeleteResponse
//	@Failure		401	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/images/{id} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		h.writeError(w, err, "Failed to delete image from database")
		return
	}

	response.OK(w, DeleteResponse{Success: true, OrphanedKeys: res.OrphanedKeys()})
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := middleware.OwnerID(r.Context())
	if ownerID == "" {
		response.Unauthorized(w, "Unauthorized")
		return "", false
	}
	return ownerID, true
}

// readUpload extracts the image part. It writes the error response itself
// and reports false when the request cannot proceed.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (Upload, bool) {
	maxBytes := h.svc.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	file, header, err := r.FormFile(formField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.BadRequest(w, SizeReason(maxBytes))
			return Upload{}, false
		}
		response.BadRequest(w, ReasonMissingFile)
		return Upload{}, false
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.log.Warn().Err(err).Msg("read upload")
		response.BadRequest(w, ReasonMissingFile)
		return Upload{}, false
	}
	return Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, true
}

// writeError maps a service error to a response. Detail stays in the log.
func (h *Handler) writeError(w http.ResponseWriter, err error, persistenceMsg string) {
	var (
		ve *ValidationError
		qe *QuotaExceededError
		te *transform.Error
		se *storage.Error
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		response.BadRequest(w, ve.Reason)
	case errors.As(err, &qe):
		response.TooManyRequests(w, QuotaExceededResponse{
			Envelope: response.Envelope{
				Success: false,
				Error:   fmt.Sprintf("Daily limit reached. You can process %d images per day. Try again tomorrow.", qe.Usage.Limit),
			},
			Remaining: 0,
			Quota:     qe.Usage,
		})
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "Image not found")
	case errors.Is(err, ErrInvalidID):
		response.BadRequest(w, "Invalid image ID")
	case errors.As(err, &te):
		h.log.Error().Err(err).Int("upstream_status", te.StatusCode).Msg("transform failed")
		response.InternalError(w, "Background removal failed")
	case errors.As(err, &se):
		h.log.Error().Err(err).Str("op", se.Op).Str("key", se.Key).Msg("storage failed")
		response.InternalError(w, "Failed to store image")
	case errors.As(err, &pe):
		h.log.Error().Err(err).Str("op", pe.Op).Msg("persistence failed")
		response.InternalError(w, persistenceMsg)
	default:
		h.log.Error().Err(err).Msg("unexpected error")
		response.InternalError(w, "")
	}
}
