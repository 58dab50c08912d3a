// Package transform removes image backgrounds through a remote service and
// mirrors the result.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is the remove.bg API endpoint.
const DefaultEndpoint = "https://api.remove.bg/v1.0/removebg"

// maxResultBytes bounds an accepted result payload.
const maxResultBytes = 64 << 20

// Error reports a failed transform. StatusCode is the remote HTTP status, or
// zero when the request never completed.
type Error struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "transform: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Request is a background-removal call. Empty optional fields are not sent.
type Request struct {
	ImageFile []byte
	// Filename is the multipart filename for image_file.
	Filename string
	// Size is the output resolution: "auto", "preview", "full", ...
	Size string
	// Type is the foreground hint: "auto", "person", "product", "car".
	Type string
	// Format is the output format: "auto", "png", "jpg", "zip".
	Format string
	// Channels is "rgba" or "alpha".
	Channels string
	Crop     bool
}

// Result is a successful background-removal response.
type Result struct {
	Image          []byte
	Width          int
	Height         int
	CreditsCharged float64
}

type apiErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// RemoveBGClient calls a remove.bg compatible API.
type RemoveBGClient struct {
	apiKey     string
	endpoint   string
	httpClient *resty.Client
	log        zerolog.Logger
}

// NewRemoveBGClient creates a client. An empty endpoint selects DefaultEndpoint.
func NewRemoveBGClient(apiKey, endpoint string, timeout time.Duration, log zerolog.Logger) *RemoveBGClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	log = log.With().Str("component", "removebg").Logger()
	return &RemoveBGClient{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: endpoint,
		httpClient: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", "FlipBG/1.0").
			SetLogger(restyLogger{log: log}),
		log: log,
	}
}

// RemoveBackground sends req in one synchronous call. It does not retry.
func (c *RemoveBGClient) RemoveBackground(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, &Error{Reason: "REMOVE_BG_API_KEY is not configured"}
	}
	if len(req.ImageFile) == 0 {
		return nil, &Error{Reason: "empty input image"}
	}

	filename := req.Filename
	if filename == "" {
		filename = "image.png"
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", c.apiKey).
		SetFileReader("image_file", filename, bytes.NewReader(req.ImageFile)).
		SetMultipartFormData(formFields(req)).
		Post(c.endpoint)
	if err != nil {
		return nil, &Error{Reason: "call background removal service", Err: err}
	}

	status := resp.StatusCode()
	data := resp.Body()
	if status < 200 || status > 299 {
		reason := "Background removal failed"
		var apiErr apiErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 && apiErr.Errors[0].Title != "" {
			reason = apiErr.Errors[0].Title
		}
		c.log.Error().Int("status", status).Str("reason", reason).Msg("background removal rejected")
		return nil, &Error{Reason: reason, StatusCode: status}
	}
	if len(data) == 0 {
		return nil, &Error{Reason: "empty response payload", StatusCode: status}
	}
	if len(data) > maxResultBytes {
		return nil, &Error{Reason: "response payload too large", StatusCode: status}
	}

	return &Result{
		Image:          data,
		Width:          headerInt(resp.Header(), "X-Width"),
		Height:         headerInt(resp.Header(), "X-Height"),
		CreditsCharged: headerFloat(resp.Header(), "X-Credits-Charged"),
	}, nil
}

// formFields returns the optional form fields that are set.
func formFields(req Request) map[string]string {
	fields := make(map[string]string, 5)
	for name, value := range map[string]string{
		"size":     req.Size,
		"type":     req.Type,
		"format":   req.Format,
		"channels": req.Channels,
	} {
		if value != "" {
			fields[name] = value
		}
	}
	if req.Crop {
		fields["crop"] = "true"
	}
	return fields
}

func headerInt(h http.Header, key string) int {
	n, _ := strconv.Atoi(h.Get(key))
	return n
}

func headerFloat(h http.Header, key string) float64 {
	f, _ := strconv.ParseFloat(h.Get(key), 64)
	return f
}

// restyLogger routes resty's internal messages through zerolog.
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) { l.log.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...interface{}) { l.log.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...interface{}) { l.log.Debug().Msgf(format, v...) }

// IsTransformError reports whether err is, or wraps, a transform Error.
func IsTransformError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
