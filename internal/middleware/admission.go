package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/flipbg/service/internal/admission"
	"github.com/flipbg/service/internal/metrics"
	"github.com/flipbg/service/internal/response"
)

// RateLimitedResponse is the 429 body for anonymous callers.
type RateLimitedResponse struct {
	response.Envelope
	// ResetIn is the number of minutes until the window resets, rounded up.
	ResetIn int `json:"resetIn"`
}

// Admission returns middleware that rate limits callers by source address.
// It relies on chi's RealIP having normalized RemoteAddr. When the counter
// store fails the request is let through.
func Admission(ctrl *admission.Controller, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := CallerKey(r)
			d, err := ctrl.Admit(r.Context(), key)
			if err != nil {
				log.Warn().Err(err).Str("caller", key).Msg("admission check failed; allowing request")
				metrics.RecordAdmission("error")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ctrl.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				metrics.RecordAdmission("rejected")
				w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilUnits(d.ResetIn, time.Second)))
				response.TooManyRequests(w, RateLimitedResponse{
					Envelope: response.Envelope{Success: false, Error: "Rate limit exceeded. Please try again later."},
					ResetIn:  ceilUnits(d.ResetIn, time.Minute),
				})
				return
			}
			metrics.RecordAdmission("allowed")
			next.ServeHTTP(w, r)
		})
	}
}

// CallerKey identifies an anonymous caller by IP address.
func CallerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ceilUnits(d, unit time.Duration) int {
	return int(math.Ceil(float64(d) / float64(unit)))
}
