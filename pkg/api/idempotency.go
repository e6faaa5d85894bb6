package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const idempotencyHeader = "Idempotency-Key"

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// IdempotencyStore holds responses keyed by route and idempotency key.
type IdempotencyStore struct {
	entries *expirable.LRU[string, *cachedResponse]
}

// NewIdempotencyStore keeps up to size responses for ttl.
func NewIdempotencyStore(size int, ttl time.Duration) *IdempotencyStore {
	if size <= 0 {
		size = 10000
	}
	return &IdempotencyStore{entries: expirable.NewLRU[string, *cachedResponse](size, nil, ttl)}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware replays the stored response for a repeated Idempotency-Key on
// POST requests. Only 2xx responses are stored, so a rejected submission
// may be retried with the same key.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		scoped := r.URL.Path + "\x00" + key
		if cached, ok := s.entries.Get(scoped); ok {
			for k, vals := range cached.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.statusCode >= 200 && capture.statusCode < 300 {
			headers := w.Header().Clone()
			headers.Del(requestIDHeader)
			s.entries.Add(scoped, &cachedResponse{
				StatusCode: capture.statusCode,
				Headers:    headers,
				Body:       bytes.Clone(capture.body.Bytes()),
			})
		}
	})
}
