package cache

import (
	"bytes"
	"net/http"
	"strings"
)

// CaptureWriter wraps http.ResponseWriter to record the status and body of
// a forwarded response so it can be stored after a successful fetch. The
// capture stops at maxBody bytes; the response itself streams through
// unbounded.
type CaptureWriter struct {
	http.ResponseWriter
	statusCode  int
	Body        bytes.Buffer
	written     int64
	maxBody     int64
	overflowed  bool
	wroteHeader bool
}

// NewCaptureWriter creates a capturing response writer with a body cap.
// maxBody <= 0 means no cap.
func NewCaptureWriter(w http.ResponseWriter, maxBody int64) *CaptureWriter {
	return &CaptureWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		maxBody:        maxBody,
	}
}

// WriteHeader captures the status code and writes it through.
func (cw *CaptureWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.statusCode = code
		cw.wroteHeader = true
		cw.ResponseWriter.WriteHeader(code)
	}
}

// StatusCode returns the captured status code.
func (cw *CaptureWriter) StatusCode() int {
	return cw.statusCode
}

// Overflowed reports whether the body exceeded the cap. An overflowed
// capture must not become a cache entry.
func (cw *CaptureWriter) Overflowed() bool {
	return cw.overflowed
}

// Write captures the body up to the cap and writes it through.
func (cw *CaptureWriter) Write(b []byte) (int, error) {
	if !cw.overflowed {
		if cw.maxBody > 0 && int64(cw.Body.Len())+int64(len(b)) > cw.maxBody {
			cw.overflowed = true
			cw.Body.Reset()
		} else {
			cw.Body.Write(b)
		}
	}
	n, err := cw.ResponseWriter.Write(b)
	cw.written += int64(n)
	return n, err
}

// BytesWritten returns the total bytes sent to the client, whether or not
// they were captured.
func (cw *CaptureWriter) BytesWritten() int64 {
	return cw.written
}

// Flush implements http.Flusher.
func (cw *CaptureWriter) Flush() {
	if flusher, ok := cw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// ShouldStore reports whether a captured response may become a cache
// entry: successful status, within the body cap, and not marked
// Cache-Control: no-store by the upstream.
func ShouldStore(status int, header http.Header, overflowed bool) bool {
	if status < 200 || status >= 300 {
		return false
	}
	if overflowed {
		return false
	}
	if strings.Contains(strings.ToLower(header.Get("Cache-Control")), "no-store") {
		return false
	}
	return true
}

// WriteCachedResponse writes a cached entry to the response writer.
func WriteCachedResponse(w http.ResponseWriter, entry *Entry) {
	for key, values := range entry.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(entry.StatusCode)
	w.Write(entry.Body)
}
