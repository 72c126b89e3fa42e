package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// Gzip compresses responses of at least minSize bytes for clients that
// accept gzip. Smaller bodies are buffered and sent as they are.
func Gzip(minSize int) func(http.Handler) http.Handler {
	if minSize <= 0 {
		minSize = 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Accept-Encoding")
			gzw := &gzipResponseWriter{ResponseWriter: w, minSize: minSize}
			defer gzw.finish()
			next.ServeHTTP(gzw, r)
		})
	}
}

// gzipResponseWriter holds back the status and the first minSize bytes
// until it knows whether compression pays off.
type gzipResponseWriter struct {
	http.ResponseWriter
	minSize int
	status  int
	buf     []byte
	gz      *gzip.Writer
	plain   bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	switch {
	case w.gz != nil:
		return w.gz.Write(b)
	case w.plain:
		return w.ResponseWriter.Write(b)
	}

	w.buf = append(w.buf, b...)
	if len(w.buf) < w.minSize {
		return len(b), nil
	}

	if w.Header().Get("Content-Encoding") != "" {
		w.plain = true
		w.writeHeader()
		if _, err := w.ResponseWriter.Write(w.buf); err != nil {
			return 0, err
		}
		w.buf = nil
		return len(b), nil
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Del("Content-Length")
	w.writeHeader()

	w.gz = gzipWriterPool.Get().(*gzip.Writer)
	w.gz.Reset(w.ResponseWriter)
	if _, err := w.gz.Write(w.buf); err != nil {
		return 0, err
	}
	w.buf = nil
	return len(b), nil
}

func (w *gzipResponseWriter) writeHeader() {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.ResponseWriter.WriteHeader(w.status)
}

// finish flushes whatever is still pending.
func (w *gzipResponseWriter) finish() {
	if w.gz != nil {
		w.gz.Close()
		gzipWriterPool.Put(w.gz)
		w.gz = nil
		return
	}
	if w.plain {
		return
	}
	if w.status != 0 || len(w.buf) > 0 {
		w.writeHeader()
	}
	if len(w.buf) > 0 {
		w.ResponseWriter.Write(w.buf)
	}
}
