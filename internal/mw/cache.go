package mw

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// CacheStatusHeader reports whether a response came from the cache.
const CacheStatusHeader = "X-Cache"

type cacheEntry struct {
	status      int
	contentType string
	body        []byte
}

// recordingWriter copies everything written to the client into buf.
type recordingWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// cacheKey scopes the request URI to the authenticated account so operators
// never see each other's responses.
func cacheKey(c *gin.Context) string {
	if account := Account(c); account != nil {
		return strconv.FormatInt(account.ID, 10) + ":" + c.Request.RequestURI
	}
	return "-:" + c.Request.RequestURI
}

// Cache serves repeated GET requests from memory for ttl. Only 2xx
// responses are stored.
func Cache(entries *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := cacheKey(c)
		if v, ok := entries.Get(key); ok {
			entry := v.(cacheEntry)
			c.Header(CacheStatusHeader, "HIT")
			c.Data(entry.status, entry.contentType, entry.body)
			c.Abort()
			return
		}

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Header(CacheStatusHeader, "MISS")
		c.Next()

		if status := rec.Status(); status >= 200 && status < 300 {
			entries.Set(key, cacheEntry{
				status:      status,
				contentType: rec.Header().Get("Content-Type"),
				body:        bytes.Clone(rec.buf.Bytes()),
			}, ttl)
		}
	}
}
