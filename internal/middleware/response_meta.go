package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetable-api/pkg/middleware/requestid"
)

const responseMetaKey = "response_meta"

// responseMeta collects envelope metadata while a request is handled.
type responseMeta struct {
	mu      sync.Mutex
	started time.Time
	values  map[string]interface{}
}

// WithResponseMeta starts a metadata collector for the request.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(responseMetaKey, &responseMeta{started: time.Now(), values: make(map[string]interface{})})
		c.Next()
	}
}

// SetMeta records one metadata value. It is a no-op without WithResponseMeta.
func SetMeta(c *gin.Context, key string, value interface{}) {
	meta := metaFrom(c)
	if meta == nil {
		return
	}
	meta.mu.Lock()
	meta.values[key] = value
	meta.mu.Unlock()
}

// SetCacheHit records whether the payload was served from the read cache.
func SetCacheHit(c *gin.Context, hit bool) {
	SetMeta(c, "cache_hit", hit)
}

// ExtractMeta returns a copy of the collected metadata with the elapsed
// processing time and the request id.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	meta := metaFrom(c)
	if meta == nil {
		return nil
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	out := make(map[string]interface{}, len(meta.values)+2)
	for key, value := range meta.values {
		out[key] = value
	}
	out["processing_time_ms"] = time.Since(meta.started).Milliseconds()
	if id := requestid.Value(c); id != "" {
		out["request_id"] = id
	}
	return out
}

func metaFrom(c *gin.Context) *responseMeta {
	if c == nil {
		return nil
	}
	value, ok := c.Get(responseMetaKey)
	if !ok {
		return nil
	}
	meta, _ := value.(*responseMeta)
	return meta
}
