package admission

import (
	"net/http"
	"strings"

	"anidex/internal/model"

	"github.com/gin-gonic/gin"
)

// Recorder receives usage events for admitted requests. Implementations
// must never block the response path; failures stay internal.
type Recorder interface {
	Record(key *model.APIKey, clientIP, endpoint string, status int)
}

const (
	// HeaderAPIKey is the primary credential header. The apiKey query
	// parameter is the fallback; the header wins when both are present.
	HeaderAPIKey = "x-api-key"
	queryAPIKey  = "apiKey"
)

// ExtractKey pulls the raw API key from a request.
func ExtractKey(c *gin.Context) string {
	if key := c.GetHeader(HeaderAPIKey); key != "" {
		return key
	}
	return c.Query(queryAPIKey)
}

// routePath returns the request path relative to the route's mount point,
// so wildcard routes under a version prefix see "/v1/anime/1" as
// "/anime/1". Endpoint scopes and audit entries must not depend on where
// the content group is mounted.
func routePath(c *gin.Context) string {
	full := c.FullPath()
	if i := strings.Index(full, "/*"); i > 0 {
		if rel := c.Param(full[i+2:]); rel != "" {
			return rel
		}
	}
	return c.Request.URL.Path
}

// Middleware gates handler invocation on the admission decision and hands
// every served request to the recorder afterwards. Rate-limited and
// rejected requests are not recorded; the handler never ran for them.
func Middleware(ctl *Controller, recorder Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := ExtractKey(c)
		clientIP := ResolveClientIP(c.Request)
		path := routePath(c)

		decision := ctl.Admit(c.Request.Context(), rawKey, path, clientIP)
		if !decision.Allowed {
			c.AbortWithStatusJSON(decision.Reason.StatusCode(), gin.H{"error": decision.Reason.Message()})
			return
		}

		c.Next()

		status := c.Writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		recorder.Record(decision.Key, clientIP, LeadingSegment(path), status)
	}
}
