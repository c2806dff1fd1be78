// Package ginhttp mounts the procedure surface on a gin engine.
package ginhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// DefaultServiceName names the otelgin spans when Options leave it empty.
const DefaultServiceName = "actorflow"

// Options configure New.
type Options struct {
	ServiceName string
	// Debug adds gin's request logger.
	Debug bool
	// Routes are served by the engine ahead of api, keyed by path.
	Routes map[string]http.Handler
}

// New returns an engine that serves /healthz itself and hands every other
// request to api.
func New(api http.Handler, opts Options) *gin.Engine {
	name := opts.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if opts.Debug {
		engine.Use(gin.Logger())
	}
	engine.Use(otelgin.Middleware(name))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	for path, h := range opts.Routes {
		engine.Any(path, gin.WrapH(h))
	}
	engine.NoRoute(gin.WrapH(api))
	return engine
}
