package collector

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/analytics-go/internal/destination"
	"github.com/loykin/analytics-go/internal/transport"
)

const maxBodyBytes = 20 << 20

// Router exposes a Collector over HTTP.
// Endpoints:
//
//	POST {basePath}/events/{activities,generations,feedbacks}
//	POST {basePath}/user-identities/{init,identify,alias}
//	GET  {basePath}/debug/events?kind=activities
//	GET  {basePath}/healthz
type Router struct {
	c        *Collector
	basePath string
}

func NewRouter(c *Collector, basePath string) *Router {
	return &Router{c: c, basePath: sanitizeBase(basePath)}
}

// Handler returns a gin-powered http.Handler that can be mounted anywhere.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	for _, path := range []string{
		destination.ActivitiesPath,
		destination.GenerationsPath,
		destination.FeedbacksPath,
		destination.IdentifyRegisterPath,
		destination.IdentifyIdentifyPath,
		destination.IdentifyAliasPath,
	} {
		group.POST(path, r.handleIngest(path))
	}
	group.GET("/debug/events", r.handleEvents)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, map[string]bool{"ok": true}) })
	return g
}

// NewServer starts a standalone collector on addr. A non-nil tlsConfig
// serves HTTPS.
func NewServer(addr, basePath string, c *Collector, tlsConfig *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(c, basePath).Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("collector server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

func (r *Router) handleIngest(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
			return
		}
		if len(body) > maxBodyBytes {
			writeJSON(c, http.StatusRequestEntityTooLarge, transport.PayloadTooLargeBody{Error: "Payload too large"})
			return
		}
		code, resp := r.c.Ingest(c.Request.Context(), path, c.GetHeader(transport.TokenHeader), body)
		writeJSON(c, code, resp)
	}
}

func (r *Router) handleEvents(c *gin.Context) {
	kind := c.DefaultQuery("kind", KindActivities)
	writeJSON(c, http.StatusOK, r.c.Events(kind))
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
