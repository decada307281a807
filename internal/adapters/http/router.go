package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/hostrelay/internal/app/relay"
	"github.com/dkeye/hostrelay/internal/config"
	"github.com/dkeye/hostrelay/internal/domain"
)

const HostTokenHeader = "X-Host-Token"

// SessionLister is the read side of the session registry.
type SessionLister interface {
	List() []domain.Session
	Len() int
}

// Hoster starts a relay for a new session.
type Hoster interface {
	Host(ctx context.Context, user domain.User) (relay.HostedSession, error)
}

type Deps struct {
	Sessions SessionLister
	Hoster   Hoster
	Gatherer prometheus.Gatherer
}

type hostRequest struct {
	Username string `json:"username" binding:"required,max=36"`
}

type hostResponse struct {
	Port     uint16 `json:"port"`
	Username string `json:"username"`
}

// staticFiles is everything the control plane serves from cfg.StaticPath.
var staticFiles = map[string]string{
	"/":            "index.html",
	"/script.js":   "script.js",
	"/favicon.ico": "favicon.ico",
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("HostRelaySession", store))

	for route, file := range staticFiles {
		path := filepath.Join(cfg.StaticPath, file)
		r.GET(route, func(c *gin.Context) { c.File(path) })
	}

	r.GET("/sessions", listSessions(deps.Sessions))
	r.POST("/host", hostSession(deps.Hoster, cfg.Relay.SpawnTimeout))
	r.GET("/whoami", whoami)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": deps.Sessions.Len()})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.String(http.StatusForbidden, "forbidden")
			return
		}
		c.String(http.StatusNotFound, "not found")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}

func listSessions(lister SessionLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := lister.List()
		if list == nil {
			list = []domain.Session{}
		}
		body, err := json.Marshal(list)
		if err != nil {
			log.Error().Str("module", "adapters.http").Err(err).Msg("encode sessions")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode sessions"})
			return
		}
		c.Data(http.StatusOK, "text/json", body)
	}
}

func hostSession(hoster Hoster, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req hostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid username"})
			return
		}
		user, err := domain.NewUser(req.Username)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		hs, err := hoster.Host(ctx, user)
		if err != nil {
			log.Error().Str("module", "adapters.http").Str("user", user.Name).Err(err).Msg("hosting failed")
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		session := sessions.Default(c)
		session.Set("username", hs.Username)
		session.Set("port", int(hs.Port))
		if err := session.Save(); err != nil {
			log.Warn().Str("module", "adapters.http").Err(err).Msg("could not remember hosted session")
		}

		c.Header(HostTokenHeader, hs.HostToken)
		c.JSON(http.StatusOK, hostResponse{Port: hs.Port, Username: hs.Username})
	}
}

func whoami(c *gin.Context) {
	session := sessions.Default(c)
	name, ok := session.Get("username").(string)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing hosted from this browser"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": name, "port": session.Get("port")})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
