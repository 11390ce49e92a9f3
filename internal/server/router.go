package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"support-bridge/internal/auth"
	"support-bridge/internal/errs"
	"support-bridge/internal/handler"
	"support-bridge/internal/hub"
	"support-bridge/internal/middleware"
	"support-bridge/internal/model"
	"support-bridge/internal/ratelimit"
	"support-bridge/internal/realtime"
	"support-bridge/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
	// Realtime is created from the other deps when nil.
	Realtime *realtime.Server
	Version  string
}

// SessionAuthorizer lets the session owner and any admin join a session's
// channel while the session is open.
func SessionAuthorizer(st *store.Store) realtime.Authorizer {
	return func(claims *auth.Claims, sessionID string) error {
		sess, ok := st.GetSession(sessionID)
		if !ok {
			return errs.ErrSessionNotFound
		}
		if sess.Status == model.StatusClosed {
			return errs.ErrSessionClosed
		}
		if claims.IsAdmin() || sess.UserID == claims.UserID {
			return nil
		}
		return errs.ErrForbidden
	}
}

func NewRealtime(deps Deps) *realtime.Server {
	return realtime.NewServer(realtime.Deps{
		Hub:         hub.New(),
		TokenConfig: deps.TokenConfig,
		Authorize:   SessionAuthorizer(deps.Store),
		Logger:      deps.Logger,
	})
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Realtime == nil {
		deps.Realtime = NewRealtime(deps)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	versionHandler := &handler.VersionHandler{Version: deps.Version}
	r.GET("/v1/version", versionHandler.Check)

	r.GET("/realtime/v1/websocket", gin.WrapH(deps.Realtime))

	apiLimiter := ratelimit.New(120, time.Minute)
	protected := r.Group("/v1/support")
	protected.Use(middleware.RateLimitMiddleware(apiLimiter))
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	sessionHandler := &handler.SessionHandler{Store: deps.Store, Notifier: deps.Realtime, Logger: deps.Logger}
	protected.POST("/sessions", sessionHandler.Create)
	protected.GET("/sessions/mine", sessionHandler.Mine)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.POST("/sessions/:id/close", sessionHandler.Close)
	protected.PUT("/sessions/:id/device", sessionHandler.UpdateDevice)

	admin := protected.Group("")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/sessions", sessionHandler.List)
	admin.POST("/sessions/:id/join", sessionHandler.Join)
	admin.POST("/sessions/:id/revert", sessionHandler.Revert)
	admin.POST("/sweep", sessionHandler.Sweep)

	return r
}
