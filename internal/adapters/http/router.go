package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Cowrite/internal/adapters/api"
	"github.com/dkeye/Cowrite/internal/adapters/signal"
	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/config"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

// ClientTokenMiddleware pins a uuid to the caller's cookie session. The
// token keys rate limiting; it is not an identity proof. A caller that did
// not send the cookie back is keyed by its address instead, so clients
// without a cookie jar still share one budget.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		key := token
		if token == "" {
			sess.Set(clientTokenKey, uuid.NewString())
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
			key = "ip:" + c.ClientIP()
		}
		c.Set("client_token", key)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.ServerConfig, dir *app.Directory, limiter *app.RateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CowriteSessions", store))
	r.Use(ClientTokenMiddleware())

	handler := api.NewHandler(dir, limiter)
	ws := signal.NewSignalWSController(handler, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	apiGroup := r.Group("/api")

	apiGroup.POST("/signal", func(c *gin.Context) {
		var req api.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			resp, status := api.Failure(domain.NewDirectoryError(domain.ReasonBadRequest, "malformed request"))
			c.JSON(status, resp)
			return
		}
		resp, status := handler.Handle(c.GetString("client_token"), req)
		c.JSON(status, resp)
	})

	apiGroup.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": dir.List()})
	})

	apiGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup.GET("/ws/signal", func(c *gin.Context) {
		ws.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
