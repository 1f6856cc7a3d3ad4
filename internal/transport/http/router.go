package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nhlam3011/alonha-sub002/internal/auth"
	"github.com/nhlam3011/alonha-sub002/internal/config"
	"github.com/nhlam3011/alonha-sub002/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func NewRouter(svc *service.WalletService, verifier *auth.Verifier, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(MetricsMiddleware())
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterHandlers(r, NewHandler(svc, log), verifier, cfg.Auth)
	return r
}

func RegisterHandlers(r *gin.Engine, h *Handler, verifier *auth.Verifier, ac config.AuthConfig) {
	v1 := r.Group("/api/v1", auth.AuthMiddleware(verifier))

	wallet := v1.Group("/wallet", auth.RequireRole(ac.AllowedRoles...))
	{
		wallet.GET("", h.GetWallet)
		wallet.POST("/deposit", h.Deposit)
		wallet.POST("/purchase", h.Purchase)
		wallet.GET("/transactions", h.ListTransactions)
	}

	admin := v1.Group("/admin", auth.RequireRole(ac.AdminRole))
	{
		admin.GET("/wallets/:userId/reconcile", h.Reconcile)
	}
}
