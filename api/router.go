package api

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter assembles the gin engine with logging, recovery, CORS and
// the custody routes.
func NewRouter(h *Handler, logger *zap.Logger, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-User-ID", "X-Trace-ID")
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/deposits", h.InitiateDeposit)
		v1.POST("/deposits/verify", h.VerifyDeposit)
		v1.GET("/deposits", h.ListDeposits)

		v1.POST("/withdrawals", h.InitiateWithdrawal)
		v1.POST("/withdrawals/:id/confirm", h.ConfirmWithdrawal)
		v1.GET("/withdrawals", h.ListWithdrawals)

		v1.GET("/balances/:currency", h.GetBalance)
		v1.GET("/audit/:id/verify", h.VerifyAuditEntry)
	}

	return router
}
