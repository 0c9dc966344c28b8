package http

import (
	"github.com/gin-gonic/gin"
	mw "github.com/richardliu001/user-service/http"
	"github.com/richardliu001/user-service/internal/config"
	"github.com/richardliu001/user-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.UserService, ob OutboxAdmin, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CorrelationMiddleware())
	r.Use(mw.LoggingMiddleware(log))
	r.Use(mw.RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, ob, log)
	return r
}
