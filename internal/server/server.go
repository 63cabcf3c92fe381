package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability"
	obsmiddleware "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability/logger"
	obsmetrics "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability/metrics"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/signaling"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// accountIDHeader carries the caller identity. Authentication is an
// upstream concern; the gateway is trusted to have verified it.
const accountIDHeader = "X-Account-ID"

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	cfg        config.Config
	walletSvc  walletdomain.Service
	sessionSvc sessiondomain.Service
	requestSvc requestdomain.Service
	relay      *signaling.Relay
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Log        *zap.Logger
	Cfg        config.Config
	WalletSvc  walletdomain.Service
	SessionSvc sessiondomain.Service
	RequestSvc requestdomain.Service
	Relay      *signaling.Relay
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		log:        p.Log.Named("http.server"),
		cfg:        p.Cfg,
		walletSvc:  p.WalletSvc,
		sessionSvc: p.SessionSvc,
		requestSvc: p.RequestSvc,
		relay:      p.Relay,
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	request := v1.Group("/session/request")
	request.POST("", s.CreateSessionRequest)
	request.POST("/:id/accept", s.AcceptSessionRequest)
	request.POST("/:id/reject", s.RejectSessionRequest)
	request.POST("/:id/cancel", s.CancelSessionRequest)

	session := v1.Group("/session")
	session.GET("/:id", s.GetSession)
	session.POST("/:id/start", s.StartSession)
	session.POST("/:id/end", s.EndSession)
	session.POST("/:id/pause", s.PauseSession)
	session.POST("/:id/resume", s.ResumeSession)

	wallet := v1.Group("/wallet")
	wallet.GET("/balance", s.GetBalance)
	wallet.GET("/transactions", s.ListTransactions)
	wallet.POST("/topup", s.TopUp)

	v1.GET("/ws", s.Websocket)
}

// callerID resolves the caller from the identity header.
func callerID(c *gin.Context) (snowflake.ID, error) {
	raw := c.GetHeader(accountIDHeader)
	if raw == "" {
		return 0, ErrUnauthorized
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrUnauthorized
	}
	return snowflake.ID(id), nil
}

func pathID(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidRequestError()
	}
	return snowflake.ID(id), nil
}
