package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spot-core/internal/engine"
	"spot-core/internal/events"
	"spot-core/internal/market"
	"spot-core/internal/position"
	"spot-core/internal/strategy"
	"spot-core/pkg/db"
)

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Engine    *engine.Core
	Market    *market.Manager
	Strategy  *strategy.Engine
	Ledger    *position.Ledger
	Journal   *db.Database
	JWTSecret string

	log zerolog.Logger
}

func NewServer(
	core *engine.Core,
	mkt *market.Manager,
	strat *strategy.Engine,
	ledger *position.Ledger,
	journal *db.Database,
	bus *events.Bus,
	jwtSecret string,
	log zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	s := &Server{
		Router:    r,
		Bus:       bus,
		Engine:    core,
		Market:    mkt,
		Strategy:  strat,
		Ledger:    ledger,
		Journal:   journal,
		JWTSecret: jwtSecret,
		log:       log.With().Str("comp", "api").Logger(),
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(s.RequestLogger())
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/signals", s.getSignals)
		api.GET("/watchlist", s.getWatchlist)
		api.GET("/prices", s.getPrices)
		api.GET("/trades", s.getTrades)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/engine/start", s.startEngine)
			protected.POST("/engine/stop", s.stopEngine)
			protected.POST("/engine/mode", s.setMode)
			protected.POST("/watchlist", s.setWatchlist)
			protected.POST("/watchlist/add", s.addSymbol)
			protected.DELETE("/watchlist/:symbol", s.removeSymbol)
		}
	}
}

// Run serves HTTP on addr until the listener fails.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("api listening")
	return srv.ListenAndServe()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"engine": string(s.Engine.Status()),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
