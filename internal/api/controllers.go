package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.RuntimeStats())
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"open":   s.Ledger.OpenPositions(),
		"closed": s.Ledger.ClosedPositions(),
	})
}

func (s *Server) getSignals(c *gin.Context) {
	c.JSON(http.StatusOK, s.Strategy.Outputs())
}

func (s *Server) getWatchlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchlist": s.Engine.Watchlist()})
}

func (s *Server) getPrices(c *gin.Context) {
	out := make(map[string]gin.H)
	for _, sym := range s.Market.Symbols() {
		price, ok := s.Market.Price(sym)
		if !ok {
			continue
		}
		change, _ := s.Market.Change24h(sym)
		out[sym] = gin.H{"price": price, "change_24h": change}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Journal == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.Journal.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "JOURNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) startEngine(c *gin.Context) {
	s.Engine.Start()
	c.JSON(http.StatusOK, gin.H{"status": string(s.Engine.Status())})
}

func (s *Server) stopEngine(c *gin.Context) {
	s.Engine.Stop()
	c.JSON(http.StatusOK, gin.H{"status": string(s.Engine.Status())})
}

func (s *Server) setMode(c *gin.Context) {
	var req struct {
		Paper *bool `json:"paper"`
	}
	if err := c.BindJSON(&req); err != nil || req.Paper == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "expected {\"paper\": bool}",
		})
		return
	}
	s.Engine.SetPaperMode(*req.Paper)
	c.JSON(http.StatusOK, gin.H{"paper_mode": s.Engine.PaperMode()})
}

func (s *Server) setWatchlist(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "expected {\"symbols\": [..]}",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": s.Engine.SetWatchlist(req.Symbols)})
}

func (s *Server) addSymbol(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := c.BindJSON(&req); err != nil || req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "expected {\"symbol\": \"BTCUSDT\"}",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": s.Engine.AddSymbol(req.Symbol)})
}

func (s *Server) removeSymbol(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchlist": s.Engine.RemoveSymbol(c.Param("symbol"))})
}
