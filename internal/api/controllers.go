package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/ledger"
	"execution-core/internal/signal"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// httpError maps typed core errors onto HTTP responses.
func httpError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch broker.CategoryOf(err) {
	case broker.CategoryValidation:
		status = http.StatusBadRequest
	case broker.CategoryBroker:
		status = http.StatusUnprocessableEntity
	case broker.CategoryRateLimit:
		status = http.StatusTooManyRequests
	case broker.CategoryTransport:
		status = http.StatusBadGateway
	}
	code := broker.CodeOf(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

func (s *Server) getSession(c *gin.Context) {
	view, ok := s.Ledger.Session()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "NO_SESSION", "error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) startSession(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	view, err := s.Orch.StartSession(c.Request.Context(), ledger.Mode(req.Mode))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) stopSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.BindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	view, err := s.Orch.StopSession(c.Request.Context(), req.Reason)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) setMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	view, err := s.Orch.SetMode(c.Request.Context(), ledger.Mode(req.Mode))
	if err != nil {
		// The downgraded view still matters to the caller.
		c.JSON(http.StatusConflict, gin.H{
			"code": broker.CodeOf(err), "error": err.Error(), "session": view,
		})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) pauseSession(c *gin.Context) {
	s.Orch.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeSession(c *gin.Context) {
	s.Orch.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) squareOff(c *gin.Context) {
	s.Orch.SquareOff(c.Request.Context(), "operator request")
	c.JSON(http.StatusOK, gin.H{"status": "square_off_submitted"})
}

func (s *Server) postSignal(c *gin.Context) {
	var req struct {
		Instrument      string  `json:"instrument"`
		Direction       string  `json:"direction"`
		Entry           float64 `json:"entry"`
		StopLoss        float64 `json:"stop_loss"`
		Target          float64 `json:"target"`
		TrailingPercent float64 `json:"trailing_percent"`
		Confidence      float64 `json:"confidence"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	side := broker.Side(req.Direction)
	if side != broker.SideBuy && side != broker.SideSell {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "direction must be BUY or SELL"})
		return
	}

	outcome, err := s.Orch.HandleSignal(c.Request.Context(), signal.Signal{
		Instrument:      req.Instrument,
		Direction:       side,
		SuggestedEntry:  req.Entry,
		SuggestedSL:     req.StopLoss,
		SuggestedTarget: req.Target,
		TrailingPercent: req.TrailingPercent,
		Confidence:      req.Confidence,
		Timestamp:       time.Now(),
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

func (s *Server) getProposals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"proposals": s.Orch.Proposals()})
}

func (s *Server) approveProposal(c *gin.Context) {
	outcome, err := s.Orch.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) discardProposal(c *gin.Context) {
	if !s.Orch.Discard(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "unknown proposal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "discarded"})
}

func (s *Server) getOrders(c *gin.Context) {
	session, ok := s.Ledger.Session()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"orders": []db.Order{}})
		return
	}
	limit := intQuery(c, "limit", 100)
	orders, err := s.DB.ListOrdersBySession(c.Request.Context(), session.ID, limit)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.DB.GetOrder(c.Request.Context(), c.Param("id"))
	if err == db.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "unknown order"})
		return
	}
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.Orch.CancelOrder(c.Request.Context(), c.Param("id")); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}

func (s *Server) modifyOrder(c *gin.Context) {
	var req struct {
		Qty   float64 `json:"qty"`
		Price float64 `json:"price"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if err := s.Orch.ModifyOrder(c.Request.Context(), c.Param("id"), req.Qty, req.Price); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "modify_requested"})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.Ledger.Positions()})
}

func (s *Server) getRiskEvents(c *gin.Context) {
	session, ok := s.Ledger.Session()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"risk_events": []db.RiskEvent{}})
		return
	}
	limit := intQuery(c, "limit", 100)
	events, err := s.DB.ListRiskEvents(c.Request.Context(), session.ID, limit)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_events": events})
}

func (s *Server) getAuditEvents(c *gin.Context) {
	filter := db.AuditFilter{
		Kind:     c.Query("kind"),
		EntityID: c.Query("entity_id"),
		Limit:    intQuery(c, "limit", 200),
	}
	if v := c.Query("session_id"); v != "" {
		filter.SessionID = v
	} else if session, ok := s.Ledger.Session(); ok {
		filter.SessionID = session.ID
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "from must be RFC3339"})
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "to must be RFC3339"})
			return
		}
		filter.To = t
	}

	events, err := s.Trail.Query(c.Request.Context(), filter)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_events": events})
}

func (s *Server) triggerReconcile(c *gin.Context) {
	var req struct {
		AdapterID string `json:"adapter_id"`
	}
	_ = c.BindJSON(&req)

	if req.AdapterID != "" {
		if err := s.Reconciler.Reconcile(c.Request.Context(), req.AdapterID); err != nil {
			httpError(c, err)
			return
		}
	} else {
		s.Reconciler.ReconcileAll(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

func (s *Server) getAdapters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"adapters":           s.Monitor.Statuses(),
		"bus_dropped_events": s.Bus.Dropped(),
	})
}

// postTick feeds a price into the paper book and the protection monitor.
func (s *Server) postTick(c *gin.Context) {
	var req struct {
		Instrument string  `json:"instrument"`
		Price      float64 `json:"price"`
	}
	if err := c.BindJSON(&req); err != nil || req.Instrument == "" || req.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "instrument and positive price required"})
		return
	}
	if s.Paper != nil {
		s.Paper.Tick(req.Instrument, req.Price)
	}
	if s.Protection != nil {
		s.Protection.OnTick(c.Request.Context(), req.Instrument, req.Price)
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func intQuery(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
