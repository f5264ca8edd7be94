package debugapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/coordinator"
	"github.com/dfarchon/darkforest-mud-sub002/database/historydb"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/dfarchon/darkforest-mud-sub002/metric"
	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	shutdownTimeout     = 10 * time.Second
	nonceTimeout        = 2 * time.Second
)

// Config of the DebugAPI
type Config struct {
	// Addr is the listening address
	Addr string
	// Coordinator is the scheduler being inspected
	Coordinator *coordinator.Coordinator
	// Diagnostics holds the last reported counters
	Diagnostics *coordinator.DiagnosticsHolder
	// HistoryDB is optional.  The history endpoint answers 404 without it.
	HistoryDB *historydb.HistoryDB
	// SessionID identifies the transactions of this process in the history
	SessionID string
}

// DebugAPI is an http API with debugging endpoints
type DebugAPI struct {
	cfg Config
}

// NewDebugAPI creates a new DebugAPI
func NewDebugAPI(cfg Config) *DebugAPI {
	return &DebugAPI{cfg: cfg}
}

// pendingTx is the view of a queued transaction
type pendingTx struct {
	ID            coordinator.TxID       `json:"id"`
	Contract      string                 `json:"contract"`
	Method        string                 `json:"method"`
	State         coordinator.TxState    `json:"state"`
	GasSetting    coordinator.GasSetting `json:"gasSetting"`
	LastUpdatedAt time.Time              `json:"lastUpdatedAt"`
}

func (a *DebugAPI) handleHealth(c *gin.Context) {
	successResponse(c, "ok", gin.H{
		"account":   a.cfg.Coordinator.Account(),
		"sessionId": a.cfg.SessionID,
	})
}

func (a *DebugAPI) handleDiagnostics(c *gin.Context) {
	successResponse(c, "diagnostics", a.cfg.Diagnostics.Snapshot())
}

func (a *DebugAPI) handleBalance(c *gin.Context) {
	balance := a.cfg.Coordinator.Balance()
	if balance == nil {
		errorResponse(c, http.StatusServiceUnavailable, "balance not fetched yet")
		return
	}
	successResponse(c, "balance", gin.H{"wei": balance.String()})
}

func (a *DebugAPI) handleNonce(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), nonceTimeout)
	defer cancel()
	nonce, ok, err := a.cfg.Coordinator.TxManager().Nonces().Cached(ctx)
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "nonce allocator busy", err)
		return
	}
	if !ok {
		successResponse(c, "nonce", gin.H{"cached": false})
		return
	}
	successResponse(c, "nonce", gin.H{"cached": true, "nonce": nonce})
}

func (a *DebugAPI) handlePending(c *gin.Context) {
	txs := a.cfg.Coordinator.TxManager().Pending()
	pending := make([]pendingTx, 0, len(txs))
	for _, tx := range txs {
		view := pendingTx{
			ID:            tx.ID,
			Method:        tx.Intent.MethodName,
			State:         tx.State(),
			GasSetting:    tx.GasSetting,
			LastUpdatedAt: tx.LastUpdatedAt(),
		}
		if tx.Intent.Contract != nil {
			view.Contract = tx.Intent.Contract.Name
		}
		pending = append(pending, view)
	}
	successResponse(c, "pending transactions", pending)
}

func (a *DebugAPI) handleHistory(c *gin.Context) {
	if a.cfg.HistoryDB == nil {
		errorResponse(c, http.StatusNotFound, "transaction history disabled")
		return
	}
	limit := uint64(defaultHistoryLimit)
	if limitStr := c.Query("limit"); limitStr != "" {
		var err error
		limit, err = strconv.ParseUint(limitStr, 10, 32)
		if err != nil {
			badReq(err, c)
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}
	sessionID := c.DefaultQuery("session", a.cfg.SessionID)
	if c.Query("all") == "true" {
		sessionID = ""
	}
	txs, err := a.cfg.HistoryDB.GetTxsAPI(sessionID, uint(limit))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "history query failed", err)
		return
	}
	successResponse(c, "transaction history", txs)
}

func txIDParam(c *gin.Context) (coordinator.TxID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badReq(err, c)
		return 0, false
	}
	return coordinator.TxID(id), true
}

func (a *DebugAPI) handleCancel(c *gin.Context) {
	id, ok := txIDParam(c)
	if !ok {
		return
	}
	if err := a.cfg.Coordinator.TxManager().CancelByID(id); err != nil {
		txError(err, c)
		return
	}
	successResponse(c, "transaction cancelled", gin.H{"id": id})
}

func (a *DebugAPI) handlePrioritize(c *gin.Context) {
	id, ok := txIDParam(c)
	if !ok {
		return
	}
	if err := a.cfg.Coordinator.TxManager().PrioritizeByID(id); err != nil {
		txError(err, c)
		return
	}
	successResponse(c, "transaction prioritized", gin.H{"id": id})
}

// Handler returns the router of the DebugAPI
func (a *DebugAPI) Handler() *gin.Engine {
	api := gin.New()
	api.Use(gin.Recovery())
	api.NoRoute(handleNoRoute)
	api.GET("/metrics", gin.WrapH(metric.Handler()))
	debugAPI := api.Group("/debug")
	debugAPI.GET("health", a.handleHealth)
	debugAPI.GET("diagnostics", a.handleDiagnostics)
	debugAPI.GET("balance", a.handleBalance)
	debugAPI.GET("nonce", a.handleNonce)
	debugAPI.GET("transactions", a.handlePending)
	debugAPI.GET("transactions/history", a.handleHistory)
	debugAPI.POST("transactions/:id/cancel", a.handleCancel)
	debugAPI.POST("transactions/:id/prioritize", a.handlePrioritize)
	return api
}

// Run starts the http server of the DebugAPI.  To stop it, pass a context
// with cancellation.
func (a *DebugAPI) Run(ctx context.Context) error {
	debugAPIServer := &http.Server{
		Handler: a.Handler(),
		// Use some hardcoded numbers that are suitable for testing
		ReadTimeout:    30 * time.Second, //nolint:gomnd
		WriteTimeout:   30 * time.Second, //nolint:gomnd
		MaxHeaderBytes: 1 << 20,          //nolint:gomnd
	}
	listener, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return common.Wrap(err)
	}
	log.Infof("DebugAPI is ready at %v", listener.Addr())
	go func() {
		if err := debugAPIServer.Serve(listener); err != nil &&
			common.Unwrap(err) != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping DebugAPI...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := debugAPIServer.Shutdown(ctxTimeout); err != nil {
		return common.Wrap(err)
	}
	log.Info("DebugAPI done")
	return nil
}
