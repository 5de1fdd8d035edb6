// Package api exposes the migration control surface over HTTP for
// operators and automation.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pgshift/pgshift/internal/config"
	"github.com/pgshift/pgshift/internal/migration/datasync"
	"github.com/pgshift/pgshift/internal/migration/ledger"
	"github.com/pgshift/pgshift/internal/migration/orchestrator"
)

type Api struct {
	orch   *orchestrator.Orchestrator
	engine *datasync.Engine
	ledger *ledger.Ledger
	cfg    *config.Config
}

// New registers the migration routes on the router. The ledger is
// optional; its routes respond 503 when it is not connected.
func New(router *gin.Engine, orch *orchestrator.Orchestrator, engine *datasync.Engine, lgr *ledger.Ledger, cfg *config.Config) *Api {
	api := &Api{orch: orch, engine: engine, ledger: lgr, cfg: cfg}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *gin.Engine) {
	v1 := router.Group("/v1/migration")
	v1.GET("/status", api.getStatus)
	v1.GET("/lag", api.getLag)
	v1.POST("/green/setup", api.postSetupGreen)
	v1.POST("/replication/start", api.postStartReplication)
	v1.POST("/replication/stop", api.postStopReplication)
	v1.POST("/cutover", api.postCutover)
	v1.POST("/rollback", api.postRollback)
	v1.GET("/sync/stats", api.getSyncStats)
	v1.POST("/sync/start", api.postStartSync)
	v1.POST("/sync/stop", api.postStopSync)
	v1.GET("/consistency", api.getConsistency)
	v1.GET("/ledger/version", api.getLedgerVersion)
	v1.GET("/ledger/history", api.getLedgerHistory)
}

var (
	errNoTables          = errors.New("no tables configured or supplied")
	errLedgerUnavailable = errors.New("schema version ledger is not connected")
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, errorResponse{Error: errorDetail{Code: code, Message: err.Error()}})
}

func (api *Api) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, api.orch.Status())
}

func (api *Api) getLag(c *gin.Context) {
	c.JSON(http.StatusOK, api.orch.MeasureLag(c.Request.Context()))
}

type setupGreenRequest struct {
	SchemaSQL string `json:"schema_sql"`
}

func (api *Api) postSetupGreen(c *gin.Context) {
	var req setupGreenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
	}
	if err := api.orch.SetupGreen(c.Request.Context(), req.SchemaSQL); err != nil {
		sendError(c, http.StatusInternalServerError, "PROVISIONING_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, api.orch.Status())
}

func (api *Api) postStartReplication(c *gin.Context) {
	if err := api.orch.StartReplication(c.Request.Context()); err != nil {
		sendError(c, http.StatusInternalServerError, "REPLICATION_SETUP_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, api.orch.Status())
}

func (api *Api) postStopReplication(c *gin.Context) {
	if err := api.orch.StopReplication(c.Request.Context()); err != nil {
		sendError(c, http.StatusInternalServerError, "REPLICATION_STOP_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, api.orch.Status())
}

type cutoverRequest struct {
	MaxLagSeconds float64 `json:"max_lag_seconds"`
	Timeout       string  `json:"timeout"`
	PollInterval  string  `json:"poll_interval"`
	SettleWindow  string  `json:"settle_window"`
	StrictTraffic *bool   `json:"strict_traffic"`
}

func (api *Api) postCutover(c *gin.Context) {
	var req cutoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
	}
	opts := orchestrator.CutoverOptions{
		MaxLagSeconds:      api.cfg.Cutover.MaxLagSeconds,
		Timeout:            config.ParseDuration(api.cfg.Cutover.Timeout, 5*time.Minute),
		PollInterval:       config.ParseDuration(api.cfg.Cutover.PollInterval, time.Second),
		SettleWindow:       config.ParseDuration(api.cfg.Cutover.SettleWindow, 5*time.Second),
		StrictTrafficCheck: api.cfg.Cutover.StrictTraffic,
	}
	if req.MaxLagSeconds > 0 {
		opts.MaxLagSeconds = req.MaxLagSeconds
	}
	if req.Timeout != "" {
		opts.Timeout = config.ParseDuration(req.Timeout, opts.Timeout)
	}
	if req.PollInterval != "" {
		opts.PollInterval = config.ParseDuration(req.PollInterval, opts.PollInterval)
	}
	if req.SettleWindow != "" {
		opts.SettleWindow = config.ParseDuration(req.SettleWindow, opts.SettleWindow)
	}
	if req.StrictTraffic != nil {
		opts.StrictTrafficCheck = *req.StrictTraffic
	}

	if err := api.orch.Cutover(c.Request.Context(), opts); err != nil {
		sendError(c, http.StatusConflict, "CUTOVER_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, api.orch.Status())
}

func (api *Api) postRollback(c *gin.Context) {
	if err := api.orch.Rollback(c.Request.Context()); err != nil {
		sendError(c, http.StatusInternalServerError, "ROLLBACK_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, api.orch.Status())
}

func (api *Api) getSyncStats(c *gin.Context) {
	c.JSON(http.StatusOK, api.engine.Stats())
}

type startSyncRequest struct {
	Tables   []string `json:"tables"`
	Interval string   `json:"interval"`
}

func (api *Api) postStartSync(c *gin.Context) {
	var req startSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
	}
	tables := req.Tables
	if len(tables) == 0 {
		tables = api.cfg.Sync.Tables
	}
	interval := config.ParseDuration(api.cfg.Sync.Interval, time.Second)
	if req.Interval != "" {
		interval = config.ParseDuration(req.Interval, interval)
	}
	// Sync tasks outlive the request; they stop via /sync/stop.
	if err := api.engine.StartSync(context.Background(), tables, interval); err != nil {
		sendError(c, http.StatusConflict, "SYNC_START_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, api.engine.Stats())
}

func (api *Api) postStopSync(c *gin.Context) {
	api.engine.StopSync()
	c.JSON(http.StatusOK, api.engine.Stats())
}

func (api *Api) getConsistency(c *gin.Context) {
	tables := api.cfg.Sync.Tables
	if q := c.Query("tables"); q != "" {
		tables = splitQueryList(q)
	}
	sampleSize := api.cfg.Sync.SampleSize
	if q := c.Query("sample_size"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			sampleSize = n
		}
	}
	if len(tables) == 0 {
		sendError(c, http.StatusBadRequest, "BAD_REQUEST", errNoTables)
		return
	}
	results := api.engine.VerifyConsistency(c.Request.Context(), tables, sampleSize)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func splitQueryList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (api *Api) getLedgerVersion(c *gin.Context) {
	if api.ledger == nil {
		sendError(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", errLedgerUnavailable)
		return
	}
	version, err := api.ledger.CurrentVersion(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "LEDGER_QUERY_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

func (api *Api) getLedgerHistory(c *gin.Context) {
	if api.ledger == nil {
		sendError(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", errLedgerUnavailable)
		return
	}
	history, err := api.ledger.History(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "LEDGER_QUERY_FAILED", err)
		return
	}
	valid, issues := ledger.ValidateHistory(history)
	if !valid {
		log.Warn().Strs("issues", issues).Msg("migration history has gaps")
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "valid": valid, "issues": issues})
}
