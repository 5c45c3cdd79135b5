package livehttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/decision"
	"confluence/internal/ensemble"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/store"
	"confluence/internal/store/alertlog"

	"github.com/gin-gonic/gin"
)

// DecisionService 执行决策周期并接收执行方回报。
type DecisionService interface {
	Evaluate(ctx context.Context, in decision.Input) decision.Record
	RecordTrade(ctx context.Context, symbol string, outcome market.TradeOutcome) error
	IngestBars(symbol string, bars []market.Candle) error
	ForceReset(ctx context.Context, reason, actor string) error
}

// AuditReader 查询已落库的决策记录。
type AuditReader interface {
	Recent(ctx context.Context, q store.DecisionQuery) ([]decision.Record, error)
	Find(ctx context.Context, id string) (decision.Record, bool, error)
	Count(ctx context.Context, q store.DecisionQuery) (int64, error)
}

// MonitorReader 读取灾难监控的内存状态。
type MonitorReader interface {
	State() catastrophe.State
	History(limit int) []catastrophe.Alert
	DailyAlertCount(at time.Time) int
}

// AlertReader 查询持久化的告警与复位记录。
type AlertReader interface {
	List(ctx context.Context, q alertlog.Query) ([]alertlog.Entry, error)
	Resets(ctx context.Context, limit int) ([]alertlog.ResetEntry, error)
}

// EnsembleInspector 暴露集成模型运行状态。
type EnsembleInspector interface {
	Stats() ensemble.Stats
	ModelStates() map[string]string
}

// Router 挂载 /api 下的全部接口。
type Router struct {
	decisions DecisionService
	audit     AuditReader
	monitor   MonitorReader
	alerts    AlertReader
	ensemble  EnsembleInspector
	now       func() time.Time
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		decisions: cfg.Decisions,
		audit:     cfg.Audit,
		monitor:   cfg.Monitor,
		alerts:    cfg.Alerts,
		ensemble:  cfg.Ensemble,
		now:       time.Now,
	}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/decisions/evaluate", r.handleEvaluate)
	group.GET("/decisions", r.handleListDecisions)
	group.GET("/decisions/:id", r.handleDecisionByID)
	group.POST("/trades", r.handleTrade)
	group.POST("/bars", r.handleBars)
	group.GET("/monitor", r.handleMonitorState)
	group.GET("/monitor/alerts", r.handleAlerts)
	group.POST("/monitor/reset", r.handleForceReset)
	group.GET("/monitor/resets", r.handleResets)
	group.GET("/ensemble", r.handleEnsemble)
}

// TradeRequest 是执行方回报的成交结果。
type TradeRequest struct {
	Symbol   string    `json:"symbol" binding:"required"`
	PnL      *float64  `json:"pnl" binding:"required"`
	IsWinner *bool     `json:"is_winner"`
	At       time.Time `json:"at"`
}

// BarsRequest 推送一批 K 线。
type BarsRequest struct {
	Symbol string          `json:"symbol" binding:"required"`
	Bars   []market.Candle `json:"bars" binding:"required,min=1"`
}

// ResetRequest 人工解除紧急停止，必须给出原因。
type ResetRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor"`
}

func (r *Router) handleEvaluate(c *gin.Context) {
	var in decision.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec := r.decisions.Evaluate(c.Request.Context(), in)
	logger.Debugf("[api] evaluate ip=%s id=%s approved=%v stage=%s", c.ClientIP(), rec.ID, rec.Approved, rec.Stage)
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleListDecisions(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision audit disabled"})
		return
	}
	limit := queryInt(c, "limit", 50, 500)
	q := store.DecisionQuery{
		Symbol: c.Query("symbol"),
		Stage:  c.Query("stage"),
		Limit:  limit,
		Offset: queryInt(c, "offset", 0, -1),
	}
	if raw := strings.TrimSpace(c.Query("approved")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "approved must be a boolean"})
			return
		}
		q.Approved = &v
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	recs, err := r.audit.Recent(ctx, q)
	if err != nil {
		logger.Errorf("[api] list decisions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total := int64(-1)
	if n, err := r.audit.Count(ctx, q); err == nil {
		total = n
	} else {
		logger.Warnf("[api] count decisions failed ip=%s err=%v", c.ClientIP(), err)
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs, "total_count": total, "limit": q.Limit, "offset": q.Offset})
}

func (r *Router) handleDecisionByID(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision audit disabled"})
		return
	}
	rec, ok, err := r.audit.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleTrade(c *gin.Context) {
	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome := market.TradeOutcome{PnL: *req.PnL, IsWinner: *req.PnL > 0, At: req.At}
	if req.IsWinner != nil {
		outcome.IsWinner = *req.IsWinner
	}
	if outcome.At.IsZero() {
		outcome.At = r.now()
	}
	if err := r.decisions.RecordTrade(c.Request.Context(), req.Symbol, outcome); err != nil {
		logger.Errorf("[api] record trade failed ip=%s symbol=%s err=%v", c.ClientIP(), req.Symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] trade recorded ip=%s symbol=%s pnl=%.2f winner=%v", c.ClientIP(), req.Symbol, outcome.PnL, outcome.IsWinner)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleBars(c *gin.Context) {
	var req BarsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.decisions.IngestBars(req.Symbol, req.Bars); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": len(req.Bars)})
}

func (r *Router) handleMonitorState(c *gin.Context) {
	if r.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor unavailable"})
		return
	}
	now := r.now()
	state := r.monitor.State()
	c.JSON(http.StatusOK, gin.H{
		"state":             state,
		"trading_allowed":   tradingAllowed(state),
		"emergency_stop":    state.EmergencyStop,
		"daily_alert_count": r.monitor.DailyAlertCount(now),
		"at":                now,
	})
}

// tradingAllowed 以最近一次评估为准：DANGER 及以上或紧急停止时不允许交易。
func tradingAllowed(state catastrophe.State) bool {
	if state.EmergencyStop {
		return false
	}
	return state.LastAlert == nil || state.LastAlert.Level.AllowsTrading()
}

// handleAlerts 默认读内存历史；source=db 时查询持久化告警。
func (r *Router) handleAlerts(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1000)
	minLevel := catastrophe.LevelNormal
	if raw := strings.TrimSpace(c.Query("min_level")); raw != "" {
		lvl, err := catastrophe.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		minLevel = lvl
	}
	if strings.EqualFold(c.Query("source"), "db") {
		if r.alerts == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert log disabled"})
			return
		}
		entries, err := r.alerts.List(c.Request.Context(), alertlog.Query{
			MinLevel: minLevel,
			Trigger:  c.Query("trigger"),
			Limit:    limit,
			Offset:   queryInt(c, "offset", 0, -1),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": entries, "source": "db"})
		return
	}
	if r.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor unavailable"})
		return
	}
	history := r.monitor.History(0)
	out := make([]catastrophe.Alert, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		if history[i].Level >= minLevel {
			out = append(out, history[i])
		}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out, "source": "memory"})
}

func (r *Router) handleForceReset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := r.decisions.ForceReset(c.Request.Context(), req.Reason, req.Actor); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Warnf("[api] force reset ip=%s actor=%s reason=%s", c.ClientIP(), req.Actor, req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleResets(c *gin.Context) {
	if r.alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert log disabled"})
		return
	}
	resets, err := r.alerts.Resets(c.Request.Context(), queryInt(c, "limit", 50, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resets": resets})
}

func (r *Router) handleEnsemble(c *gin.Context) {
	if r.ensemble == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"stats":   r.ensemble.Stats(),
		"models":  r.ensemble.ModelStates(),
	})
}

// queryInt 解析非负整数参数，max<0 表示不设上限。
func queryInt(c *gin.Context, key string, def, max int) int {
	v, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil || v <= 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
