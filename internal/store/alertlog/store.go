package alertlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/logger"

	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	sinkWriteTimeout = 3 * time.Second
)

// AlertLogStore 把灾难监控的告警与人工复位事件写入 SQLite，重启后仍可追溯。
type AlertLogStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
	log    *slog.Logger
}

// Entry 是一条持久化的告警。
type Entry struct {
	ID int64 `json:"id"`
	catastrophe.Alert
}

// ResetEntry 是一条人工复位记录。
type ResetEntry struct {
	ID     int64     `json:"id"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// Query 用于筛选告警。
type Query struct {
	MinLevel catastrophe.Level
	Trigger  string
	Since    time.Time
	Limit    int
	Offset   int
}

func NewAlertLogStore(path string) (*AlertLogStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("alert log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureAlertLogSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AlertLogStore{db: db, path: path, ownsDB: true, log: logger.Component("alertlog")}, nil
}

// NewAlertLogStoreFromDB 复用外部连接，Close 时不关闭它。
func NewAlertLogStoreFromDB(db *sql.DB) (*AlertLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("external db 不能为空")
	}
	if err := ensureAlertLogSchema(db); err != nil {
		return nil, err
	}
	return &AlertLogStore{db: db, log: logger.Component("alertlog")}, nil
}

func (s *AlertLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *AlertLogStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("alert log store 未初始化")
	}
	return s.db, nil
}

// Sink 返回可注册到 catastrophe.Monitor 的回调；写库失败只记日志。
func (s *AlertLogStore) Sink() catastrophe.AlertSink {
	return func(a catastrophe.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		defer cancel()
		if _, err := s.Insert(ctx, a); err != nil {
			s.log.Error("persist alert failed", "trigger", a.Trigger, "error", err)
		}
	}
}

// Insert 写入一条告警。
func (s *AlertLogStore) Insert(ctx context.Context, a catastrophe.Alert) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO catastrophe_alerts
			(ts, level, level_name, trigger_name, current_value, threshold_value, action, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), int(a.Level), a.Level.String(), a.Trigger,
		a.Current, a.Threshold, a.Action, a.Message, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List 按时间倒序返回告警。
func (s *AlertLogStore) List(ctx context.Context, q Query) ([]Entry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	where, args := q.where()
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	rows, err := db.QueryContext(ctx, `
		SELECT id, ts, level, trigger_name, current_value, threshold_value, action, message
		FROM catastrophe_alerts`+where+`
		ORDER BY ts DESC, id DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			ts    int64
			level int
		)
		if err := rows.Scan(&e.ID, &ts, &level, &e.Trigger, &e.Current, &e.Threshold, &e.Action, &e.Message); err != nil {
			return nil, err
		}
		e.Level = catastrophe.Level(level)
		e.At = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count 返回满足条件的告警数。
func (s *AlertLogStore) Count(ctx context.Context, q Query) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	where, args := q.where()
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(1) FROM catastrophe_alerts`+where, args...).Scan(&n)
	return n, err
}

// DailyCount 统计 at 所在自然日（at 的时区）内级别不低于 WARNING 的告警。
func (s *AlertLogStore) DailyCount(ctx context.Context, at time.Time) (int, error) {
	midnight := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	return s.Count(ctx, Query{MinLevel: catastrophe.LevelWarning, Since: midnight})
}

// RecordReset 记录一次人工复位。
func (s *AlertLogStore) RecordReset(ctx context.Context, reason, actor string, at time.Time) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO monitor_resets (ts, reason, actor, created_at) VALUES (?, ?, ?, ?)`,
		at.UnixMilli(), strings.TrimSpace(reason), strings.TrimSpace(actor), time.Now().UnixMilli())
	return err
}

// Resets 按时间倒序返回复位记录。
func (s *AlertLogStore) Resets(ctx context.Context, limit int) ([]ResetEntry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, ts, reason, actor FROM monitor_resets ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResetEntry
	for rows.Next() {
		var (
			e     ResetEntry
			ts    int64
			actor sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Reason, &actor); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ts)
		e.Actor = actor.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune 删除早于 before 的告警，返回删除行数。
func (s *AlertLogStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM catastrophe_alerts WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q Query) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.MinLevel > catastrophe.LevelNormal {
		conds = append(conds, "level >= ?")
		args = append(args, int(q.MinLevel))
	}
	if trig := strings.TrimSpace(q.Trigger); trig != "" {
		conds = append(conds, "trigger_name = ?")
		args = append(args, trig)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
