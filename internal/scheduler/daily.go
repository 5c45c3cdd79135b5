package scheduler

import (
	"context"
	"time"

	"confluence/internal/logger"
)

// DailyScheduler 每天在指定时区的固定时刻执行一次任务，用于交易日切换类维护。
type DailyScheduler struct {
	Name     string
	Location *time.Location
	Hour     int
	Minute   int

	ctx   context.Context
	nowFn func() time.Time
}

func NewDailyScheduler(ctx context.Context, loc *time.Location, hour, minute int) *DailyScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DailyScheduler{
		Location: loc,
		Hour:     hour,
		Minute:   minute,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start 阻塞直到 ctx 结束。
func (s *DailyScheduler) Start(task func(at time.Time)) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("DailyScheduler: task is nil, exit")
		return
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		logger.Warnf("DailyScheduler: invalid time %02d:%02d, exit", s.Hour, s.Minute)
		return
	}
	prefix := "DailyScheduler"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	for {
		now := s.nowFn()
		next := s.nextRun(now)
		logger.Infof("%s: next run at %s (in %s)", prefix, next.Format(time.RFC3339), next.Sub(now).Truncate(time.Second))
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("%s: ctx done, exit", prefix)
			return
		case <-timer.C:
		}
		task(next)
	}
}

// nextRun 返回严格晚于 now 的下一次执行时刻，夏令时切换由 time.Date 归一化。
func (s *DailyScheduler) nextRun(now time.Time) time.Time {
	local := now.In(s.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, s.Location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.Hour, s.Minute, 0, 0, s.Location)
	}
	return next
}
