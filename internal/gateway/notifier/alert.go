package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"confluence/internal/catastrophe"
	"confluence/internal/logger"
)

const (
	defaultRepeatCooldown = 5 * time.Minute
	sendTimeout           = 20 * time.Second
)

// AlertNotifier 把达到最低级别的告警推送到文本渠道。
// 同一触发器在冷却期内只推送一次，级别升高时立即推送。
type AlertNotifier struct {
	out      TextNotifier
	minLevel catastrophe.Level
	cooldown time.Duration
	source   string
	async    bool
	log      *slog.Logger

	mu   sync.Mutex
	last map[string]sent
	wg   sync.WaitGroup
}

type sent struct {
	level catastrophe.Level
	at    time.Time
}

type AlertOption func(*AlertNotifier)

func WithCooldown(d time.Duration) AlertOption {
	return func(n *AlertNotifier) {
		if d >= 0 {
			n.cooldown = d
		}
	}
}

func WithSource(name string) AlertOption {
	return func(n *AlertNotifier) { n.source = name }
}

// WithSynchronousSend 在调用方 goroutine 内发送，测试用。
func WithSynchronousSend() AlertOption {
	return func(n *AlertNotifier) { n.async = false }
}

func NewAlertNotifier(out TextNotifier, minLevel catastrophe.Level, opts ...AlertOption) *AlertNotifier {
	n := &AlertNotifier{
		out:      out,
		minLevel: minLevel,
		cooldown: defaultRepeatCooldown,
		async:    true,
		log:      logger.Component("notifier"),
		last:     make(map[string]sent),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Sink 返回可注册到监控的回调。
func (n *AlertNotifier) Sink() catastrophe.AlertSink { return n.Notify }

// Notify 决定是否推送并发出消息；发送失败只记日志。
func (n *AlertNotifier) Notify(a catastrophe.Alert) {
	if n == nil || n.out == nil || a.Level < n.minLevel {
		return
	}
	if !n.admit(a) {
		return
	}
	text := AlertMessage(a, n.source).RenderMarkdown()
	if !n.async {
		n.send(text, a.Trigger)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(text, a.Trigger)
	}()
}

// NotifyReset 推送人工复位消息，不受冷却限制，并清空冷却状态。
func (n *AlertNotifier) NotifyReset(reason string, at time.Time) {
	if n == nil || n.out == nil {
		return
	}
	n.mu.Lock()
	n.last = make(map[string]sent)
	n.mu.Unlock()
	n.send(ResetMessage(reason, at).RenderMarkdown(), "reset")
}

// Wait 等待异步发送结束。
func (n *AlertNotifier) Wait() { n.wg.Wait() }

func (n *AlertNotifier) admit(a catastrophe.Alert) bool {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	prev, ok := n.last[a.Trigger]
	if ok && a.Level <= prev.level && at.Sub(prev.at) < n.cooldown {
		return false
	}
	n.last[a.Trigger] = sent{level: a.Level, at: at}
	return true
}

func (n *AlertNotifier) send(text, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.out.SendText(ctx, text); err != nil {
		n.log.Warn("alert notification failed", "trigger", trigger, "error", err)
	}
}
