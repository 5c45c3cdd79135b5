package notifier

import (
	"fmt"
	"strings"
	"time"

	"confluence/internal/catastrophe"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的推送。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// AlertMessage 把告警渲染为结构化消息。
func AlertMessage(a catastrophe.Alert, source string) StructuredMessage {
	lines := []string{
		"触发：" + a.Trigger,
		fmt.Sprintf("当前值：%.4g / 阈值：%.4g", a.Current, a.Threshold),
		"动作：" + a.Action,
	}
	if msg := strings.TrimSpace(a.Message); msg != "" {
		lines = append(lines, msg)
	}
	footer := ""
	if source != "" {
		footer = "来源：" + source
	}
	return StructuredMessage{
		Icon:      levelIcon(a.Level),
		Title:     "Catastrophe " + a.Level.String(),
		Sections:  []MessageSection{{Title: "Alert", Lines: lines}},
		Footer:    footer,
		Timestamp: a.At,
	}
}

// ResetMessage 描述一次人工复位。
func ResetMessage(reason string, at time.Time) StructuredMessage {
	return StructuredMessage{
		Icon:      "✅",
		Title:     "Emergency stop cleared",
		Sections:  []MessageSection{{Title: "Reset", Lines: []string{"原因：" + reason}}},
		Timestamp: at,
	}
}

func levelIcon(l catastrophe.Level) string {
	switch l {
	case catastrophe.LevelEmergency:
		return "🛑"
	case catastrophe.LevelDanger:
		return "🚨"
	case catastrophe.LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// RenderMarkdown 生成 Markdown 文本，超长时截断。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func renderSections(secs []MessageSection) string {
	var b strings.Builder
	written := 0
	for _, sec := range secs {
		lines := sanitizeLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if written > 0 {
			b.WriteString("\n")
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + sanitize(line) + "\n")
		}
		written++
	}
	if written == 0 {
		return ""
	}
	return "```\n" + b.String() + "```\n\n"
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
