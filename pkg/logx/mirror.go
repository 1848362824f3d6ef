package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tipwatch/internal/transport"
	"tipwatch/pkg/tgui"
)

const (
	mirrorQueue     = 256
	mirrorMaxRunes  = 3500
	mirrorValueMax  = 600
	mirrorStackMax  = 900
	mirrorSendLimit = 10 * time.Second
)

type mirrorLine struct {
	to  transport.ChatTarget
	msg string
}

// chatMirror is a zerolog.LevelWriter that forwards selected lines to a
// chat. Writes never block: lines beyond the rate or queue are dropped.
type chatMirror struct {
	sender transport.Sender
	queue  chan mirrorLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newChatMirror(sender transport.Sender, threadID int) *chatMirror {
	return &chatMirror{
		sender:   sender,
		queue:    make(chan mirrorLine, mirrorQueue),
		threadID: threadID,
		minLevel: zerolog.WarnLevel,
	}
}

func (m *chatMirror) setTarget(chatID int64, threadID int) {
	m.mu.Lock()
	m.chatID = chatID
	if threadID != 0 {
		m.threadID = threadID
	}
	m.mu.Unlock()
}

func (m *chatMirror) hasTarget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatID != 0
}

func (m *chatMirror) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	m.mu.Lock()
	m.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	m.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		m.threadID = cfg.ThreadID
	}
	m.mu.Unlock()
	if cfg.Enabled {
		m.startOnce.Do(m.start)
	}
}

func (m *chatMirror) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case it := <-m.queue:
				if m.sender == nil {
					continue
				}
				sctx, done := context.WithTimeout(ctx, mirrorSendLimit)
				_, _ = m.sender.SendText(sctx, it.to, it.msg, &transport.SendOptions{DisablePreview: true})
				done()
			}
		}
	}()
}

func (m *chatMirror) close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

func (m *chatMirror) Write(p []byte) (int, error) {
	return m.WriteLevel(zerolog.InfoLevel, p)
}

func (m *chatMirror) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	m.mu.Lock()
	to := transport.ChatTarget{ChatID: m.chatID, ThreadID: m.threadID}
	lim, minLevel := m.limiter, m.minLevel
	m.mu.Unlock()

	if to.ChatID == 0 || m.sender == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatChatLine(p); msg != "" {
		select {
		case m.queue <- mirrorLine{to: to, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

var levelIcon = map[string]string{"warn": "⚠️", "error": "🛑", "fatal": "🛑", "panic": "🛑"}

// formatChatLine renders a zerolog JSON line for a chat:
//
//	⚠️ WARN · monitor · alice
//	status check failed
//	err=timeout
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return tgui.TruncRunes(raw, mirrorMaxRunes)
	}
	str := func(k string) string { s, _ := m[k].(string); return s }

	lvl := str("level")
	head := []string{strings.ToUpper(lvl)}
	if icon := levelIcon[lvl]; icon != "" {
		head[0] = icon + " " + head[0]
	}
	for _, k := range []string{"comp", "room"} {
		if v := str(k); v != "" {
			head = append(head, v)
		}
	}

	var b strings.Builder
	b.WriteString(strings.Join(head, " · "))
	b.WriteString("\n")
	b.WriteString(str("message"))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp", "room", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\nstack:\n" + tgui.TruncRunes(v, mirrorStackMax))
			continue
		}
		b.WriteString("\n" + k + "=" + tgui.TruncRunes(v, mirrorValueMax))
	}
	return tgui.TruncRunes(b.String(), mirrorMaxRunes)
}
