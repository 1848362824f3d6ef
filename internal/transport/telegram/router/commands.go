package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "tipwatch/internal/runtime/supervisor"
	kit "tipwatch/internal/transport"
	logx "tipwatch/pkg/logx"
	"tipwatch/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command is one chat command, e.g. "watch".
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // default 30s
	Handle      HandlerFunc
}

// Request is the context a handler runs with.
type Request struct {
	Cmd    kit.Command
	Chat   kit.ChatTarget
	Args   []string
	ReqID  string
	Logger logx.Logger

	sender kit.Sender
}

// Reply sends HTML to the chat the command came from.
func (r *Request) Reply(ctx context.Context, h tgui.H) error {
	_, err := r.sender.SendText(ctx, r.Chat, h.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

const defaultTimeout = 30 * time.Second

// CommandManager routes incoming commands to handlers on a bounded worker pool.
type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases
	order  []*Command
	owners []int64

	log    logx.Logger
	sender kit.Sender

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func NewCommandManager(log logx.Logger, sender kit.Sender, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cmds:   map[string]*Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		sender: sender,
	}
}

// Supervisor returns the worker supervisor (nil when not dispatching).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// SetOwners replaces the users allowed to run owner-only commands.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands replaces the command set. A help command is always added.
func (m *CommandManager) SetCommands(cmds []Command) {
	help := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText())
		},
	}
	cmds = append(append([]Command(nil), cmds...), help)

	table := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		order = append(order, c)
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := table[a]; !taken {
					table[a] = c
				}
			}
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Name < order[j].Name })

	m.mu.Lock()
	m.cmds, m.order = table, order
	m.mu.Unlock()
}

// Menu is the command list for the chat client's autocomplete.
func (m *CommandManager) Menu() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.order))
	for _, c := range m.order {
		if menuName(c.Name) {
			out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	return out
}

// menuName reports whether s is a valid menu command ([a-z0-9_]{1,32}).
func menuName(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// DispatchLoop consumes commands until ctx ends or in is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, in <-chan kit.Command) error {
	workers := max(2, runtime.NumCPU())
	jobs := make(chan func(), 256)

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-in:
			if !ok {
				return nil
			}
			m.route(ctx, cmd, jobs)
		}
	}
}

func (m *CommandManager) route(ctx context.Context, in kit.Command, jobs chan<- func()) {
	chat := kit.ChatTarget{ChatID: in.ChatID, ThreadID: in.ThreadID}

	m.mu.RLock()
	c, ok := m.cmds[in.Name]
	m.mu.RUnlock()
	if !ok {
		m.reply(ctx, chat, "unknown command, try /help")
		return
	}
	if c.Access == AccessOwnerOnly && !m.isOwner(in.FromID) {
		m.reply(ctx, chat, "unauthorized")
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Cmd:   in,
		Chat:  chat,
		Args:  in.Args,
		ReqID: rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", in.ChatID),
			logx.Int64("from_id", in.FromID),
			logx.String("cmd", c.Name),
		),
		sender: m.sender,
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(c.Handle, MWReplyError(), MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(timeout))

	select {
	case jobs <- func() { _ = final(ctx, req) }:
	default:
		m.reply(ctx, chat, "busy, try again")
	}
}

func (m *CommandManager) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if m.sender == nil {
		return
	}
	if _, err := m.sender.SendText(ctx, to, text, nil); err != nil {
		m.log.Debug("reply failed", logx.Err(err))
	}
}
