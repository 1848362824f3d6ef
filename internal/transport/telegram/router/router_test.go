package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "tipwatch/internal/transport"
	logx "tipwatch/pkg/logx"
	"tipwatch/pkg/tgui"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type recSender struct {
	mu  sync.Mutex
	out []sent
}

func (s *recSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (s *recSender) waitFor(t *testing.T, n int) []sent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.out) >= n {
			out := append([]sent(nil), s.out...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies", n)
	return nil
}

func startManager(t *testing.T, cmds []Command, owners ...int64) (chan kit.Command, *recSender) {
	t.Helper()
	snd := &recSender{}
	m := NewCommandManager(logx.Nop(), snd, owners)
	m.SetCommands(cmds)
	in := make(chan kit.Command, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, in)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return in, snd
}

func TestDispatchRoutesArgsAndAliases(t *testing.T) {
	t.Parallel()

	cmds := []Command{{
		Name:    "watch",
		Aliases: []string{"w"},
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, tgui.B("ok "+strings.Join(req.Args, ",")))
		},
	}}
	in, snd := startManager(t, cmds)

	in <- kit.Command{Name: "watch", Args: []string{"alice", "50"}, ChatID: 7}
	in <- kit.Command{Name: "w", Args: []string{"bob"}, ChatID: 7, ThreadID: 3}
	out := snd.waitFor(t, 2)

	texts := out[0].text + "|" + out[1].text
	if !strings.Contains(texts, "<b>ok alice,50</b>") || !strings.Contains(texts, "<b>ok bob</b>") {
		t.Fatalf("replies = %q", texts)
	}
	for _, o := range out {
		if o.to.ChatID != 7 {
			t.Fatalf("reply routed to %+v", o.to)
		}
	}
}

func TestUnknownAndOwnerOnly(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 1)
	cmds := []Command{{
		Name:   "unwatch",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error { ran <- struct{}{}; return nil },
	}}
	in, snd := startManager(t, cmds, 42)

	in <- kit.Command{Name: "nope", ChatID: 1}
	in <- kit.Command{Name: "unwatch", ChatID: 1, FromID: 5}
	out := snd.waitFor(t, 2)
	if out[0].text != "unknown command, try /help" || out[1].text != "unauthorized" {
		t.Fatalf("replies = %+v", out)
	}

	in <- kit.Command{Name: "unwatch", ChatID: 1, FromID: 42}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("owner command did not run")
	}
}

func TestHandlerErrorsAndPanicsAreReported(t *testing.T) {
	t.Parallel()

	cmds := []Command{
		{Name: "fail", Handle: func(ctx context.Context, req *Request) error { return errors.New("room <x> unknown") }},
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaput") }},
	}
	in, snd := startManager(t, cmds)

	in <- kit.Command{Name: "fail", ChatID: 1}
	out := snd.waitFor(t, 1)
	if out[0].text != "⚠️ room &lt;x&gt; unknown" {
		t.Fatalf("error reply = %q", out[0].text)
	}
	in <- kit.Command{Name: "boom", ChatID: 1}
	out = snd.waitFor(t, 2)
	if !strings.Contains(out[1].text, "panic: kaput") {
		t.Fatalf("panic reply = %q", out[1].text)
	}
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()

	m := NewCommandManager(logx.Nop(), &recSender{}, nil)
	noop := func(context.Context, *Request) error { return nil }
	m.SetCommands([]Command{
		{Name: "rooms", Description: "list rooms", Handle: noop},
		{Name: "unwatch", Usage: "/unwatch <room>", Access: AccessOwnerOnly, Handle: noop},
		{Name: "Bad-Name", Handle: noop},
		{Name: "", Handle: noop},
	})

	help := m.helpText().String()
	for _, want := range []string{"<code>/rooms</code> - list rooms", "🔒 <code>/unwatch &lt;room&gt;</code>", "<code>/help</code>"} {
		if !strings.Contains(help, want) {
			t.Fatalf("help missing %q:\n%s", want, help)
		}
	}

	var names []string
	for _, c := range m.Menu() {
		names = append(names, c.Command)
	}
	if strings.Join(names, ",") != "help,rooms,unwatch" {
		t.Fatalf("menu = %v", names)
	}
}
