package router

import (
	"strings"

	"tipwatch/pkg/tgui"
)

func (m *CommandManager) helpText() tgui.H {
	m.mu.RLock()
	order := m.order
	m.mu.RUnlock()

	lines := []tgui.H{tgui.B("Commands"), ""}
	var owner []tgui.H
	for _, c := range order {
		line := tgui.Code(usage(c))
		if c.Description != "" {
			line += " - " + tgui.Esc(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			owner = append(owner, "• 🔒 "+line)
			continue
		}
		lines = append(lines, "• "+line)
	}
	lines = append(lines, owner...)
	return tgui.H(strings.Join(hs(lines), "\n"))
}

func usage(c *Command) string {
	if u := strings.TrimSpace(c.Usage); u != "" {
		return u
	}
	return "/" + c.Name
}

func hs(in []tgui.H) []string {
	out := make([]string, len(in))
	for i, h := range in {
		out[i] = h.String()
	}
	return out
}
