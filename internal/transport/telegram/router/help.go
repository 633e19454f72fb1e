package router

import (
	"sort"
	"strings"

	"tt2tg/pkg/tgui"
)

// helpText renders the command list, or the details of one command, in
// Telegram HTML.
func (m *CommandManager) helpText(args []string) string {
	m.mu.RLock()
	cmds := m.cmds
	alias := m.alias
	m.mu.RUnlock()

	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := alias[name]
		if !ok {
			return tgui.New().
				Title("❓", "Unknown command").
				HTML("Send " + tgui.Code("/help") + " for the list.").
				Build().Text
		}
		return helpOne(c)
	}

	sorted := append([]Command(nil), cmds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	b := tgui.New().Title("📚", "Commands")
	for _, c := range sorted {
		line := "• " + tgui.Code("/"+c.Name).String()
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " " + tgui.Esc("- "+d).String()
		}
		b.HTML(tgui.H(line))
	}
	b.Blank().HTML("Details: " + tgui.Code("/help <command>"))
	return b.Build().Text
}

func helpOne(c Command) string {
	b := tgui.New().Title("📚", "/"+c.Name)
	if d := strings.TrimSpace(c.Description); d != "" {
		b.HTML(tgui.I(d))
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		b.Blank().HTML(tgui.B("Usage")).HTML(tgui.Code(u))
	}
	if len(c.Aliases) > 0 {
		parts := make([]tgui.H, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			parts = append(parts, tgui.Code("/"+a))
		}
		b.Blank().HTML(tgui.B("Aliases")).HTML(tgui.JoinH(", ", parts...))
	}
	return b.Build().Text
}
