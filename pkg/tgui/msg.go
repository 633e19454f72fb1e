package tgui

import (
	"context"
	"strings"

	kit "tt2tg/internal/transport"
)

// Message is rendered text plus its send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Send delivers m to the chat. Long texts are split by the sender.
func (m Message) Send(ctx context.Context, s kit.TextSender, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	return s.SendText(ctx, to, m.Text, m.Opt)
}

// Builder assembles an HTML reply line by line. Text is escaped; previews
// are disabled.
type Builder struct {
	lines []string
}

func New() *Builder { return &Builder{} }

// Title adds a bold heading, optionally prefixed with an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
	} else {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

// Line adds an escaped line; a blank string adds an empty line.
func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// HTML adds a line that is already safe markup.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a "• key: value" row with the key in bold.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

func (b *Builder) Build() Message {
	return Message{
		Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"),
		Opt:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
}
