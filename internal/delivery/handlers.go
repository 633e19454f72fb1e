package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
	"tt2tg/pkg/tgui"
)

func sendCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if cfg.SendTimeout > 0 {
		return context.WithTimeout(ctx, cfg.SendTimeout)
	}
	return context.WithCancel(ctx)
}

// VideoHandler downloads a video and uploads it as playable media. A URL
// that resolves to a web page (a post link rather than a file) is forwarded
// as a link instead.
type VideoHandler struct {
	Sender  kit.MediaSender
	Fetcher *Fetcher
}

func (h *VideoHandler) Deliver(ctx context.Context, job Job) error {
	u := strings.TrimSpace(job.Item.MediaURL())
	dl, err := h.Fetcher.Fetch(ctx, u, job.Config, ".mp4")
	if errors.Is(err, ErrNotMedia) {
		return sendLink(ctx, h.Sender, job, u)
	}
	if err != nil {
		return err
	}
	defer dl.Remove()

	sctx, cancel := sendCtx(ctx, job.Config)
	defer cancel()
	if _, err := h.Sender.SendVideo(sctx, job.To, dl.Path, job.Item.Caption); err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	return nil
}

func sendLink(ctx context.Context, s kit.TextSender, job Job, u string) error {
	msg := tgui.Link(u, u)
	if c := strings.TrimSpace(job.Item.Caption); c != "" {
		msg = tgui.JoinH("\n", tgui.Esc(c), msg)
	}
	sctx, cancel := sendCtx(ctx, job.Config)
	defer cancel()
	if _, err := s.SendText(sctx, job.To, msg.String(), &kit.SendOptions{ParseMode: "HTML"}); err != nil {
		return fmt.Errorf("send link: %w", err)
	}
	return nil
}

// ImageSetHandler sends up to Config.MaxAlbum images as one album.
type ImageSetHandler struct {
	Sender  kit.MediaSender
	Fetcher *Fetcher
	Log     logx.Logger
}

func (h *ImageSetHandler) Deliver(ctx context.Context, job Job) error {
	limit := job.Config.MaxAlbum
	if limit <= 0 {
		limit = DefaultMaxAlbum
	}
	log := h.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("item", job.Key))

	var (
		files   []*Download
		tried   int
		dropped int
	)
	defer func() {
		for _, f := range files {
			f.Remove()
		}
	}()

	for _, u := range job.Item.Images {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if len(files) >= limit {
			dropped++
			continue
		}
		tried++
		dl, err := h.Fetcher.Fetch(ctx, u, job.Config, ".jpg")
		if err != nil {
			log.Warn("image fetch failed", logx.String("url", u), logx.Err(err))
			continue
		}
		files = append(files, dl)
	}
	if dropped > 0 {
		log.Warn("image set exceeds album size; extra images dropped",
			logx.Int("limit", limit), logx.Int("dropped", dropped))
	}
	if len(files) == 0 {
		return fmt.Errorf("none of %d images could be fetched", tried)
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	sctx, cancel := sendCtx(ctx, job.Config)
	defer cancel()
	if _, err := h.Sender.SendAlbum(sctx, job.To, paths, job.Item.Caption); err != nil {
		return fmt.Errorf("send album: %w", err)
	}
	return nil
}

// TextHandler posts "<b>author</b>\ntext". When formatted sending fails the
// plain "author: text" form is tried once.
type TextHandler struct {
	Sender kit.TextSender
}

func (h *TextHandler) Deliver(ctx context.Context, job Job) error {
	author := strings.TrimSpace(job.Item.Author)
	formatted := tgui.JoinH("\n", tgui.B(author), tgui.Esc(job.Item.Text))

	sctx, cancel := sendCtx(ctx, job.Config)
	_, err := h.Sender.SendText(sctx, job.To, formatted.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	cancel()
	if err == nil {
		return nil
	}

	sctx, cancel = sendCtx(ctx, job.Config)
	defer cancel()
	if _, ferr := h.Sender.SendText(sctx, job.To, author+": "+job.Item.Text, nil); ferr != nil {
		return fmt.Errorf("send text: %w (plain retry: %v)", err, ferr)
	}
	return nil
}
