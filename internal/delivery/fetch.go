package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// ErrNotMedia is returned when a URL answers with a web page instead of a
// media file.
var ErrNotMedia = errors.New("url serves a web page, not media")

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Download is a fetched file on local disk. The caller removes it.
type Download struct {
	Path        string
	ContentType string
	Size        int64
}

func (d *Download) Remove() {
	if d != nil && d.Path != "" {
		_ = os.Remove(d.Path)
	}
}

// Fetcher downloads media into temporary files.
type Fetcher struct {
	Client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{Client: &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}}
}

// Fetch downloads rawURL into a new file under cfg.TempDir, bounded by
// cfg.FetchTimeout and cfg.MaxMediaBytes. defExt names the file when the
// response carries no usable type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cfg Config, defExt string) (*Download, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}
	if cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("fetch: HTTP %d", res.StatusCode)
	}
	ctype := res.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ctype)
	if mt == "text/html" || mt == "application/xhtml+xml" {
		return nil, ErrNotMedia
	}
	limit := cfg.MaxMediaBytes
	if limit > 0 && res.ContentLength > limit {
		return nil, fmt.Errorf("media is %d bytes, limit %d", res.ContentLength, limit)
	}

	tmp, err := os.CreateTemp(cfg.TempDir, "tt2tg-*"+extFor(u, mt, defExt))
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	d := &Download{Path: tmp.Name(), ContentType: mt}

	var body io.Reader = res.Body
	if limit > 0 {
		body = io.LimitReader(res.Body, limit+1)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		d.Remove()
		return nil, fmt.Errorf("fetch body: %w", err)
	}
	if limit > 0 && n > limit {
		d.Remove()
		return nil, fmt.Errorf("media exceeds %d bytes", limit)
	}
	if n == 0 {
		d.Remove()
		return nil, errors.New("fetch: empty body")
	}
	d.Size = n
	return d, nil
}

func extFor(u *url.URL, mediaType, def string) string {
	if ext := path.Ext(u.Path); len(ext) > 1 && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	switch mediaType {
	case "video/mp4":
		return ".mp4"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return def
}
