// Package fetch wraps the comic content source behind a thin synchronous
// contract. It retrieves an album's metadata and images into a local
// directory; retry policy and state tracking live in the orchestrator.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nekobot-dev/mangaclaw/pkg/config"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
)

// Chapter is one downloaded chapter directory.
type Chapter struct {
	Title string
	Dir   string // directory holding the chapter's images
}

// Result describes a completed fetch.
type Result struct {
	AlbumID  string
	Title    string
	Chapters []Chapter
}

// Fetcher retrieves one album's raw content into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, id, destDir string) (*Result, error)
}

type albumMeta struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Chapters []chapterMeta `json:"chapters"`
}

type chapterMeta struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Images []string `json:"images"`
}

// Client talks to the content source's HTTP API.
type Client struct {
	http      *resty.Client
	imageBase string
}

func NewClient(cfg config.SourceConfig) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIBase, "/")).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if cfg.UserAgent != "" {
		c.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Proxy != "" {
		c.SetProxy(cfg.Proxy)
	}
	return &Client{
		http:      c,
		imageBase: strings.TrimRight(cfg.ImageBase, "/"),
	}
}

// Fetch downloads album id into destDir, one subdirectory per chapter.
func (c *Client) Fetch(ctx context.Context, id, destDir string) (*Result, error) {
	meta, err := c.album(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(meta.Chapters) == 0 {
		return nil, permanent(fmt.Sprintf("album %s has no chapters", id), nil)
	}

	res := &Result{AlbumID: id, Title: meta.Title}
	for _, ch := range meta.Chapters {
		title := ch.Title
		if title == "" {
			title = ch.ID
		}
		dir := filepath.Join(destDir, sanitize(id+"-"+title))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, transient("create chapter dir", err)
		}
		if err := c.fetchImages(ctx, ch, dir); err != nil {
			return nil, err
		}
		res.Chapters = append(res.Chapters, Chapter{Title: title, Dir: dir})
	}

	logger.InfoCF("fetch", "album downloaded", map[string]any{
		"album":    id,
		"chapters": len(res.Chapters),
	})
	return res, nil
}

func (c *Client) album(ctx context.Context, id string) (*albumMeta, error) {
	var meta albumMeta
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&meta).
		Get("/album/" + id)
	if err != nil {
		return nil, transient("fetch album metadata", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, permanent(fmt.Sprintf("album %s not found", id), nil)
	case resp.IsError():
		return nil, transient(fmt.Sprintf("album metadata: source returned %s", resp.Status()), nil)
	}
	if meta.ID == "" && len(meta.Chapters) == 0 {
		return nil, permanent(fmt.Sprintf("album %s: empty source response", id), nil)
	}
	return &meta, nil
}

func (c *Client) fetchImages(ctx context.Context, ch chapterMeta, dir string) error {
	// Zero-pad so lexical order is page order after download.
	sorted := append([]string(nil), ch.Images...)
	sort.Strings(sorted)

	for i, img := range sorted {
		url := img
		if !strings.HasPrefix(img, "http://") && !strings.HasPrefix(img, "https://") {
			url = c.imageBase + "/" + strings.TrimLeft(img, "/")
		}
		name := fmt.Sprintf("%05d%s", i, extension(img))
		out := filepath.Join(dir, name)

		resp, err := c.http.R().
			SetContext(ctx).
			SetOutput(out).
			Get(url)
		if err != nil {
			return transient("fetch image", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return permanent(fmt.Sprintf("image %s not found", img), nil)
		}
		if resp.IsError() {
			return transient(fmt.Sprintf("image %s: source returned %s", img, resp.Status()), nil)
		}
	}
	return nil
}

func extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	default:
		return ".jpg"
	}
}

// sanitize strips path separators and other characters that break directory
// names on either Linux or Windows.
func sanitize(name string) string {
	repl := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	s := strings.TrimSpace(repl.Replace(name))
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
