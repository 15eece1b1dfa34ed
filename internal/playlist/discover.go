// Package playlist discovers the key request URIs an HLS asset declares
// through EXT-X-KEY tags.
package playlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxDepth     = 2
	DefaultFetchTimeout = 15 * time.Second
	DefaultConcurrency  = 4
	DefaultMaxSize      = 4 << 20

	methodNone = "NONE"
)

// ErrUnsupportedPlaylist is returned for content that is neither a master
// nor a media playlist.
var ErrUnsupportedPlaylist = errors.New("unsupported m3u8 playlist type")

// KeyURI is one EXT-X-KEY declaration found in a playlist.
type KeyURI struct {
	URI               string `json:"uri"`
	Method            string `json:"method"`
	KeyFormat         string `json:"key_format,omitempty"`
	KeyFormatVersions string `json:"key_format_versions,omitempty"`
	// Playlist is the media playlist that declared the key.
	Playlist string `json:"playlist"`
}

// Discoverer lists the key URIs an HLS asset will request.
type Discoverer struct {
	Client       *http.Client
	UserAgent    string
	Scheme       string
	AllSchemes   bool
	MaxDepth     int
	FetchTimeout time.Duration
	Concurrency  int
	MaxSize      int64
	Logger       *slog.Logger
}

// Discover fetches playlistURL, follows master playlist variants and
// renditions up to MaxDepth levels, and returns the deduplicated keys in the
// order they were first seen.
func (d *Discoverer) Discover(ctx context.Context, playlistURL string) ([]KeyURI, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid playlist url %q: scheme must be http or https", playlistURL)
	}

	keys, err := d.walk(ctx, base, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(keys))
	out := make([]KeyURI, 0, len(keys))
	for _, k := range keys {
		if seen[k.URI] {
			continue
		}
		seen[k.URI] = true
		out = append(out, k)
	}

	d.logger().InfoContext(ctx, "Playlist keys discovered",
		slog.String("playlist", base.Redacted()),
		slog.Int("keys", len(out)),
	)
	return out, nil
}

func (d *Discoverer) walk(ctx context.Context, u *url.URL, depth int) ([]KeyURI, error) {
	content, err := d.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), true)
	if err != nil {
		return nil, fmt.Errorf("failed parsing m3u8: %w", err)
	}

	switch listType {
	case m3u8.MEDIA:
		return d.mediaKeys(playlist.(*m3u8.MediaPlaylist), u), nil
	case m3u8.MASTER:
		return d.masterKeys(ctx, playlist.(*m3u8.MasterPlaylist), u, depth)
	}
	return nil, ErrUnsupportedPlaylist
}

func (d *Discoverer) masterKeys(ctx context.Context, master *m3u8.MasterPlaylist, base *url.URL, depth int) ([]KeyURI, error) {
	if depth >= d.maxDepth() {
		d.logger().WarnContext(ctx, "Playlist depth limit reached",
			slog.String("playlist", base.Redacted()),
			slog.Int("depth", depth),
		)
		return nil, nil
	}

	children := childPlaylists(master, base)
	results := make([][]KeyURI, len(children))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency())
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			keys, err := d.walk(gctx, child, depth+1)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// one broken rendition should not hide the others
				d.logger().WarnContext(gctx, "Variant playlist skipped",
					slog.String("playlist", child.Redacted()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var keys []KeyURI
	for _, r := range results {
		keys = append(keys, r...)
	}
	return keys, nil
}

// childPlaylists returns variant and rendition URLs, each once, in
// declaration order.
func childPlaylists(master *m3u8.MasterPlaylist, base *url.URL) []*url.URL {
	seen := make(map[string]bool)
	var out []*url.URL
	add := func(uri string) {
		if uri == "" {
			return
		}
		u, err := resolveURL(base, uri)
		if err != nil || seen[u.String()] {
			return
		}
		seen[u.String()] = true
		out = append(out, u)
	}

	for _, variant := range master.Variants {
		if variant == nil {
			continue
		}
		add(variant.URI)
		for _, alt := range variant.Alternatives {
			if alt != nil {
				add(alt.URI)
			}
		}
	}
	return out
}

func (d *Discoverer) mediaKeys(media *m3u8.MediaPlaylist, u *url.URL) []KeyURI {
	var keys []KeyURI
	add := func(k *m3u8.Key) {
		if k == nil || k.URI == "" || strings.EqualFold(k.Method, methodNone) {
			return
		}
		if !d.AllSchemes && !hasScheme(k.URI, d.scheme()) {
			return
		}
		keys = append(keys, KeyURI{
			URI:               k.URI,
			Method:            k.Method,
			KeyFormat:         k.Keyformat,
			KeyFormatVersions: k.Keyformatversions,
			Playlist:          u.String(),
		})
	}

	add(media.Key)
	for _, seg := range media.Segments {
		// the segment slice is a ring buffer; unused slots are nil
		if seg == nil {
			continue
		}
		add(seg.Key)
	}
	return keys
}

func (d *Discoverer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.fetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build playlist request: %w", err)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist server returned status code: %d", resp.StatusCode)
	}

	max := d.MaxSize
	if max <= 0 {
		max = DefaultMaxSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("playlist exceeds %d bytes", max)
	}
	return body, nil
}

func hasScheme(uri, scheme string) bool {
	prefix := scheme + "://"
	return len(uri) >= len(prefix) && strings.EqualFold(uri[:len(prefix)], prefix)
}

func resolveURL(base *url.URL, uri string) (*url.URL, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

func (d *Discoverer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Discoverer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Discoverer) scheme() string {
	if d.Scheme != "" {
		return d.Scheme
	}
	return "skd"
}

func (d *Discoverer) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return DefaultMaxDepth
}

func (d *Discoverer) fetchTimeout() time.Duration {
	if d.FetchTimeout > 0 {
		return d.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (d *Discoverer) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return DefaultConcurrency
}
