// Package media finds picture URLs for transfer events: player avatars and
// club logos hosted by the feed's site.
package media

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

const (
	DefaultSiteURL = "https://virtualprogaming.com"
	DefaultAPIURL  = "https://api.virtualprogaming.com"
	DefaultTimeout = 8 * time.Second
	DefaultMissTTL = 10 * time.Minute

	maxPageBytes = 2 << 20
)

var mediaURL = regexp.MustCompile(`(?i)^https?://[^"']*/media/[^"']+\.(?:png|webp|jpe?g)$`)

type Config struct {
	SiteURL   string        // club pages and media; "" means DefaultSiteURL
	APIURL    string        // API media; "" means DefaultAPIURL
	Timeout   time.Duration // per HTTP request; <= 0 means DefaultTimeout
	MissTTL   time.Duration // how long a failed lookup is remembered; <= 0 means DefaultMissTTL
	UserAgent string
}

// Resolver looks pictures up over HTTP and caches the answers. Found URLs
// are kept for the life of the process.
type Resolver struct {
	cfg Config
	hc  *http.Client
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	hits   map[string]string
	misses map[string]time.Time
}

type Option func(*Resolver)

func WithHTTPClient(hc *http.Client) Option {
	return func(r *Resolver) {
		if hc != nil {
			r.hc = hc
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(r *Resolver) { r.log = log } }

func New(cfg Config, opts ...Option) *Resolver {
	cfg.SiteURL = strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if cfg.SiteURL == "" {
		cfg.SiteURL = DefaultSiteURL
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MissTTL <= 0 {
		cfg.MissTTL = DefaultMissTTL
	}
	r := &Resolver{
		cfg:    cfg,
		hc:     &http.Client{},
		log:    logx.Nop(),
		now:    time.Now,
		hits:   map[string]string{},
		misses: map[string]time.Time{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// EventImage returns the picture to post with e: the destination club
// logo, then the source club logo, then the player avatar.
func (r *Resolver) EventImage(ctx context.Context, e transfer.Event) string {
	if u := r.Logo(ctx, e.DestinationLogo, e.DestinationSlug); u != "" {
		return u
	}
	if u := r.Logo(ctx, e.SourceLogo, e.SourceSlug); u != "" {
		return u
	}
	return r.ByID(ctx, e.AvatarID)
}

// Logo tries the media id first and the club page second.
func (r *Resolver) Logo(ctx context.Context, id, slug string) string {
	if u := r.ByID(ctx, id); u != "" {
		return u
	}
	return r.BySlug(ctx, slug)
}

// ByID resolves a media id (or a URL the feed sent as-is) to a reachable
// image URL.
func (r *Resolver) ByID(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return r.cached(ctx, "id:"+id, func(ctx context.Context) string {
		for _, u := range r.idCandidates(id) {
			if ok := r.probe(ctx, u); ok != "" {
				return ok
			}
		}
		return ""
	})
}

// BySlug reads the club page and returns its og:image, or else the first
// /media/ image it references.
func (r *Resolver) BySlug(ctx context.Context, slug string) string {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ""
	}
	return r.cached(ctx, "slug:"+slug, func(ctx context.Context) string {
		page := r.cfg.SiteURL + "/team/" + url.PathEscape(slug)
		body := r.get(ctx, page)
		if body == nil {
			return ""
		}
		base, _ := url.Parse(page)
		for _, u := range pageImages(body, base) {
			if ok := r.probe(ctx, u); ok != "" {
				return ok
			}
		}
		return ""
	})
}

func (r *Resolver) idCandidates(id string) []string {
	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return []string{id}
	case strings.HasPrefix(id, "/"):
		return []string{r.cfg.SiteURL + id}
	}
	esc := url.PathEscape(id)
	return []string{
		r.cfg.SiteURL + "/media/" + esc + ".png",
		r.cfg.SiteURL + "/media/" + esc + ".webp",
		r.cfg.APIURL + "/public/media/" + esc + ".png",
		r.cfg.APIURL + "/public/media/" + esc + ".webp",
	}
}

// cached runs lookup once per key. A miss is remembered for MissTTL unless
// ctx ended during the lookup.
func (r *Resolver) cached(ctx context.Context, key string, lookup func(context.Context) string) string {
	r.mu.Lock()
	if u, ok := r.hits[key]; ok {
		r.mu.Unlock()
		return u
	}
	if at, ok := r.misses[key]; ok && r.now().Sub(at) < r.cfg.MissTTL {
		r.mu.Unlock()
		return ""
	}
	r.mu.Unlock()

	u := lookup(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case u != "":
		r.hits[key] = u
		delete(r.misses, key)
		r.log.Debug("image resolved", logx.String("key", key), logx.String("url", u))
	case ctx.Err() == nil:
		r.misses[key] = r.now()
	}
	return u
}

// probe returns the final URL when target answers HEAD with an image.
func (r *Resolver) probe(ctx context.Context, target string) string {
	resp, err := r.do(ctx, http.MethodHead, target)
	if err != nil {
		return ""
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "image") && !strings.HasPrefix(ct, "application/octet-stream") {
		return ""
	}
	return resp.Request.URL.String()
}

func (r *Resolver) get(ctx context.Context, target string) []byte {
	resp, err := r.do(ctx, http.MethodGet, target)
	if err != nil {
		r.log.Debug("club page fetch failed", logx.String("url", target), logx.Err(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil
	}
	return body
}

func (r *Resolver) do(ctx context.Context, method, target string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if ua := strings.TrimSpace(r.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// pageImages lists picture candidates from a club page: og:image first,
// then the first /media/ image URL found in any attribute.
func pageImages(body []byte, base *url.URL) []string {
	var og, media string
	z := html.NewTokenizer(bytes.NewReader(body))
	for og == "" || media == "" {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		var property, content string
		for _, a := range tok.Attr {
			key := strings.ToLower(a.Key)
			switch key {
			case "property", "name":
				if strings.EqualFold(a.Val, "og:image") {
					property = a.Val
				}
			case "content":
				content = a.Val
			}
			if media == "" {
				if abs := absolute(base, a.Val); mediaURL.MatchString(abs) {
					media = abs
				}
			}
		}
		if tok.Data == "meta" && property != "" && content != "" {
			og = absolute(base, content)
		}
	}
	var out []string
	if og != "" {
		out = append(out, og)
	}
	if media != "" && media != og {
		out = append(out, media)
	}
	return out
}

func absolute(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return u.String()
}
