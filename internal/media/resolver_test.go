package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"transferbot/internal/transfer"
)

// site serves images under /media and /public/media, and club pages under
// /team. It records every request.
type site struct {
	mu     sync.Mutex
	hits   []string
	images map[string]string // path -> content type
	pages  map[string]string // path -> html
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits = append(s.hits, r.Method+" "+r.URL.Path)
	ct, isImage := s.images[r.URL.Path]
	page, isPage := s.pages[r.URL.Path]
	s.mu.Unlock()
	switch {
	case isImage:
		w.Header().Set("Content-Type", ct)
	case isPage && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	default:
		http.NotFound(w, r)
	}
}

func (s *site) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hits...)
}

func newSite(t *testing.T) (*site, *httptest.Server) {
	t.Helper()
	s := &site{images: map[string]string{}, pages: map[string]string{}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestByIDTriesCandidatesInOrder(t *testing.T) {
	s, srv := newSite(t)
	s.images["/public/media/abc.png"] = "image/png"
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL})

	got := r.ByID(context.Background(), "abc")
	if got != srv.URL+"/public/media/abc.png" {
		t.Fatalf("ByID = %q", got)
	}
	want := []string{"HEAD /media/abc.png", "HEAD /media/abc.webp", "HEAD /public/media/abc.png"}
	if hits := s.requests(); strings.Join(hits, ",") != strings.Join(want, ",") {
		t.Fatalf("requests = %v, want %v", hits, want)
	}

	// Hits are cached.
	if again := r.ByID(context.Background(), "abc"); again != got {
		t.Fatalf("cached ByID = %q", again)
	}
	if n := len(s.requests()); n != len(want) {
		t.Fatalf("cached lookup made requests: %d", n)
	}
}

func TestByIDRejectsNonImages(t *testing.T) {
	s, srv := newSite(t)
	s.images["/media/abc.png"] = "text/html"
	s.images["/media/abc.webp"] = "application/octet-stream"
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL})
	if got := r.ByID(context.Background(), "abc"); got != srv.URL+"/media/abc.webp" {
		t.Fatalf("ByID = %q", got)
	}
}

func TestByIDAcceptsURL(t *testing.T) {
	s, srv := newSite(t)
	s.images["/elsewhere/logo.jpg"] = "image/jpeg"
	r := New(Config{SiteURL: "https://unused.invalid", APIURL: "https://unused.invalid"})
	if got := r.ByID(context.Background(), srv.URL+"/elsewhere/logo.jpg"); got != srv.URL+"/elsewhere/logo.jpg" {
		t.Fatalf("ByID = %q", got)
	}
}

func TestMissesExpire(t *testing.T) {
	s, srv := newSite(t)
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL, MissTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	if got := r.ByID(context.Background(), "gone"); got != "" {
		t.Fatalf("ByID = %q", got)
	}
	first := len(s.requests())
	if r.ByID(context.Background(), "gone"); len(s.requests()) != first {
		t.Fatal("miss within TTL should not refetch")
	}

	s.mu.Lock()
	s.images["/media/gone.png"] = "image/png"
	s.mu.Unlock()
	now = now.Add(2 * time.Minute)
	if got := r.ByID(context.Background(), "gone"); got != srv.URL+"/media/gone.png" {
		t.Fatalf("ByID after TTL = %q", got)
	}
}

func TestCanceledLookupIsNotCached(t *testing.T) {
	s, srv := newSite(t)
	s.images["/media/abc.png"] = "image/png"
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := r.ByID(ctx, "abc"); got != "" {
		t.Fatalf("ByID with canceled ctx = %q", got)
	}
	if got := r.ByID(context.Background(), "abc"); got != srv.URL+"/media/abc.png" {
		t.Fatalf("ByID = %q", got)
	}
}

func TestBySlugReadsOpenGraph(t *testing.T) {
	s, srv := newSite(t)
	s.pages["/team/ajax"] = `<html><head>
<meta property="og:title" content="Ajax">
<meta property="og:image" content="/media/ajax-og.png">
</head><body><img src="/media/ajax-small.webp"></body></html>`
	s.images["/media/ajax-og.png"] = "image/png"
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL})

	if got := r.BySlug(context.Background(), "ajax"); got != srv.URL+"/media/ajax-og.png" {
		t.Fatalf("BySlug = %q", got)
	}
}

func TestBySlugFallsBackToMediaImage(t *testing.T) {
	s, srv := newSite(t)
	s.pages["/team/psv"] = `<html><body>
<a href="/team/ajax">Ajax</a>
<img class="crest" src="` + srv.URL + `/media/psv.webp">
</body></html>`
	s.images["/media/psv.webp"] = "image/webp"
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL})

	if got := r.BySlug(context.Background(), "psv"); got != srv.URL+"/media/psv.webp" {
		t.Fatalf("BySlug = %q", got)
	}
	if got := r.BySlug(context.Background(), "missing"); got != "" {
		t.Fatalf("BySlug(missing) = %q", got)
	}
}

func TestEventImagePrefersDestination(t *testing.T) {
	s, srv := newSite(t)
	s.images["/media/src.png"] = "image/png"
	s.images["/media/dst.png"] = "image/png"
	s.images["/media/avatar.png"] = "image/png"
	r := New(Config{SiteURL: srv.URL, APIURL: srv.URL})
	ctx := context.Background()

	e := transfer.Event{SourceLogo: "src", DestinationLogo: "dst", AvatarID: "avatar"}
	if got := r.EventImage(ctx, e); got != srv.URL+"/media/dst.png" {
		t.Fatalf("EventImage = %q", got)
	}
	e.DestinationLogo = ""
	if got := r.EventImage(ctx, e); got != srv.URL+"/media/src.png" {
		t.Fatalf("EventImage without destination = %q", got)
	}
	e.SourceLogo = ""
	if got := r.EventImage(ctx, e); got != srv.URL+"/media/avatar.png" {
		t.Fatalf("EventImage avatar = %q", got)
	}
	if got := r.EventImage(ctx, transfer.Event{}); got != "" {
		t.Fatalf("EventImage(empty) = %q", got)
	}
}

func TestPageImages(t *testing.T) {
	base, _ := url.Parse("https://site.test/team/ajax")
	got := pageImages([]byte(`<meta name="og:image" content="https://cdn.test/x.jpg"><img src="/media/y.png">`), base)
	if len(got) != 2 || got[0] != "https://cdn.test/x.jpg" || got[1] != "https://site.test/media/y.png" {
		t.Fatalf("pageImages = %v", got)
	}
	if got := pageImages([]byte(`<p>nothing here</p>`), base); len(got) != 0 {
		t.Fatalf("pageImages = %v", got)
	}
}
