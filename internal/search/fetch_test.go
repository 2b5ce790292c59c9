package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/athen/internal/security"
)

func newTestFetcher(client *http.Client, maxSize int64) *PageFetcher {
	return &PageFetcher{
		client:   client,
		validate: func(string) error { return nil },
		maxSize:  maxSize,
	}
}

func TestFetchText_StripsMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>T</title><style>body{color:red}</style></head>
<body><script>var secret = 1;</script><h1>Go   1.25</h1>
<p>Released in <b>August</b>.</p><noscript>enable js</noscript></body></html>`)
	}))
	defer srv.Close()

	f := newTestFetcher(srv.Client(), 1<<20)
	got, err := f.FetchText(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchText() error = %v", err)
	}
	if got != "Go 1.25 Released in August." {
		t.Errorf("FetchText() = %q", got)
	}
}

func TestFetchText_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "line one\n\nline two")
	}))
	defer srv.Close()

	got, err := newTestFetcher(srv.Client(), 1<<20).FetchText(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchText() error = %v", err)
	}
	if got != "line one line two" {
		t.Errorf("FetchText() = %q", got)
	}
}

func TestFetchText_DecodesDeclaredCharset(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"header charset", "text/html; charset=iso-8859-1", "<html><body><p>caf\xe9</p></body></html>"},
		{"meta charset", "text/html", `<html><head><meta charset="iso-8859-1"></head><body><p>caf` + "\xe9" + `</p></body></html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := newTestFetcher(srv.Client(), 1<<20).FetchText(context.Background(), srv.URL)
			if err != nil {
				t.Fatalf("FetchText() error = %v", err)
			}
			if got != "café" {
				t.Errorf("FetchText() = %q, want %q", got, "café")
			}
		})
	}
}

func TestFetchText_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("a", 100))
	}))
	defer srv.Close()

	got, err := newTestFetcher(srv.Client(), 10).FetchText(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchText() error = %v", err)
	}
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestFetchText_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forbidden":
			http.Error(w, "no", http.StatusForbidden)
		case "/pdf":
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, "%PDF")
		}
	}))
	defer srv.Close()

	f := newTestFetcher(srv.Client(), 1<<20)
	for _, path := range []string{"/forbidden", "/pdf"} {
		if _, err := f.FetchText(context.Background(), srv.URL+path); err == nil {
			t.Errorf("FetchText(%s) should fail", path)
		}
	}
}

func TestFetchText_RejectedURL(t *testing.T) {
	f := &PageFetcher{
		client:   http.DefaultClient,
		validate: func(string) error { return errors.New("blocked") },
		maxSize:  1 << 20,
	}
	if _, err := f.FetchText(context.Background(), "http://169.254.169.254/"); err == nil {
		t.Error("rejected URL should fail")
	}
}

func TestNewPageFetcher_BlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<p>internal</p>")
	}))
	defer srv.Close()

	f := NewPageFetcher(security.NewSSRFGuard(), 2*time.Second, 0)
	if _, err := f.FetchText(context.Background(), srv.URL); err == nil {
		t.Error("loopback fetch should be blocked")
	}
}
