package search

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/hitoshi/athen/internal/security"
)

const defaultMaxPageSize = 2 << 20

// PageFetcher は検索結果のページを取得し、本文のテキストを取り出す。
// 接続先はSSRFガードで検証する。
type PageFetcher struct {
	client   *http.Client
	validate func(rawURL string) error
	maxSize  int64
}

// NewPageFetcher はPageFetcherを生成する。
func NewPageFetcher(guard security.LinkGuard, timeout time.Duration, maxSize int64) *PageFetcher {
	if maxSize <= 0 {
		maxSize = defaultMaxPageSize
	}
	return &PageFetcher{
		client:   guard.NewSafeClient(timeout),
		validate: guard.ValidateURL,
		maxSize:  maxSize,
	}
}

// FetchText はページを取得し、script/style等を除いた本文テキストを返す。
func (f *PageFetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	if err := f.validate(rawURL); err != nil {
		return "", fmt.Errorf("url rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Athen/1.0 (+assistant page reader)")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "" && mediaType != "text/plain" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return "", fmt.Errorf("unsupported content type: %s", mediaType)
	}

	// Content-Typeのcharset・BOM・metaタグから文字コードを判定してUTF-8に変換する
	body, err := charset.NewReader(io.LimitReader(resp.Body, f.maxSize), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to detect page encoding: %w", err)
	}

	if mediaType == "text/plain" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("failed to read page: %w", err)
		}
		return collapseSpaces(string(raw)), nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	return extractText(doc), nil
}

// extractText はDOMから可視テキストを取り出す。
func extractText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return collapseSpaces(root.Text())
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
