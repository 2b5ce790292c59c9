// Package search はWeb検索、関連度判定、ページ要約を提供する。
package search

import (
	"context"
	"fmt"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/hitoshi/athen/internal/security"
)

// Hit は検索インデックスの1件の結果。
type Hit struct {
	Title   string
	Link    string
	Snippet string
}

// Index は外部検索インデックス。
type Index interface {
	Query(ctx context.Context, query string, n int) ([]Hit, error)
}

// CSEIndex はGoogle Custom Search JSON APIを使うIndex実装。
type CSEIndex struct {
	svc       *customsearch.Service
	engineID  string
	sanitizer *security.TextSanitizer
}

var _ Index = (*CSEIndex)(nil)

// NewCSEIndex はCSEIndexを生成する。optsはテスト時のエンドポイント差し替えに使う。
func NewCSEIndex(ctx context.Context, apiKey, engineID string, opts ...option.ClientOption) (*CSEIndex, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create custom search service: %w", err)
	}
	return &CSEIndex{svc: svc, engineID: engineID, sanitizer: security.NewTextSanitizer()}, nil
}

// Query は上位n件の検索結果を返す。APIの上限は10件。
func (c *CSEIndex) Query(ctx context.Context, query string, n int) ([]Hit, error) {
	if n <= 0 {
		n = 3
	}
	if n > 10 {
		n = 10
	}

	res, err := c.svc.Cse.List().Q(query).Cx(c.engineID).Num(int64(n)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("custom search request failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Link == "" {
			continue
		}
		hits = append(hits, Hit{
			Title:   c.sanitizer.Plain(item.Title),
			Link:    item.Link,
			Snippet: c.sanitizer.Plain(item.Snippet),
		})
	}
	return hits, nil
}
