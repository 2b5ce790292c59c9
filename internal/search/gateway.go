package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/athen/internal/llm"
	"github.com/hitoshi/athen/internal/metrics"
)

const (
	defaultResultCount = 3
	defaultMaxChars    = 4000
	defaultTimeout     = 20 * time.Second
)

// ErrNoResults は検索結果が0件であることを示す。
var ErrNoResults = errors.New("no search results")

// StageError は検索処理のどの段階で失敗したかを示す。
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("search %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result は検索の結果。Summaryはそのまま返答に使える文面。
type Result struct {
	Summary   string
	SourceURL string
}

// PageReader はページ本文のテキストを取得する。
type PageReader interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

var _ PageReader = (*PageFetcher)(nil)

// Config はGatewayの設定。
type Config struct {
	ResultCount int
	MaxChars    int
	Timeout     time.Duration
}

// Gateway は検索インデックスと言語モデルを組み合わせて検索結果を要約する。
type Gateway struct {
	index   Index
	pages   PageReader
	model   llm.Client
	config  Config
	metrics metrics.Recorder
}

// NewGateway はGatewayを生成する。
func NewGateway(index Index, pages PageReader, model llm.Client, config Config, rec metrics.Recorder) *Gateway {
	if config.ResultCount <= 0 {
		config.ResultCount = defaultResultCount
	}
	if config.MaxChars <= 0 {
		config.MaxChars = defaultMaxChars
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Gateway{index: index, pages: pages, model: model, config: config, metrics: rec}
}

// Search は検索、関連度判定、ページ取得、要約を順に行う。
// nが0以下の場合は設定の件数を使う。
func (g *Gateway) Search(ctx context.Context, query string, n int) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	start := time.Now()
	result, err := g.search(ctx, query, n)
	g.metrics.RecordGatewayCall("search", time.Since(start), err)
	return result, err
}

func (g *Gateway) search(ctx context.Context, query string, n int) (*Result, error) {
	if n <= 0 {
		n = g.config.ResultCount
	}

	// 1. 検索
	hits, err := g.index.Query(ctx, query, n)
	if err != nil {
		return nil, &StageError{Stage: "query", Err: err}
	}
	if len(hits) == 0 {
		return nil, ErrNoResults
	}

	// 2. 最も関連する結果をモデルに選ばせる
	best, err := g.rank(ctx, query, hits)
	if err != nil {
		return nil, &StageError{Stage: "rank", Err: err}
	}

	// 3. 選んだページから順に取得を試みる
	link, text, err := g.fetchFirst(ctx, orderFrom(hits, best))
	if err != nil {
		return nil, &StageError{Stage: "fetch", Err: err}
	}

	// 4. 先頭部分だけを要約させる
	summary, err := g.summarize(ctx, query, link, truncateRunes(text, g.config.MaxChars))
	if err != nil {
		return nil, &StageError{Stage: "summarize", Err: err}
	}

	return &Result{
		Summary:   fmt.Sprintf("Based on information from %s:\n\n%s", link, summary),
		SourceURL: link,
	}, nil
}

var firstNumber = regexp.MustCompile(`\d+`)

func (g *Gateway) rank(ctx context.Context, query string, hits []Hit) (int, error) {
	if len(hits) == 1 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze these search results and determine which is most relevant to the query '%s':\n", query)
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. Title: %s\nLink: %s\nSnippet: %s\n\n", i+1, hit.Title, hit.Link, hit.Snippet)
	}
	b.WriteString("Return only the number of the most relevant result. " +
		"Give the most priority to links containing words or terms similar to the query. " +
		"If a link is likely forbidden, broken, low-value or less relevant to the user's request, choose another one.")

	resp, err := g.model.Generate(ctx, &llm.Request{
		Prompt:      b.String(),
		Temperature: 0.5,
		MaxTokens:   50,
	})
	if err != nil {
		return 0, err
	}

	m := firstNumber.FindString(resp.Text)
	idx, convErr := strconv.Atoi(m)
	if convErr != nil || idx < 1 || idx > len(hits) {
		slog.Warn("ranking answer out of range, using first result", slog.String("answer", resp.Text))
		return 0, nil
	}
	return idx - 1, nil
}

func (g *Gateway) fetchFirst(ctx context.Context, hits []Hit) (string, string, error) {
	var lastErr error
	for _, hit := range hits {
		text, err := g.pages.FetchText(ctx, hit.Link)
		if err == nil && text != "" {
			return hit.Link, text, nil
		}
		if err == nil {
			err = errors.New("page has no readable text")
		}
		lastErr = err
		slog.Warn("page fetch failed", slog.String("url", hit.Link), slog.String("error", err.Error()))

		if ctx.Err() != nil {
			break
		}
	}
	return "", "", lastErr
}

func (g *Gateway) summarize(ctx context.Context, query, link, content string) (string, error) {
	prompt := fmt.Sprintf("Based on the following content from %s, provide a very short, concise and informative summary "+
		"addressing the query '%s'. Include only the key points and do not pad the answer with basic guidance:\n\n%s",
		link, query, content)

	resp, err := g.model.Generate(ctx, &llm.Request{
		Prompt:      prompt,
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

// orderFrom はbestを先頭にし、残りを元の順序で並べる。
func orderFrom(hits []Hit, best int) []Hit {
	ordered := make([]Hit, 0, len(hits))
	ordered = append(ordered, hits[best])
	for i, hit := range hits {
		if i != best {
			ordered = append(ordered, hit)
		}
	}
	return ordered
}

// truncateRunes は先頭max文字（rune単位）を返す。
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
