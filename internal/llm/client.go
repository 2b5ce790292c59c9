// Package llm は言語モデル呼び出しの抽象化とGemini実装を提供する。
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hitoshi/athen/internal/metrics"
)

// Schema は関数引数のJSONスキーマ（必要な部分集合のみ）。
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// FunctionSpec はモデルに提示する呼び出し可能な関数の定義。
type FunctionSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Request はモデルへの1回の生成リクエスト。
type Request struct {
	SystemInstruction string
	Prompt            string
	Functions         []FunctionSpec
	Temperature       float32
	MaxTokens         int32
}

// FunctionCall はモデルが選択した関数呼び出し。引数は未検証のJSON。
type FunctionCall struct {
	Name      string
	Arguments json.RawMessage
}

// Response はモデルの応答。Callがnilでなければ関数呼び出しが選択されている。
type Response struct {
	Text string
	Call *FunctionCall
}

// Client は言語モデルのクライアント。
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// instrumented はモデル呼び出しのレイテンシと失敗を記録するClient。
type instrumented struct {
	next    Client
	metrics metrics.Recorder
}

// Instrument はClientをメトリクス記録付きでラップする。
func Instrument(next Client, rec metrics.Recorder) Client {
	if rec == nil {
		return next
	}
	return &instrumented{next: next, metrics: rec}
}

func (c *instrumented) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := c.next.Generate(ctx, req)
	c.metrics.RecordModelCall(time.Since(start), err)
	return resp, err
}
