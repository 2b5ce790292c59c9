package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient はGeminiのGenerateContent APIを使うClient実装。
type GeminiClient struct {
	client    *genai.Client
	modelName string
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient はGeminiClientを生成する。
func NewGeminiClient(ctx context.Context, apiKey, modelName string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, modelName: modelName}, nil
}

// Close はクライアントを閉じる。
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Generate はモデルを1回呼び出す。ストリーミングは使わない。
func (c *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := c.client.GenerativeModel(c.modelName)
	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemInstruction)},
		}
	}
	if req.Temperature > 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if len(req.Functions) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(req.Functions)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate request failed: %w", err)
	}
	return fromGenaiResponse(resp)
}

// toFunctionDeclarations は関数定義をgenaiの形式へ変換する。
func toFunctionDeclarations(specs []FunctionSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decl := &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
		}
		// Geminiはプロパティが空のobjectを受け付けない
		if spec.Parameters != nil && len(spec.Parameters.Properties) > 0 {
			decl.Parameters = toGenaiSchema(spec.Parameters)
		}
		decls = append(decls, decl)
	}
	return decls
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        toGenaiType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Items:       toGenaiSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

func toGenaiType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}

// fromGenaiResponse は最初の候補から関数呼び出しとテキストを取り出す。
// 関数呼び出しが複数ある場合は最初の1つだけを使う。
func fromGenaiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return &Response{}, nil
	}

	out := &Response{}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			if out.Call != nil {
				continue
			}
			args, err := json.Marshal(p.Args)
			if err != nil {
				return nil, fmt.Errorf("failed to encode function arguments: %w", err)
			}
			out.Call = &FunctionCall{Name: p.Name, Arguments: args}
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out, nil
}
