// Package speech は返答テキストの音声合成を提供する。
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/athen/internal/metrics"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModelID = "eleven_turbo_v2"
	defaultTimeout = 30 * time.Second
)

// Synthesizer はテキストを音声に変換する。
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config はElevenLabsクライアントの設定。
type Config struct {
	APIKey  string
	VoiceID string
	ModelID string
	Timeout time.Duration

	// テスト用
	BaseURL    string
	HTTPClient *http.Client
}

// ElevenLabs はElevenLabsのストリーミングTTS APIクライアント。
type ElevenLabs struct {
	config  Config
	client  *http.Client
	metrics metrics.Recorder
}

var _ Synthesizer = (*ElevenLabs)(nil)

// NewElevenLabs はElevenLabsクライアントを生成する。
func NewElevenLabs(config Config, rec metrics.Recorder) *ElevenLabs {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &ElevenLabs{config: config, client: client, metrics: rec}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// ttsChunk はストリーム応答の1行。
type ttsChunk struct {
	AudioBase64 string `json:"audio_base64"`
}

// Synthesize はテキストを音声（MP3）に変換する。
// 応答は改行区切りのJSONで、各行の音声片を連結して返す。
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	audio, err := e.synthesize(ctx, text)
	e.metrics.RecordGatewayCall("speech", time.Since(start), err)
	return audio, err
}

func (e *ElevenLabs) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: e.config.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       0.7,
			SimilarityBoost: 0.7,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tts request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream/with-timestamps", e.config.BaseURL, e.config.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call tts api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tts api returned status %d", resp.StatusCode)
	}

	var audio []byte
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ttsChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode tts stream: %w", err)
		}
		if chunk.AudioBase64 == "" {
			continue
		}
		part, err := base64.StdEncoding.DecodeString(chunk.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio chunk: %w", err)
		}
		audio = append(audio, part...)
	}

	if len(audio) == 0 {
		return nil, errors.New("tts api returned no audio")
	}
	return audio, nil
}
