// Package chat はチャット1ターンの処理（履歴保存・ディスパッチ・音声合成）を提供する。
package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/athen/internal/assistant"
	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/speech"
)

// ErrEmptyMessage はメッセージが空であることを示す。
var ErrEmptyMessage = errors.New("message is empty")

// Dispatcher は発話を返答に変換する。
type Dispatcher interface {
	Handle(ctx context.Context, turn assistant.Turn) assistant.Reply
}

var _ Dispatcher = (*assistant.Dispatcher)(nil)

// Conversation は会話ログ操作。
type Conversation interface {
	Append(ctx context.Context, userID string, role model.Role, content string) error
	Today(ctx context.Context, userID string) ([]*model.Message, error)
	Clear(ctx context.Context, userID string) error
}

// ReminderClearer はユーザーの全リマインダーを削除する。
type ReminderClearer interface {
	ClearAll(ctx context.Context, userID string) error
}

// Request はチャット1ターンの入力。
type Request struct {
	UserID   string
	Message  string
	IsSpeech bool
	Origin   string
}

// Result はチャット1ターンの結果。Audioは音声入力時のみbase64で設定される。
type Result struct {
	Reply assistant.Reply
	Audio string
}

// Service はチャットのビジネスロジックを提供する。
// 同一ユーザーのターンは直列に処理する。
type Service struct {
	dispatcher Dispatcher
	history    Conversation
	reminders  ReminderClearer
	speech     speech.Synthesizer
	locks      *keyedMutex
}

// NewService はServiceを生成する。speechがnilの場合は音声合成を行わない。
func NewService(dispatcher Dispatcher, history Conversation, reminders ReminderClearer, synth speech.Synthesizer) *Service {
	return &Service{
		dispatcher: dispatcher,
		history:    history,
		reminders:  reminders,
		speech:     synth,
		locks:      newKeyedMutex(),
	}
}

// Turn はユーザーの発話を保存し、返答を生成して保存する。
func (s *Service) Turn(ctx context.Context, req Request) (*Result, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	unlock := s.locks.Lock(req.UserID)
	defer unlock()

	// 1. ユーザーの発話を保存
	if err := s.history.Append(ctx, req.UserID, model.RoleUser, message); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	// 2. ディスパッチ
	reply := s.dispatcher.Handle(ctx, assistant.Turn{
		UserID:    req.UserID,
		Utterance: message,
		Origin:    req.Origin,
	})

	// 3. 返答を保存（失敗しても返答は返す）
	if err := s.history.Append(ctx, req.UserID, model.RoleAssistant, reply.Text); err != nil {
		slog.Error("failed to save assistant reply",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
	}

	result := &Result{Reply: reply}

	// 4. 音声入力なら返答を音声化（認可URLを返す場合は除く）
	if req.IsSpeech && reply.AuthorizationURL == "" && s.speech != nil {
		audio, err := s.speech.Synthesize(ctx, reply.Text)
		if err != nil {
			slog.Warn("text to speech failed",
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()),
			)
		} else {
			result.Audio = base64.StdEncoding.EncodeToString(audio)
		}
	}

	return result, nil
}

// History は今日の会話ログを返す。
func (s *Service) History(ctx context.Context, userID string) ([]*model.Message, error) {
	msgs, err := s.history.Today(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return msgs, nil
}

// ClearHistory は会話ログとリマインダーを削除する。
func (s *Service) ClearHistory(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.history.Clear(ctx, userID); err != nil {
		return err
	}
	if err := s.reminders.ClearAll(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear reminders: %w", err)
	}
	return nil
}

// keyedMutex はキーごとの排他ロック。使われなくなったキーは解放する。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock はキーのロックを取得し、解放関数を返す。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
