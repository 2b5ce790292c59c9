// Package conversation はユーザーごと・日ごとの会話ログを提供する。
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/repository"
)

const defaultContextLength = 8

// Service は会話ログに関するビジネスロジックを提供する。
// 日付の区切りは設定したタイムゾーンで判定する。
type Service struct {
	repo          repository.ConversationRepository
	loc           *time.Location
	contextLength int
	now           func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.ConversationRepository, loc *time.Location, contextLength int) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if contextLength <= 0 {
		contextLength = defaultContextLength
	}
	return &Service{repo: repo, loc: loc, contextLength: contextLength, now: time.Now}
}

// Append は今日の会話ログにメッセージを追加する。
func (s *Service) Append(ctx context.Context, userID string, role model.Role, content string) error {
	now := s.now().In(s.loc)
	msg := &model.Message{
		UserID:    userID,
		Day:       now,
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
	if err := s.repo.Append(ctx, msg); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Recent は今日の直近のメッセージを挿入順で返す。
func (s *Service) Recent(ctx context.Context, userID string) ([]*model.Message, error) {
	return s.repo.ListRecent(ctx, userID, s.now().In(s.loc), s.contextLength)
}

// Today は今日の全メッセージを挿入順で返す。
func (s *Service) Today(ctx context.Context, userID string) ([]*model.Message, error) {
	return s.repo.ListByDay(ctx, userID, s.now().In(s.loc))
}

// Clear はユーザーの全会話ログを削除する。
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.repo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

// Transcript はメッセージを "Role: content" 形式の行にする。
func Transcript(msgs []*model.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, roleLabel(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func roleLabel(r model.Role) string {
	switch r {
	case model.RoleUser:
		return "User"
	case model.RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}
