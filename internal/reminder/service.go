// Package reminder はユーザーごとのリマインダー管理を提供する。
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/repository"
)

// ErrEmptyText はリマインダーの本文が空であることを示す。
var ErrEmptyText = errors.New("reminder text is empty")

// CompleteOutcome は完了操作の結果。
type CompleteOutcome int

const (
	// Completed は1件を完了にした。
	Completed CompleteOutcome = iota
	// NotFound は一致する未完了リマインダーがなかった。
	NotFound
	// Ambiguous は一致する未完了リマインダーが複数あり、何も変更しなかった。
	Ambiguous
)

// Service はリマインダーに関するビジネスロジックを提供する。
type Service struct {
	repo repository.ReminderRepository
	now  func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.ReminderRepository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Add はリマインダーを追加する。
func (s *Service) Add(ctx context.Context, userID, text string) (*model.Reminder, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	r := &model.Reminder{
		ID:        uuid.New().String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to add reminder: %w", err)
	}

	slog.Info("reminder added", slog.String("user_id", userID), slog.String("reminder_id", r.ID))
	return r, nil
}

// ListActive は未完了のリマインダーを作成順で返す。
func (s *Service) ListActive(ctx context.Context, userID string) ([]*model.Reminder, error) {
	return s.repo.ListActive(ctx, userID)
}

// Complete はテキストが完全一致する未完了リマインダーを完了にする。
// 一致なし・複数一致の場合は何も変更せず、その旨を結果で返す。
func (s *Service) Complete(ctx context.Context, userID, text string) (CompleteOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return NotFound, nil
	}

	n, err := s.repo.CompleteByText(ctx, userID, text, s.now())
	if err != nil {
		return NotFound, fmt.Errorf("failed to complete reminder: %w", err)
	}

	switch {
	case n == 1:
		slog.Info("reminder completed", slog.String("user_id", userID))
		return Completed, nil
	case n > 1:
		return Ambiguous, nil
	default:
		return NotFound, nil
	}
}

// ClearAll はユーザーの全リマインダーを削除する。
func (s *Service) ClearAll(ctx context.Context, userID string) error {
	if err := s.repo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear reminders: %w", err)
	}
	return nil
}

// FormatActive は未完了リマインダーを箇条書きの返答にする。
func FormatActive(reminders []*model.Reminder) string {
	if len(reminders) == 0 {
		return "You have no active reminders."
	}
	var b strings.Builder
	b.WriteString("Here are your active reminders:")
	for _, r := range reminders {
		b.WriteString("\n- ")
		b.WriteString(r.Text)
	}
	return b.String()
}
