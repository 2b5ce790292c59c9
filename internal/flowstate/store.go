// Package flowstate はOAuth認可フローのstateと一時レコードを保持する。
// レコードはTTL付きで保存され、Popで1回だけ取り出せる。
package flowstate

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/athen/internal/model"
)

// ErrDuplicateState は同じstateが既に保存されている場合のエラー。
var ErrDuplicateState = errors.New("flow state already exists")

// Store はフローレコードのストア。
type Store interface {
	// Put はstateをキーにレコードを保存する。既存のstateは上書きしない。
	Put(ctx context.Context, state string, rec *model.FlowRecord, ttl time.Duration) error
	// Pop はレコードを取り出して削除する。取り出しは原子的に行われ、
	// 未知・期限切れ・使用済みのstateにはnilを返す。
	Pop(ctx context.Context, state string) (*model.FlowRecord, error)
}
