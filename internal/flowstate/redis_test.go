package flowstate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/security"
)

// TEST_REDIS_URLが設定されている場合のみ実行する。
func TestRedisStore_PutPop(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL is not set")
	}

	client, err := NewRedisClient(redisURL)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redisに接続できません（スキップ）: %v", err)
	}

	s := NewRedisStore(client)
	state, _ := security.RandomToken(32)

	rec := &model.FlowRecord{Purpose: model.PurposeCalendar, UserID: "u-1", RedirectURL: "http://localhost:5000/cb"}
	if err := s.Put(ctx, state, rec, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Pop(ctx, state)
	if err != nil || got == nil || got.UserID != "u-1" {
		t.Fatalf("Pop = %+v, %v", got, err)
	}

	again, err := s.Pop(ctx, state)
	if err != nil || again != nil {
		t.Errorf("second Pop = %v, %v; want nil, nil", again, err)
	}
}
