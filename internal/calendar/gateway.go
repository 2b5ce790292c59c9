package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/model"
)

const (
	primaryCalendar   = "primary"
	defaultMaxResults = 10
	maxListResults    = 50
	deleteSearchLimit = 50
)

// EventDetails はイベント作成の入力。
type EventDetails struct {
	Summary     string   `json:"summary"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
	Attendees   []string `json:"attendees,omitempty"`
}

// Gateway はユーザー1人分のカレンダーAPI操作をまとめる。
// 失敗はすべてmodel.UserErrorに変換して返す。
type Gateway struct {
	svc     *gcal.Service
	loc     *time.Location
	timeout time.Duration
	metrics metrics.Recorder
	now     func() time.Time

	// onUnauthorized はAPIが401を返したときに呼ばれる。
	onUnauthorized func(ctx context.Context)
}

// NewGateway はGatewayを生成する。
func NewGateway(svc *gcal.Service, loc *time.Location, timeout time.Duration, rec metrics.Recorder) *Gateway {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{svc: svc, loc: loc, timeout: timeout, metrics: rec, now: time.Now}
}

// CreateEvent はイベントを作成し、イベントページのURLを返す。
// 日時が解釈できない場合や終了が開始以前の場合はAPIを呼ばずにエラーを返す。
func (g *Gateway) CreateEvent(ctx context.Context, details *EventDetails) (string, error) {
	if strings.TrimSpace(details.Summary) == "" {
		return "", model.NewUserError("Error: The event needs a title.", nil)
	}

	start, err := ParseDateTime(details.StartTime, g.loc)
	if err != nil {
		return "", model.NewUserError(fmt.Sprintf("Error: Could not understand the date or time provided - %q", details.StartTime), err)
	}
	end, err := ParseDateTime(details.EndTime, g.loc)
	if err != nil {
		return "", model.NewUserError(fmt.Sprintf("Error: Could not understand the date or time provided - %q", details.EndTime), err)
	}
	if !end.After(start) {
		return "", model.NewUserError("Error: Event end time must be after the start time.", nil)
	}

	event := &gcal.Event{
		Summary:     details.Summary,
		Location:    details.Location,
		Description: details.Description,
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: g.loc.String()},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: g.loc.String()},
	}
	for _, email := range details.Attendees {
		if email = strings.TrimSpace(email); email != "" {
			event.Attendees = append(event.Attendees, &gcal.EventAttendee{Email: email})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	began := time.Now()
	created, err := g.svc.Events.Insert(primaryCalendar, event).Context(ctx).Do()
	g.metrics.RecordGatewayCall("calendar", time.Since(began), err)
	if err != nil {
		slog.Error("calendar insert failed", slog.String("error", err.Error()))
		return "", g.apiError(ctx, "Error creating event", "An unexpected error occurred while creating the event.", err)
	}

	slog.Info("calendar event created", slog.String("event_id", created.Id))
	return created.HtmlLink, nil
}

// ListUpcoming は現在以降のイベントを開始日時順に最大maxResults件整形して返す。
func (g *Gateway) ListUpcoming(ctx context.Context, maxResults int) (string, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResults > maxListResults {
		maxResults = maxListResults
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	began := time.Now()
	events, err := g.svc.Events.List(primaryCalendar).
		TimeMin(g.now().UTC().Format(time.RFC3339)).
		MaxResults(int64(maxResults)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	g.metrics.RecordGatewayCall("calendar", time.Since(began), err)
	if err != nil {
		slog.Error("calendar list failed", slog.String("error", err.Error()))
		return "", g.apiError(ctx, "Error fetching upcoming events", "An unexpected error occurred while fetching upcoming events.", err)
	}

	items := events.Items
	if len(items) > maxResults {
		items = items[:maxResults]
	}
	return FormatUpcoming(items, g.loc), nil
}

// DeleteEvent は今後のイベントのうちタイトルが完全一致する最も早いものを削除する。
// 一致するイベントがない場合はfalseを返す。
func (g *Gateway) DeleteEvent(ctx context.Context, summary string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	began := time.Now()
	events, err := g.svc.Events.List(primaryCalendar).
		TimeMin(g.now().UTC().Format(time.RFC3339)).
		Q(summary).
		MaxResults(deleteSearchLimit).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	g.metrics.RecordGatewayCall("calendar", time.Since(began), err)
	if err != nil {
		slog.Error("calendar search failed", slog.String("error", err.Error()))
		return false, g.apiError(ctx, "Error deleting event", "An unexpected error occurred while deleting the event.", err)
	}

	var target *gcal.Event
	for _, ev := range events.Items {
		if ev.Summary == summary {
			target = ev
			break
		}
	}
	if target == nil {
		slog.Info("no upcoming event matched for deletion")
		return false, nil
	}

	began = time.Now()
	err = g.svc.Events.Delete(primaryCalendar, target.Id).Context(ctx).Do()
	g.metrics.RecordGatewayCall("calendar", time.Since(began), err)
	if err != nil {
		// 他の経路で既に削除されていた場合
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
			return false, nil
		}
		slog.Error("calendar delete failed", slog.String("event_id", target.Id), slog.String("error", err.Error()))
		return false, g.apiError(ctx, "Error deleting event", "An unexpected error occurred while deleting the event.", err)
	}

	slog.Info("calendar event deleted", slog.String("event_id", target.Id))
	return true, nil
}

// apiError はAPIのエラーを返り値のエラーに変換する。
// 401はプロバイダー側で認可が取り消されたものとしてErrAuthorizationRequiredにする。
func (g *Gateway) apiError(ctx context.Context, prefix, fallback string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		if g.onUnauthorized != nil {
			g.onUnauthorized(ctx)
		}
		return fmt.Errorf("%w: %v", ErrAuthorizationRequired, err)
	}
	return translateAPIError(prefix, fallback, err)
}

// translateAPIError はAPIのエラーをユーザー向けのメッセージに変換する。
func translateAPIError(prefix, fallback string, err error) *model.UserError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = "An API error occurred."
		}
		return model.NewUserError(fmt.Sprintf("%s: %s. Please ensure I have the correct permissions.", prefix, strings.TrimSuffix(msg, ".")), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewUserError("The calendar service took too long to respond. Please try again.", err)
	}
	return model.NewUserError(fallback, err)
}
