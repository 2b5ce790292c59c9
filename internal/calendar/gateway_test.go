package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hitoshi/athen/internal/model"
)

// fakeCalendarAPI はCalendar API v3のイベントエンドポイントを模倣する。
type fakeCalendarAPI struct {
	mu       sync.Mutex
	events   []*gcal.Event
	inserted []*gcal.Event
	deleted  []string
	queries  []string
	failWith int
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWith != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.failWith)
		fmt.Fprintf(w, `{"error":{"code":%d,"message":"Insufficient Permission"}}`, f.failWith)
		return
	}

	const base = "/calendar/v3/calendars/primary/events"
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == base:
		f.queries = append(f.queries, r.URL.RawQuery)
		json.NewEncoder(w).Encode(&gcal.Events{Items: f.events})
	case r.Method == http.MethodPost && r.URL.Path == base:
		body, _ := io.ReadAll(r.Body)
		var ev gcal.Event
		json.Unmarshal(body, &ev)
		f.inserted = append(f.inserted, &ev)
		ev.Id = "created-1"
		ev.HtmlLink = "https://calendar.google.com/calendar/event?eid=created-1"
		json.NewEncoder(w).Encode(&ev)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, base+"/"):
		id := strings.TrimPrefix(r.URL.Path, base+"/")
		for _, d := range f.deleted {
			if d == id {
				w.WriteHeader(http.StatusGone)
				fmt.Fprint(w, `{"error":{"code":410,"message":"Resource has been deleted"}}`)
				return
			}
		}
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newTestGateway(t *testing.T, api *fakeCalendarAPI) *Gateway {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	svc, err := gcal.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/calendar/v3/"),
	)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	g := NewGateway(svc, kolkata(t), 5*time.Second, nil)
	g.now = func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) }
	return g
}

func TestCreateEvent(t *testing.T) {
	api := &fakeCalendarAPI{}
	g := newTestGateway(t, api)

	link, err := g.CreateEvent(context.Background(), &EventDetails{
		Summary:   "Dentist",
		StartTime: "11:00 AM, 17th April 2025",
		EndTime:   "2025-04-17 12:00",
		Location:  "Clinic",
		Attendees: []string{"a@example.com", " "},
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if link != "https://calendar.google.com/calendar/event?eid=created-1" {
		t.Errorf("link = %q", link)
	}

	if len(api.inserted) != 1 {
		t.Fatalf("inserted %d events, want 1", len(api.inserted))
	}
	ev := api.inserted[0]
	if ev.Start.DateTime != "2025-04-17T11:00:00+05:30" || ev.End.DateTime != "2025-04-17T12:00:00+05:30" {
		t.Errorf("start/end = %s / %s", ev.Start.DateTime, ev.End.DateTime)
	}
	if ev.Start.TimeZone != "Asia/Kolkata" {
		t.Errorf("TimeZone = %q", ev.Start.TimeZone)
	}
	if len(ev.Attendees) != 1 || ev.Attendees[0].Email != "a@example.com" {
		t.Errorf("attendees = %+v", ev.Attendees)
	}
}

func TestCreateEvent_RejectsWithoutRemoteWrite(t *testing.T) {
	tests := []struct {
		name    string
		details EventDetails
		wantMsg string
	}{
		{"end before start", EventDetails{Summary: "x", StartTime: "2025-04-17 12:00", EndTime: "2025-04-17 11:00"}, "end time must be after"},
		{"end equals start", EventDetails{Summary: "x", StartTime: "2025-04-17 12:00", EndTime: "2025-04-17T12:00:00"}, "end time must be after"},
		{"bad start", EventDetails{Summary: "x", StartTime: "whenever", EndTime: "2025-04-17 11:00"}, "Could not understand"},
		{"bad end", EventDetails{Summary: "x", StartTime: "2025-04-17 11:00", EndTime: "later"}, "Could not understand"},
		{"missing summary", EventDetails{StartTime: "2025-04-17 11:00", EndTime: "2025-04-17 12:00"}, "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeCalendarAPI{}
			g := newTestGateway(t, api)

			_, err := g.CreateEvent(context.Background(), &tt.details)
			var userErr *model.UserError
			if !errors.As(err, &userErr) {
				t.Fatalf("error = %v, want *model.UserError", err)
			}
			if !strings.Contains(userErr.Message, tt.wantMsg) {
				t.Errorf("message = %q, want to contain %q", userErr.Message, tt.wantMsg)
			}
			if len(api.inserted) != 0 {
				t.Error("no remote write should happen")
			}
		})
	}
}

func TestCreateEvent_APIErrorBecomesUserError(t *testing.T) {
	g := newTestGateway(t, &fakeCalendarAPI{failWith: http.StatusForbidden})

	_, err := g.CreateEvent(context.Background(), &EventDetails{
		Summary: "x", StartTime: "2025-04-17 11:00", EndTime: "2025-04-17 12:00",
	})
	var userErr *model.UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *model.UserError", err)
	}
	want := "Error creating event: Insufficient Permission. Please ensure I have the correct permissions."
	if userErr.Message != want {
		t.Errorf("message = %q, want %q", userErr.Message, want)
	}
}

func TestCreateEvent_UnauthorizedRequiresAuthorization(t *testing.T) {
	g := newTestGateway(t, &fakeCalendarAPI{failWith: http.StatusUnauthorized})

	_, err := g.CreateEvent(context.Background(), &EventDetails{
		Summary: "x", StartTime: "2025-04-17 11:00", EndTime: "2025-04-17 12:00",
	})
	if !errors.Is(err, ErrAuthorizationRequired) {
		t.Fatalf("error = %v, want ErrAuthorizationRequired", err)
	}
	var userErr *model.UserError
	if errors.As(err, &userErr) {
		t.Errorf("401 should not become a UserError: %v", userErr)
	}
}

func TestListUpcoming(t *testing.T) {
	api := &fakeCalendarAPI{events: []*gcal.Event{
		{Id: "1", Summary: "Standup", Start: &gcal.EventDateTime{DateTime: "2025-04-02T04:30:00Z"}},
		{Id: "2", Summary: "Holiday", Start: &gcal.EventDateTime{Date: "2025-04-03"}},
		{Id: "3", Summary: "Overflow", Start: &gcal.EventDateTime{Date: "2025-04-04"}},
	}}
	g := newTestGateway(t, api)

	got, err := g.ListUpcoming(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListUpcoming() error = %v", err)
	}
	want := "Here are your upcoming events:\n- 02 Apr 2025, 10:00 AM: Standup\n- 03 Apr 2025 (All day): Holiday"
	if got != want {
		t.Errorf("ListUpcoming() = %q, want %q", got, want)
	}

	q := api.queries[0]
	for _, part := range []string{"maxResults=2", "singleEvents=true", "orderBy=startTime", "timeMin=2025-04-01T00%3A00%3A00Z"} {
		if !strings.Contains(q, part) {
			t.Errorf("query %q missing %q", q, part)
		}
	}
}

func TestListUpcoming_Empty(t *testing.T) {
	g := newTestGateway(t, &fakeCalendarAPI{})

	got, err := g.ListUpcoming(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUpcoming() error = %v", err)
	}
	if got != "You have no upcoming events." {
		t.Errorf("ListUpcoming() = %q", got)
	}
}

func TestDeleteEvent(t *testing.T) {
	api := &fakeCalendarAPI{events: []*gcal.Event{
		{Id: "partial", Summary: "Team sync notes"},
		{Id: "first", Summary: "Team sync"},
		{Id: "second", Summary: "Team sync"},
	}}
	g := newTestGateway(t, api)

	ok, err := g.DeleteEvent(context.Background(), "Team sync")
	if err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}
	if !ok {
		t.Fatal("DeleteEvent() = false, want true")
	}
	if len(api.deleted) != 1 || api.deleted[0] != "first" {
		t.Errorf("deleted = %v, want [first]", api.deleted)
	}
	if !strings.Contains(api.queries[0], "q=Team+sync") {
		t.Errorf("query %q should search by summary", api.queries[0])
	}
}

func TestDeleteEvent_NoMatch(t *testing.T) {
	api := &fakeCalendarAPI{events: []*gcal.Event{{Id: "1", Summary: "Lunch with Sam"}}}
	g := newTestGateway(t, api)

	ok, err := g.DeleteEvent(context.Background(), "Lunch")
	if err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}
	if ok {
		t.Error("DeleteEvent() = true, want false")
	}
	if len(api.deleted) != 0 {
		t.Errorf("nothing should be deleted, got %v", api.deleted)
	}
}

func TestDeleteEvent_AlreadyGone(t *testing.T) {
	api := &fakeCalendarAPI{
		events:  []*gcal.Event{{Id: "1", Summary: "Lunch"}},
		deleted: []string{"1"},
	}
	g := newTestGateway(t, api)

	ok, err := g.DeleteEvent(context.Background(), "Lunch")
	if err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}
	if ok {
		t.Error("DeleteEvent() = true for an already deleted event")
	}
}
