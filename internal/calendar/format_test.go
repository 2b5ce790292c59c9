package calendar

import (
	"testing"

	gcal "google.golang.org/api/calendar/v3"
)

func TestFormatStart(t *testing.T) {
	loc := kolkata(t)

	tests := []struct {
		name  string
		start *gcal.EventDateTime
		want  string
	}{
		{"timed UTC converted to local", &gcal.EventDateTime{DateTime: "2024-07-20T09:00:00Z"}, "20 Jul 2024, 02:30 PM"},
		{"timed with offset", &gcal.EventDateTime{DateTime: "2024-07-20T08:05:00+05:30"}, "20 Jul 2024, 08:05 AM"},
		{"all day", &gcal.EventDateTime{Date: "2024-07-20"}, "20 Jul 2024 (All day)"},
		{"unparseable falls back to raw", &gcal.EventDateTime{DateTime: "soon"}, "soon"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatStart(tt.start, loc); got != tt.want {
				t.Errorf("FormatStart() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatUpcoming(t *testing.T) {
	loc := kolkata(t)

	if got := FormatUpcoming(nil, loc); got != "You have no upcoming events." {
		t.Errorf("FormatUpcoming(nil) = %q", got)
	}

	events := []*gcal.Event{
		{Summary: "Standup", Start: &gcal.EventDateTime{DateTime: "2024-07-20T04:30:00Z"}},
		{Start: &gcal.EventDateTime{Date: "2024-07-21"}},
	}
	want := "Here are your upcoming events:\n" +
		"- 20 Jul 2024, 10:00 AM: Standup\n" +
		"- 21 Jul 2024 (All day): No Title"
	if got := FormatUpcoming(events, loc); got != want {
		t.Errorf("FormatUpcoming() = %q, want %q", got, want)
	}
}
