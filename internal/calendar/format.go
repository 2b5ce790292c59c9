package calendar

import (
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
)

const (
	timedLayout  = "02 Jan 2006, 03:04 PM"
	allDayLayout = "02 Jan 2006"
)

// FormatStart はイベントの開始日時を表示用に整形する。
// 時刻付きのイベントはlocへ変換し、終日イベントは "(All day)" を付ける。
func FormatStart(start *gcal.EventDateTime, loc *time.Location) string {
	if start == nil {
		return ""
	}
	if start.DateTime != "" {
		t, err := time.Parse(time.RFC3339, start.DateTime)
		if err != nil {
			return start.DateTime
		}
		return t.In(loc).Format(timedLayout)
	}
	d, err := time.Parse(time.DateOnly, start.Date)
	if err != nil {
		return start.Date
	}
	return d.Format(allDayLayout) + " (All day)"
}

// FormatUpcoming はイベント一覧を返答用のテキストに整形する。
func FormatUpcoming(events []*gcal.Event, loc *time.Location) string {
	if len(events) == 0 {
		return "You have no upcoming events."
	}

	var b strings.Builder
	b.WriteString("Here are your upcoming events:")
	for _, ev := range events {
		summary := ev.Summary
		if summary == "" {
			summary = "No Title"
		}
		b.WriteString("\n- ")
		b.WriteString(FormatStart(ev.Start, loc))
		b.WriteString(": ")
		b.WriteString(summary)
	}
	return b.String()
}
