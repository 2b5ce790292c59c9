// Package calendar はGoogleカレンダーのイベント作成・一覧・削除を提供する。
package calendar

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidDateTime は日時文字列がどの形式にも一致しないことを示す。
var ErrInvalidDateTime = errors.New("unrecognized date/time format")

var (
	ordinalSuffix = regexp.MustCompile(`(?i)(\d+)(st|nd|rd|th)\b`)
	meridiem      = regexp.MustCompile(`(?i)(\d)\s*([ap])\.?\s?m\.?(\W|$)`)
	spaces        = regexp.MustCompile(`\s+`)
)

// localLayouts はタイムゾーンを含まない形式。指定ロケーションの時刻として解釈する。
var localLayouts = []string{
	"2006-01-02 3:04:05 PM",
	"2006-01-02 3:04 PM",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"3:04 PM, 2 January 2006",
	"3:04 PM, 2 Jan 2006",
	"3:04 PM 2 January 2006",
	"2 Jan 2006 3:04 PM",
	"2 January 2006 3:04 PM",
	"2 Jan 2006, 3:04 PM",
	"2 January 2006, 3:04 PM",
	"January 2 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
}

// offsetLayouts はオフセットを含む形式。
var offsetLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-07:00",
}

// ParseDateTime は人間向け・ISO形式の日時文字列を解釈する。
// 序数の接尾辞（1st, 2nd など）は取り除き、am/pmの表記揺れは正規化する。
// オフセットを含まない形式はlocの時刻として扱う。
func ParseDateTime(s string, loc *time.Location) (time.Time, error) {
	normalized := normalizeDateTime(s)
	if normalized == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidDateTime)
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, normalized, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, s)
}

func normalizeDateTime(s string) string {
	s = strings.TrimSpace(s)
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = meridiem.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiem.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2]) + "M" + sub[3]
	})
	return spaces.ReplaceAllString(s, " ")
}
