// Package assistant はユーザーの発話を言語モデルの関数呼び出しで解釈し、
// カレンダー・リマインダー・Web検索へ振り分ける。
package assistant

import "github.com/hitoshi/athen/internal/llm"

// FunctionName はモデルが呼び出せる関数の名前。
type FunctionName string

const (
	FuncGetUpcomingEvents  FunctionName = "get_upcoming_events"
	FuncCreateEvent        FunctionName = "create_event"
	FuncDeleteEvent        FunctionName = "delete_event"
	FuncGetActiveReminders FunctionName = "get_active_reminders"
	FuncAddReminder        FunctionName = "add_reminder"
	FuncCompleteReminder   FunctionName = "complete_reminder"
	FuncWebSearch          FunctionName = "web_search"
)

func str(desc string) *llm.Schema {
	return &llm.Schema{Type: "string", Description: desc}
}

// Catalog はモデルに提示する関数定義の一覧を返す。
func Catalog() []llm.FunctionSpec {
	return []llm.FunctionSpec{
		{
			Name:        string(FuncGetUpcomingEvents),
			Description: "Get details of the upcoming events from Google Calendar.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"max_results": {Type: "integer", Description: "How many events to list (default 10)."},
				},
			},
		},
		{
			Name: string(FuncCreateEvent),
			Description: "Create an event in Google Calendar. Identify the event details such as summary, " +
				"start time, end time, location and attendees from what the user said and pass them inside event_details.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"event_details": {
						Type: "object",
						Properties: map[string]*llm.Schema{
							"summary":     str("Title of the event."),
							"start_time":  str("Start date and time, for example 2025-05-03 3:00 PM."),
							"end_time":    str("End date and time, for example 2025-05-03 4:00 PM."),
							"location":    str(""),
							"description": str(""),
							"attendees":   {Type: "array", Items: str("Email address of an attendee.")},
						},
						Required: []string{"summary", "start_time", "end_time"},
					},
				},
				Required: []string{"event_details"},
			},
		},
		{
			Name: string(FuncDeleteEvent),
			Description: "Delete an existing upcoming event in the user's Google Calendar using the event's summary. " +
				"This removes an upcoming event from the calendar.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"summary": str("Summary of the event to delete."),
				},
				Required: []string{"summary"},
			},
		},
		{
			Name:        string(FuncGetActiveReminders),
			Description: "Get active reminders which are yet to be completed.",
			Parameters:  &llm.Schema{Type: "object"},
		},
		{
			Name: string(FuncAddReminder),
			Description: "Add a new reminder for any task, or store something the user asked to be reminded of later. " +
				"This is a tentative to-do list for the user.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"reminder": str("Text of the reminder."),
				},
				Required: []string{"reminder"},
			},
		},
		{
			Name:        string(FuncCompleteReminder),
			Description: "Mark a reminder as completed. Use the exact text of the reminder the user said they finished.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"reminder_text": str("Text of the completed reminder."),
				},
				Required: []string{"reminder_text"},
			},
		},
		{
			Name: string(FuncWebSearch),
			Description: "Search the web and summarise the most relevant page. Only use this when the user explicitly " +
				"asks to look something up or when important information needs verifying. Phrase the query around what the user is trying to find.",
			Parameters: &llm.Schema{
				Type: "object",
				Properties: map[string]*llm.Schema{
					"query":       str("Search query."),
					"num_results": {Type: "integer", Description: "How many results to consider (default 3)."},
				},
				Required: []string{"query"},
			},
		},
	}
}
