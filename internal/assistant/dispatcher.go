package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/athen/internal/calendar"
	"github.com/hitoshi/athen/internal/conversation"
	"github.com/hitoshi/athen/internal/llm"
	"github.com/hitoshi/athen/internal/metrics"
	"github.com/hitoshi/athen/internal/model"
	"github.com/hitoshi/athen/internal/reminder"
	"github.com/hitoshi/athen/internal/search"
)

// 返答の定型文
const (
	ReplyInternalError  = "Sorry, an internal error occurred."
	ReplyFunctionError  = "Sorry, I encountered an error."
	ReplyNotUnderstood  = "I'm not sure how to respond. Could you rephrase that?"
	ReplyNeedsCalendar  = "I need your permission to access Google Calendar first. Please connect your calendar using the link provided."
	ReplySearchDisabled = "Sorry, web search is not available right now."
)

const (
	defaultName        = "Athen"
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.5
	defaultMaxTokens   = 1000
)

// Turn はディスパッチ対象の1回の発話。
type Turn struct {
	UserID    string
	Utterance string
	Origin    string
}

// Reply はディスパッチ結果。Textは常に空でない。
type Reply struct {
	Text             string
	EventLink        string
	SearchLink       string
	AuthorizationURL string
}

// Calendar はユーザーのカレンダー操作。
type Calendar interface {
	CreateEvent(ctx context.Context, details *calendar.EventDetails) (string, error)
	ListUpcoming(ctx context.Context, maxResults int) (string, error)
	DeleteEvent(ctx context.Context, summary string) (bool, error)
}

var _ Calendar = (*calendar.Gateway)(nil)

// CalendarOpener はユーザーのCalendarを返す。
// 認可がない場合はcalendar.ErrAuthorizationRequiredを返す。
type CalendarOpener interface {
	Open(ctx context.Context, userID string) (Calendar, error)
}

// ConnectorOpener はcalendar.ConnectorをCalendarOpenerとして使うためのアダプター。
type ConnectorOpener struct {
	Connector *calendar.Connector
}

// Open はCalendarOpenerインターフェースを実装する。
func (o ConnectorOpener) Open(ctx context.Context, userID string) (Calendar, error) {
	gw, err := o.Connector.Connect(ctx, userID)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// AuthorizationLinker はカレンダー認可用のURLを発行する。
type AuthorizationLinker interface {
	CalendarAuthorizationURL(ctx context.Context, userID, origin string) (string, error)
}

// Reminders はリマインダー操作。
type Reminders interface {
	Add(ctx context.Context, userID, text string) (*model.Reminder, error)
	ListActive(ctx context.Context, userID string) ([]*model.Reminder, error)
	Complete(ctx context.Context, userID, text string) (reminder.CompleteOutcome, error)
}

var _ Reminders = (*reminder.Service)(nil)

// Searcher はWeb検索。
type Searcher interface {
	Search(ctx context.Context, query string, n int) (*search.Result, error)
}

var _ Searcher = (*search.Gateway)(nil)

// History は直近の会話を返す。
type History interface {
	Recent(ctx context.Context, userID string) ([]*model.Message, error)
}

var _ History = (*conversation.Service)(nil)

// Config はDispatcherの設定。
type Config struct {
	Name     string
	Location *time.Location
	Timeout  time.Duration
}

// Deps はDispatcherが利用するコンポーネント。Searchはnilなら検索を無効にする。
type Deps struct {
	Model     llm.Client
	History   History
	Calendars CalendarOpener
	Linker    AuthorizationLinker
	Reminders Reminders
	Search    Searcher
	Metrics   metrics.Recorder
}

type handlerFunc func(d *Dispatcher, ctx context.Context, turn Turn, args json.RawMessage) (Reply, error)

// Dispatcher は発話を解釈して適切な処理へ振り分ける。
type Dispatcher struct {
	deps      Deps
	config    Config
	functions []llm.FunctionSpec
	handlers  map[FunctionName]handlerFunc
	now       func() time.Time
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(deps Deps, config Config) *Dispatcher {
	if config.Name == "" {
		config.Name = defaultName
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Dispatcher{
		deps:      deps,
		config:    config,
		functions: Catalog(),
		handlers: map[FunctionName]handlerFunc{
			FuncGetUpcomingEvents:  (*Dispatcher).getUpcomingEvents,
			FuncCreateEvent:        (*Dispatcher).createEvent,
			FuncDeleteEvent:        (*Dispatcher).deleteEvent,
			FuncGetActiveReminders: (*Dispatcher).getActiveReminders,
			FuncAddReminder:        (*Dispatcher).addReminder,
			FuncCompleteReminder:   (*Dispatcher).completeReminder,
			FuncWebSearch:          (*Dispatcher).webSearch,
		},
		now: time.Now,
	}
}

// Handle は1回の発話を処理して返答を返す。
// モデルや外部サービスの失敗はエラーにせず、お詫びの返答に変換する。
func (d *Dispatcher) Handle(ctx context.Context, turn Turn) Reply {
	// 1. 直近の会話を取得
	var transcript string
	recent, err := d.deps.History.Recent(ctx, turn.UserID)
	if err != nil {
		slog.Warn("failed to load recent context",
			slog.String("user_id", turn.UserID),
			slog.String("error", err.Error()),
		)
	} else {
		transcript = conversation.Transcript(recent)
	}

	// 2. モデルを1回呼び出す
	modelCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	resp, err := d.deps.Model.Generate(modelCtx, &llm.Request{
		SystemInstruction: buildInstruction(d.config.Name, transcript, d.functions, d.now().In(d.config.Location)),
		Prompt:            turn.Utterance,
		Functions:         d.functions,
		Temperature:       defaultTemperature,
		MaxTokens:         defaultMaxTokens,
	})
	cancel()
	if err != nil {
		slog.Error("model call failed",
			slog.String("user_id", turn.UserID),
			slog.String("error", err.Error()),
		)
		d.deps.Metrics.RecordDispatch("none", "model_error")
		return Reply{Text: ReplyInternalError}
	}

	// 3. 関数呼び出しがなければ本文を返す
	if resp.Call == nil {
		d.deps.Metrics.RecordDispatch("none", "text")
		text := parseTextReply(resp.Text)
		if text == "" {
			text = ReplyNotUnderstood
		}
		return Reply{Text: text}
	}

	// 4. 関数を実行する
	reply, outcome := d.dispatch(ctx, turn, resp.Call)
	d.deps.Metrics.RecordDispatch(resp.Call.Name, outcome)
	if reply.Text == "" {
		reply.Text = ReplyNotUnderstood
	}
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, turn Turn, call *llm.FunctionCall) (Reply, string) {
	name := FunctionName(call.Name)
	handle, ok := d.handlers[name]
	if !ok {
		slog.Warn("unknown function requested", slog.String("function", call.Name))
		return Reply{Text: fmt.Sprintf("Sorry, I don't know how to handle the function: %s", call.Name)}, "unknown"
	}

	reply, err := handle(d, ctx, turn, call.Arguments)
	if err == nil {
		return reply, "ok"
	}

	var clarify *clarification
	var userErr *model.UserError
	switch {
	case errors.As(err, &clarify):
		return Reply{Text: clarify.question}, "clarify"
	case errors.Is(err, calendar.ErrAuthorizationRequired):
		return d.authorizationReply(ctx, turn), "auth_required"
	case errors.As(err, &userErr):
		return Reply{Text: userErr.Message}, "user_error"
	default:
		slog.Error("function execution failed",
			slog.String("function", call.Name),
			slog.String("user_id", turn.UserID),
			slog.String("error", err.Error()),
		)
		return Reply{Text: ReplyFunctionError}, "error"
	}
}

// authorizationReply はカレンダー認可を求める返答を作る。
// URLの発行に失敗しても返答自体は返す。
func (d *Dispatcher) authorizationReply(ctx context.Context, turn Turn) Reply {
	reply := Reply{Text: ReplyNeedsCalendar}
	if d.deps.Linker == nil {
		return reply
	}
	url, err := d.deps.Linker.CalendarAuthorizationURL(ctx, turn.UserID, turn.Origin)
	if err != nil {
		slog.Error("failed to issue calendar authorization url",
			slog.String("user_id", turn.UserID),
			slog.String("error", err.Error()),
		)
		return reply
	}
	reply.AuthorizationURL = url
	return reply
}

// clarification は必須引数が足りないときにユーザーへ返す質問。
type clarification struct {
	question string
}

func (c *clarification) Error() string {
	return "missing required arguments: " + c.question
}

func askFor(question string) error {
	return &clarification{question: question}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode function arguments: %w", err)
	}
	return nil
}

func (d *Dispatcher) openCalendar(ctx context.Context, userID string) (Calendar, error) {
	if d.deps.Calendars == nil {
		return nil, calendar.ErrAuthorizationRequired
	}
	return d.deps.Calendars.Open(ctx, userID)
}

func (d *Dispatcher) getUpcomingEvents(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	var args struct {
		MaxResults *int `json:"max_results"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return Reply{}, err
	}
	cal, err := d.openCalendar(ctx, turn.UserID)
	if err != nil {
		return Reply{}, err
	}
	limit := 0
	if args.MaxResults != nil {
		limit = *args.MaxResults
	}
	text, err := cal.ListUpcoming(ctx, limit)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

func (d *Dispatcher) createEvent(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	var args struct {
		EventDetails *calendar.EventDetails `json:"event_details"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return Reply{}, err
	}
	if missing := missingEventFields(args.EventDetails); len(missing) > 0 {
		return Reply{}, askFor(fmt.Sprintf("To create the event, could you tell me the %s?", joinWords(missing)))
	}
	cal, err := d.openCalendar(ctx, turn.UserID)
	if err != nil {
		return Reply{}, err
	}
	link, err := cal.CreateEvent(ctx, args.EventDetails)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		Text:      fmt.Sprintf("OK. I've created the event: %s", strings.TrimSpace(args.EventDetails.Summary)),
		EventLink: link,
	}, nil
}

func missingEventFields(ev *calendar.EventDetails) []string {
	if ev == nil {
		return []string{"title", "start time", "end time"}
	}
	var missing []string
	if strings.TrimSpace(ev.Summary) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(ev.StartTime) == "" {
		missing = append(missing, "start time")
	}
	if strings.TrimSpace(ev.EndTime) == "" {
		missing = append(missing, "end time")
	}
	return missing
}

func (d *Dispatcher) deleteEvent(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	var args struct {
		Summary string `json:"summary"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return Reply{}, err
	}
	summary := strings.TrimSpace(args.Summary)
	if summary == "" {
		return Reply{}, askFor("Which event should I delete? Please tell me its title.")
	}
	cal, err := d.openCalendar(ctx, turn.UserID)
	if err != nil {
		return Reply{}, err
	}
	deleted, err := cal.DeleteEvent(ctx, summary)
	if err != nil {
		return Reply{}, err
	}
	if !deleted {
		return Reply{Text: fmt.Sprintf("Sorry, I couldn't find an upcoming event named '%s'.", summary)}, nil
	}
	return Reply{Text: fmt.Sprintf("OK. I've deleted the event: %s", summary)}, nil
}

func (d *Dispatcher) getActiveReminders(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	reminders, err := d.deps.Reminders.ListActive(ctx, turn.UserID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: reminder.FormatActive(reminders)}, nil
}

func (d *Dispatcher) addReminder(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	var args struct {
		Reminder string `json:"reminder"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(args.Reminder)
	if text == "" {
		return Reply{}, askFor("What would you like me to remind you about?")
	}
	if _, err := d.deps.Reminders.Add(ctx, turn.UserID, text); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("OK. I've added the reminder: '%s'.", text)}, nil
}

func (d *Dispatcher) completeReminder(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	var args struct {
		ReminderText string `json:"reminder_text"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(args.ReminderText)
	if text == "" {
		return Reply{}, askFor("Which reminder have you completed?")
	}
	outcome, err := d.deps.Reminders.Complete(ctx, turn.UserID, text)
	if err != nil {
		return Reply{}, err
	}
	switch outcome {
	case reminder.Completed:
		return Reply{Text: fmt.Sprintf("OK. I've marked '%s' as completed.", text)}, nil
	case reminder.Ambiguous:
		return Reply{Text: fmt.Sprintf("You have more than one active reminder matching '%s', so I left them unchanged.", text)}, nil
	default:
		return Reply{Text: fmt.Sprintf("Sorry, I couldn't find an active reminder matching '%s'.", text)}, nil
	}
}

func (d *Dispatcher) webSearch(ctx context.Context, turn Turn, raw json.RawMessage) (Reply, error) {
	var args struct {
		Query      string `json:"query"`
		NumResults *int   `json:"num_results"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return Reply{}, err
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return Reply{}, askFor("What would you like me to search for?")
	}
	if d.deps.Search == nil {
		return Reply{Text: ReplySearchDisabled}, nil
	}
	n := 0
	if args.NumResults != nil {
		n = *args.NumResults
	}

	result, err := d.deps.Search.Search(ctx, query, n)
	if err != nil {
		return Reply{}, searchFailure(query, err)
	}
	return Reply{Text: result.Summary, SearchLink: result.SourceURL}, nil
}

// searchFailure は検索の失敗を段階に応じた返答に変換する。
func searchFailure(query string, err error) error {
	if errors.Is(err, search.ErrNoResults) {
		return model.NewUserError(fmt.Sprintf("Sorry, I couldn't find any results for '%s'.", query), err)
	}
	var stageErr *search.StageError
	if errors.As(err, &stageErr) {
		switch stageErr.Stage {
		case "fetch":
			return model.NewUserError("Sorry, I found some results but couldn't read any of the pages.", err)
		case "query":
			return model.NewUserError("Sorry, the web search service is not responding right now.", err)
		default:
			return model.NewUserError("Sorry, I couldn't analyse the search results.", err)
		}
	}
	return err
}

func joinWords(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	default:
		return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
	}
}
