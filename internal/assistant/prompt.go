package assistant

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/athen/internal/llm"
)

const instructionTemplate = `You are '%[1]s', a virtual personal assistant that helps the user by carrying out the tasks they ask for.
You can manage the user's Google Calendar (create, delete and list events), handle reminders (add, mark as completed, list) and search the web when explicitly asked or when important information needs verifying.

Recent conversation with the user, for tone and continuity only:
<conversation>
%[2]s
</conversation>

Analyze ONLY the latest user input to decide whether to call a function. Do not call functions because of earlier messages.
If a function's required arguments are missing from the latest input, ask the user a follow-up question for the missing details instead of calling the function. Optional arguments are never a reason to ask.

Callable functions:
%[3]s

When no function is needed, reply with a JSON object of the form {"response": "<your reply to the latest input>"}.

The current date and time is %[4]s and today is %[5]s (time zone %[6]s). Use it to resolve relative dates, and write dates in sentence form (for example 3rd May 2024) with AM/PM times.`

// buildInstruction はモデルに渡すシステム指示を組み立てる。
func buildInstruction(name, transcript string, functions []llm.FunctionSpec, now time.Time) string {
	catalog, err := json.MarshalIndent(functions, "", "  ")
	if err != nil {
		catalog = []byte("[]")
	}
	if strings.TrimSpace(transcript) == "" {
		transcript = "(no previous messages today)"
	}
	return fmt.Sprintf(instructionTemplate,
		name,
		transcript,
		catalog,
		now.Format("2006-01-02 03:04:05 PM"),
		now.Weekday().String(),
		now.Location().String(),
	)
}

// parseTextReply は関数呼び出しがない場合の応答本文を取り出す。
// {"response": ...} 形式ならその値を、そうでなければ本文をそのまま返す。
func parseTextReply(text string) string {
	body := strings.TrimSpace(text)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	if strings.HasPrefix(body, "{") {
		var payload struct {
			Response *string `json:"response"`
		}
		if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Response != nil {
			return strings.TrimSpace(*payload.Response)
		}
	}
	return strings.TrimSpace(text)
}
