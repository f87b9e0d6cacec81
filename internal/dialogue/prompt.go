package dialogue

import (
	"fmt"
	"strings"
)

const clarifyInstruction = `

Do you think I'm clear enough about my goal and obstacles?
Ask me questions if there is anything I should think through further.
The point is to help me structure my thoughts and be clear about the challenges I have.
Make sure the thought process is MECE (mutually exclusive, collectively exhaustive).
Ask one clarification question at a time.

Reply with a single JSON object and nothing else, in exactly this shape:
{"success": false, "response": "<your question or remark, in one sentence>"}
"success" must be false in this reply.`

const confirmInstruction = `

Once you have fully understood my goal and obstacles, show me a summary and ask me to confirm it.
Keep asking until I confirm the summary. After I confirm, output the summary.

Reply with a single JSON object and nothing else, in exactly this shape:
{"success": false, "response": "<your question or remark>", "goal": {"content": "<goal summary>"}, "obstacles": [{"content": "<obstacle>"}]}
Set "success" to true only after I have confirmed the summary, and fill "goal" and "obstacles" only then.`

// obstaclesPrompt renders the opening user message. Empty obstacles are
// skipped and the remaining ones are numbered consecutively.
func obstaclesPrompt(goal string, obstacles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "My goal is: %s, but I can't because:", goal)
	for i, o := range obstacles {
		fmt.Fprintf(&b, "\n %d. %s", i+1, o)
	}
	b.WriteString(clarifyInstruction)
	return b.String()
}

func answerPrompt(answer string) string {
	return answer + confirmInstruction
}

// nonEmpty trims every entry and drops the blank ones.
func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
