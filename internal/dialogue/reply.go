package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedReply is returned when the chat model answers with something
// that does not match the requested JSON shape.
var ErrMalformedReply = errors.New("malformed ai reply")

// Reply is either a ClarifyingReply or a SummaryReply.
type Reply interface {
	Text() string
	reply()
}

// ClarifyingReply carries a follow-up question or remark.
type ClarifyingReply struct {
	Response string
}

// SummaryReply carries the confirmed goal and obstacles.
type SummaryReply struct {
	Response string
	Summary  Summary
}

func (r ClarifyingReply) Text() string { return r.Response }
func (r SummaryReply) Text() string    { return r.Response }
func (ClarifyingReply) reply()         {}
func (SummaryReply) reply()            {}

type contentField struct {
	Content string `json:"content"`
}

type rawReply struct {
	Success   *bool          `json:"success"`
	Response  *string        `json:"response"`
	Goal      *contentField  `json:"goal"`
	Obstacles []contentField `json:"obstacles"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedReply, fmt.Sprintf(format, args...))
}

// ParseClarifying decodes a reply to the obstacles prompt. Only
// "success": false is accepted there.
func ParseClarifying(text string) (ClarifyingReply, error) {
	raw, err := decode(text)
	if err != nil {
		return ClarifyingReply{}, err
	}
	if *raw.Success {
		return ClarifyingReply{}, malformed("unexpected success in clarification reply")
	}
	return clarifying(raw)
}

// ParseReply decodes a reply to an answer prompt.
func ParseReply(text string) (Reply, error) {
	raw, err := decode(text)
	if err != nil {
		return nil, err
	}
	if !*raw.Success {
		return clarifying(raw)
	}
	sum := Summary{Obstacles: []string{}}
	if raw.Goal != nil {
		sum.Goal = strings.TrimSpace(raw.Goal.Content)
	}
	if sum.Goal == "" {
		return nil, malformed("summary without goal")
	}
	for _, o := range raw.Obstacles {
		if c := strings.TrimSpace(o.Content); c != "" {
			sum.Obstacles = append(sum.Obstacles, c)
		}
	}
	if len(sum.Obstacles) == 0 {
		return nil, malformed("summary without obstacles")
	}
	return SummaryReply{Response: strings.TrimSpace(*raw.Response), Summary: sum}, nil
}

func clarifying(raw rawReply) (ClarifyingReply, error) {
	resp := strings.TrimSpace(*raw.Response)
	if resp == "" {
		return ClarifyingReply{}, malformed("empty response")
	}
	return ClarifyingReply{Response: resp}, nil
}

func decode(text string) (rawReply, error) {
	var raw rawReply
	obj, ok := extractObject(text)
	if !ok {
		return raw, malformed("no json object in reply")
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return raw, malformed("decode reply: %v", err)
	}
	if raw.Success == nil {
		return raw, malformed("missing success")
	}
	if raw.Response == nil {
		return raw, malformed("missing response")
	}
	return raw, nil
}

// extractObject strips markdown code fences and returns the outermost
// {...} span of the text.
func extractObject(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// drop the language tag line, e.g. ```json
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
