// Package directive parses inline control directives embedded in user
// text, such as "[s:new]" to reset the session or "[a:weather-bot]" to
// switch agents.
package directive

import (
	"regexp"
	"strings"
)

// SessionCommand is the session control parsed from a directive group.
type SessionCommand int

const (
	// SessionNone means the text carried no session directive.
	SessionNone SessionCommand = iota
	// SessionNew forces a fresh session for this request.
	SessionNew
)

// Result is the outcome of scanning one text for directives.
type Result struct {
	// Text is the input with all directive groups stripped and
	// surrounding whitespace trimmed.
	Text string
	// Session is the parsed session command, if any.
	Session SessionCommand
	// AgentID is the agent override with its original casing, or ""
	// when no agent directive was present.
	AgentID string
}

// groupRe matches one bracketed directive group: "[k:v]" or "[k:v;k:v]".
// Bracket groups without a colon (e.g. "[sic]") are left alone.
var groupRe = regexp.MustCompile(`\[([^\[\]:]+:[^\[\]]*)\]`)

// Extract scans text for bracketed directive groups. Keys and
// recognized control values match case-insensitively; free-form values
// (agent identifiers) keep their original casing. Unrecognized keys and
// values are ignored, not errors. All matched groups are removed from
// the returned text. Pure function: idempotent on text without
// directives.
func Extract(text string) Result {
	res := Result{}

	cleaned := groupRe.ReplaceAllStringFunc(text, func(group string) string {
		body := group[1 : len(group)-1]
		for _, pair := range strings.Split(body, ";") {
			key, value, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.TrimSpace(value)

			switch key {
			case "s", "session":
				switch strings.ToLower(value) {
				case "new", "n":
					res.Session = SessionNew
				}
			case "a", "agent":
				if value != "" && res.AgentID == "" {
					res.AgentID = value
				}
			}
		}
		return ""
	})

	res.Text = strings.TrimSpace(collapseGaps(cleaned))
	return res
}

// collapseGaps squeezes the double spaces left behind when a directive
// is removed from the middle of a sentence.
func collapseGaps(s string) string {
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return s
}
