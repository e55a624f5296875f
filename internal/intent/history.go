package intent

import (
	"strings"
	"unicode/utf8"
)

const (
	roleCustomer = "Customer"
	roleAgent    = "Agent"
)

// History is a chat transcript, one "Role: text" entry per line.
type History []string

// AddCustomer appends a customer line
func (h History) AddCustomer(text string) History {
	return append(h, roleCustomer+": "+oneLine(text))
}

// AddAgent appends an agent line
func (h History) AddAgent(text string) History {
	return append(h, roleAgent+": "+oneLine(text))
}

func (h History) String() string {
	return strings.Join(h, "\n")
}

// LastLines returns the final n lines joined
func (h History) LastLines(n int) string {
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return h.String()
}

// Tail returns the last n bytes of the transcript, cut on a rune boundary.
func (h History) Tail(n int) string {
	s := h.String()
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

// LastAgentMessage returns the most recent agent line without its prefix
func (h History) LastAgentMessage() string {
	prefix := roleAgent + ": "
	for i := len(h) - 1; i >= 0; i-- {
		if strings.HasPrefix(h[i], prefix) {
			return strings.TrimPrefix(h[i], prefix)
		}
	}
	return ""
}

// Limit keeps at most n most recent lines
func (h History) Limit(n int) History {
	if len(h) <= n {
		return h
	}
	out := make(History, n)
	copy(out, h[len(h)-n:])
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
