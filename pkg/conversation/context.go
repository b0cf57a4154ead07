package conversation

import "strings"

// Labels controls how BuildContext renders roles and the summary line.
type Labels struct {
	User          string
	Assistant     string
	SummaryPrefix string
}

// DefaultLabels returns the English labels used when no persona overrides them.
func DefaultLabels() Labels {
	return Labels{
		User:          "User",
		Assistant:     "Assistant",
		SummaryPrefix: "Previous conversation summary: ",
	}
}

func (l Labels) withDefaults() Labels {
	def := DefaultLabels()
	if l.User == "" {
		l.User = def.User
	}
	if l.Assistant == "" {
		l.Assistant = def.Assistant
	}
	if l.SummaryPrefix == "" {
		l.SummaryPrefix = def.SummaryPrefix
	}
	return l
}

func (l Labels) role(r Role) string {
	if r == RoleUser {
		return l.User
	}
	return l.Assistant
}

// BuildContext renders the summary (when set) followed by the most recent
// maxMessages messages, oldest first, one per line. A non-positive
// maxMessages renders only the summary.
func BuildContext(s Session, maxMessages int, labels Labels) string {
	labels = labels.withDefaults()

	recent := s.Messages
	if maxMessages <= 0 {
		recent = nil
	} else if len(recent) > maxMessages {
		recent = recent[len(recent)-maxMessages:]
	}

	parts := make([]string, 0, len(recent)+1)
	if s.ContextSummary != "" {
		parts = append(parts, labels.SummaryPrefix+s.ContextSummary)
	}
	for _, msg := range recent {
		parts = append(parts, labels.role(msg.Role)+": "+msg.Content)
	}
	return strings.Join(parts, "\n")
}
