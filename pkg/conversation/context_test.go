package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func contextSession(n int) Session {
	s := Session{ThreadID: "t1"}
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		s.Messages = append(s.Messages, Message{Content: string(rune('a' + i)), Role: role})
	}
	return s
}

func TestBuildContext(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		max     int
		want    string
	}{
		{
			name:    "empty session",
			session: Session{},
			max:     10,
			want:    "",
		},
		{
			name:    "all messages",
			session: contextSession(3),
			max:     10,
			want:    "User: a\nAssistant: b\nUser: c",
		},
		{
			name:    "tail only",
			session: contextSession(5),
			max:     2,
			want:    "Assistant: d\nUser: e",
		},
		{
			name:    "summary first",
			session: func() Session { s := contextSession(1); s.ContextSummary = "sum"; return s }(),
			max:     10,
			want:    "Previous conversation summary: sum\nUser: a",
		},
		{
			name:    "zero max keeps summary only",
			session: func() Session { s := contextSession(2); s.ContextSummary = "sum"; return s }(),
			max:     0,
			want:    "Previous conversation summary: sum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildContext(tt.session, tt.max, Labels{}))
		})
	}
}

func TestBuildContext_CustomLabels(t *testing.T) {
	s := contextSession(2)
	s.ContextSummary = "x"
	got := BuildContext(s, 10, Labels{User: "U", Assistant: "A", SummaryPrefix: "S> "})
	assert.Equal(t, "S> x\nU: a\nA: b", got)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.False(t, Role("system").Valid())
}
