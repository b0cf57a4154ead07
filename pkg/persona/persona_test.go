package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.NotEmpty(t, p.Greetings)
	assert.NotEmpty(t, p.InactivityWarning)
	assert.NotEmpty(t, p.ThreadClosed)
	assert.NotEmpty(t, p.ThreadEnded)
	assert.Contains(t, p.SummaryPrompt, ContextPlaceholder)
	assert.Equal(t, "User", p.Labels.User)
}

func TestParse_FillsDefaults(t *testing.T) {
	p, err := Parse([]byte(`
name: compliance
greetings:
  - "¡Hola! ¿En qué puedo ayudarte?"
thread_closed: "Hilo cerrado por inactividad."
labels:
  user: Usuario
`))
	require.NoError(t, err)

	assert.Equal(t, "compliance", p.Name)
	assert.Equal(t, []string{"¡Hola! ¿En qué puedo ayudarte?"}, p.Greetings)
	assert.Equal(t, "Hilo cerrado por inactividad.", p.ThreadClosed)
	assert.Equal(t, Default().InactivityWarning, p.InactivityWarning)
	assert.Equal(t, Default().ThreadEnded, p.ThreadEnded)
	assert.Equal(t, "Usuario", p.Labels.User)
	assert.Equal(t, "Assistant", p.Labels.Assistant)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("greetings: [unterminated"))
	assert.Error(t, err)

	_, err = Parse([]byte(`summary_prompt: "no placeholder here"`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\n"), 0600))
	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file", p.Name)
}

func TestStore(t *testing.T) {
	s := NewStore(Persona{
		Greetings:         []string{"hey"},
		InactivityWarning: "warn",
		ThreadClosed:      "closed",
		ErrorMessage:      "oops",
		SummaryPrompt:     "sum: {context}",
		Labels:            LabelsConfig{User: "U"},
	})

	assert.Equal(t, "hey", s.Greeting())
	assert.Equal(t, "warn", s.WarningText())
	assert.Equal(t, "closed", s.ClosingText())
	assert.Equal(t, "oops", s.ErrorText())
	assert.Equal(t, Default().SystemPrompt, s.System())
	assert.Equal(t, "sum: User: hi", s.SummaryPrompt("User: hi"))

	labels := s.Labels()
	assert.Equal(t, "U", labels.User)
	assert.Equal(t, "Assistant", labels.Assistant)

	s.Set(Persona{ThreadClosed: "bye"})
	assert.Equal(t, "bye", s.ClosingText())
	assert.Equal(t, Default().InactivityWarning, s.WarningText())
}
