package persona

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/harun/threadkeeper/pkg/conversation"
	"gopkg.in/yaml.v3"
)

// ContextPlaceholder is replaced by the conversation text in SummaryPrompt.
const ContextPlaceholder = "{context}"

// Persona holds every user-facing text the daemon sends on its own.
type Persona struct {
	Name              string       `yaml:"name"`
	SystemPrompt      string       `yaml:"system_prompt"`
	Greetings         []string     `yaml:"greetings"`
	InactivityWarning string       `yaml:"inactivity_warning"`
	ThreadClosed      string       `yaml:"thread_closed"`
	ThreadEnded       string       `yaml:"thread_ended"`
	ErrorMessage      string       `yaml:"error_message"`
	SummaryPrompt     string       `yaml:"summary_prompt"`
	Labels            LabelsConfig `yaml:"labels"`
}

type LabelsConfig struct {
	User          string `yaml:"user"`
	Assistant     string `yaml:"assistant"`
	SummaryPrefix string `yaml:"summary_prefix"`
}

// Default returns the built-in English persona.
func Default() Persona {
	labels := conversation.DefaultLabels()
	notices := conversation.DefaultNotices()
	return Persona{
		Name:         "threadkeeper",
		SystemPrompt: "You are a helpful assistant. Answer concisely and keep track of the conversation so far.",
		Greetings: []string{
			"Hi! How can I help you today?",
			"Hello! What can I do for you?",
		},
		InactivityWarning: notices.WarningText(),
		ThreadClosed:      notices.ClosingText(),
		ThreadEnded:       "Conversation closed. Send a new message whenever you want to start again.",
		ErrorMessage:      "Sorry, something went wrong while answering. Please try again in a moment.",
		SummaryPrompt: "Summarize the following conversation in two or three sentences, keeping the key facts and open questions.\n\n" +
			"Conversation:\n" + ContextPlaceholder + "\n\nSummary:",
		Labels: LabelsConfig{
			User:          labels.User,
			Assistant:     labels.Assistant,
			SummaryPrefix: labels.SummaryPrefix,
		},
	}
}

// withDefaults fills empty fields from Default.
func (p Persona) withDefaults() Persona {
	def := Default()
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = def.SystemPrompt
	}
	if len(p.Greetings) == 0 {
		p.Greetings = def.Greetings
	}
	if p.InactivityWarning == "" {
		p.InactivityWarning = def.InactivityWarning
	}
	if p.ThreadClosed == "" {
		p.ThreadClosed = def.ThreadClosed
	}
	if p.ThreadEnded == "" {
		p.ThreadEnded = def.ThreadEnded
	}
	if p.ErrorMessage == "" {
		p.ErrorMessage = def.ErrorMessage
	}
	if p.SummaryPrompt == "" {
		p.SummaryPrompt = def.SummaryPrompt
	}
	if p.Labels.User == "" {
		p.Labels.User = def.Labels.User
	}
	if p.Labels.Assistant == "" {
		p.Labels.Assistant = def.Labels.Assistant
	}
	if p.Labels.SummaryPrefix == "" {
		p.Labels.SummaryPrefix = def.Labels.SummaryPrefix
	}
	return p
}

// Parse decodes a YAML persona. Missing fields take the defaults.
func Parse(data []byte) (Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("failed to parse persona: %w", err)
	}
	if p.SummaryPrompt != "" && !strings.Contains(p.SummaryPrompt, ContextPlaceholder) {
		return Persona{}, fmt.Errorf("summary_prompt must contain %s", ContextPlaceholder)
	}
	return p.withDefaults(), nil
}

// LoadFile reads and parses the persona at path.
func LoadFile(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("failed to read persona file: %w", err)
	}
	return Parse(data)
}

// Store serves the current persona and can be swapped at runtime. It
// implements conversation.Notices.
type Store struct {
	mu sync.RWMutex
	p  Persona
}

func NewStore(p Persona) *Store {
	return &Store{p: p.withDefaults()}
}

// Set replaces the persona.
func (s *Store) Set(p Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p.withDefaults()
}

// Get returns the current persona.
func (s *Store) Get() Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Greeting picks one of the greetings at random.
func (s *Store) Greeting() string {
	p := s.Get()
	return p.Greetings[rand.Intn(len(p.Greetings))]
}

func (s *Store) WarningText() string { return s.Get().InactivityWarning }
func (s *Store) ClosingText() string { return s.Get().ThreadClosed }
func (s *Store) EndedText() string   { return s.Get().ThreadEnded }
func (s *Store) ErrorText() string   { return s.Get().ErrorMessage }
func (s *Store) System() string      { return s.Get().SystemPrompt }

// SummaryPrompt embeds the conversation text in the summary prompt.
func (s *Store) SummaryPrompt(conversationText string) string {
	return strings.ReplaceAll(s.Get().SummaryPrompt, ContextPlaceholder, conversationText)
}

// Labels returns the role labels for conversation.BuildContext.
func (s *Store) Labels() conversation.Labels {
	l := s.Get().Labels
	return conversation.Labels{
		User:          l.User,
		Assistant:     l.Assistant,
		SummaryPrefix: l.SummaryPrefix,
	}
}

var _ conversation.Notices = (*Store)(nil)
