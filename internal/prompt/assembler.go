// Package prompt turns a user's stored memory and a new message into the
// ordered message list sent to the completion API.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/memory"
)

const (
	// DefaultWindow is the number of history turns included in a prompt.
	DefaultWindow = 10
	// DefaultBotName is the persona name used in the system prompt.
	DefaultBotName = "Dil Ranjan"
	// DefaultPlaceholder stands in for empty personal info.
	DefaultPlaceholder = "Abhi zyada pata nahi"
	// DateLayout renders the current date for temporal grounding.
	DateLayout = "02 January 2006, Monday"
)

//go:embed persona.tmpl
var defaultPersona string

// Config holds assembler settings. Zero values fall back to the defaults.
type Config struct {
	BotName     string
	Window      int
	Placeholder string
	// Persona is a text/template for the system prompt. It may reference
	// .BotName, .UserName, .Date and .PersonalInfo.
	Persona string
}

// personaData is the template input for the system prompt.
type personaData struct {
	BotName      string
	UserName     string
	Date         string
	PersonalInfo string
}

// Assembler builds prompts. It is safe for concurrent use.
type Assembler struct {
	botName     string
	window      int
	placeholder string
	persona     atomic.Pointer[template.Template]
}

// NewAssembler validates cfg and returns an Assembler.
func NewAssembler(cfg Config) (*Assembler, error) {
	a := &Assembler{
		botName:     cfg.BotName,
		window:      cfg.Window,
		placeholder: cfg.Placeholder,
	}
	if a.botName == "" {
		a.botName = DefaultBotName
	}
	if a.window <= 0 {
		a.window = DefaultWindow
	}
	if a.placeholder == "" {
		a.placeholder = DefaultPlaceholder
	}

	if err := a.SetPersona(cfg.Persona); err != nil {
		return nil, err
	}
	return a, nil
}

// SetPersona validates and installs a new persona template. Blank text
// restores the built-in persona. On error the current persona is kept.
func (a *Assembler) SetPersona(text string) error {
	if strings.TrimSpace(text) == "" {
		text = defaultPersona
	}
	tmpl, err := template.New("persona").Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse persona template: %w", err)
	}
	if err := tmpl.Execute(&strings.Builder{}, personaData{}); err != nil {
		return fmt.Errorf("persona template: %w", err)
	}
	a.persona.Store(tmpl)
	return nil
}

// Window returns the number of history turns included per prompt.
func (a *Assembler) Window() int {
	return a.window
}

// Assemble returns the system entry, the last Window turns of state's
// history in chronological order, and the new user message.
func (a *Assembler) Assemble(userName string, state memory.UserState, message string, now time.Time) []llm.Message {
	history := state.History
	if len(history) > a.window {
		history = history[len(history)-a.window:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.System(userName, state.PersonalInfo, now)})
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: llm.Role(turn.Role), Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})
	return messages
}

// System renders the persona system prompt.
func (a *Assembler) System(userName, personalInfo string, now time.Time) string {
	if strings.TrimSpace(personalInfo) == "" {
		personalInfo = a.placeholder
	}
	data := personaData{
		BotName:      a.botName,
		UserName:     userName,
		Date:         now.Format(DateLayout),
		PersonalInfo: personalInfo,
	}

	var b strings.Builder
	if err := a.persona.Load().Execute(&b, data); err != nil {
		// Unreachable for templates accepted by SetPersona.
		return fmt.Sprintf("You are %s, %s's personal assistant. Today is %s.", data.BotName, data.UserName, data.Date)
	}
	return b.String()
}
