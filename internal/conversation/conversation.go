// Package conversation holds the append-only transcript of a patient interview.
package conversation

import (
	"strings"
	"time"
)

// Speaker identifies who produced a turn
type Speaker string

const (
	System    Speaker = "system"
	User      Speaker = "user"
	Assistant Speaker = "assistant"
)

// Turn is a single conversation entry
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Conversation is an ordered list of turns whose first entry is the system instruction.
type Conversation struct {
	turns []Turn
}

// New creates a conversation seeded with the system instruction
func New(instruction string) *Conversation {
	return &Conversation{
		turns: []Turn{{Speaker: System, Text: instruction, At: time.Now()}},
	}
}

// AppendUser appends a student turn
func (c *Conversation) AppendUser(text string) {
	c.turns = append(c.turns, Turn{Speaker: User, Text: text, At: time.Now()})
}

// AppendAssistant appends a patient turn
func (c *Conversation) AppendAssistant(text string) {
	c.turns = append(c.turns, Turn{Speaker: Assistant, Text: text, At: time.Now()})
}

// Turns returns a copy of all turns, system instruction included
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Instruction returns the system instruction
func (c *Conversation) Instruction() string {
	return c.turns[0].Text
}

// UserTurns returns the student-authored lines in order.
func (c *Conversation) UserTurns() []string {
	var lines []string
	for _, t := range c.turns {
		if t.Speaker == User {
			lines = append(lines, t.Text)
		}
	}
	return lines
}

// UserTranscript joins the student-authored lines, one per line.
// System and assistant turns are never included.
func (c *Conversation) UserTranscript() string {
	return strings.Join(c.UserTurns(), "\n")
}

// Len returns the number of turns
func (c *Conversation) Len() int {
	return len(c.turns)
}
