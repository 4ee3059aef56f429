// Package character defines the content-authored character roster and the
// user profile records the conversation core operates on. Characters are
// read-only inputs from the orchestration core's point of view; they are
// seeded by content tooling outside this repository.
package character

import "time"

// Character is a chattable persona with an authored system prompt.
type Character struct {
	ID string `json:"id"`
	// Name is the display name used in prompts and transcripts.
	Name string `json:"name"`
	// Tagline is a one-line pitch shown in listings.
	Tagline string `json:"tagline,omitempty"`
	// SystemPrompt is the full persona instruction block sent as the
	// system message of every turn.
	SystemPrompt string `json:"system_prompt"`
	// PersonaNotes holds static persona facts interpolated into prompts
	// (speech quirks, backstory anchors).
	PersonaNotes string `json:"persona_notes,omitempty"`
	// Greeting is the opener used when a conversation has no template.
	Greeting  string    `json:"greeting,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the minimal profile row the core lazily ensures exists before
// the first message is persisted.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
