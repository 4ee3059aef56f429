package episode

import (
	"encoding/json"
	"fmt"
)

// CompletionMode enumerates the authored completion policies.
type CompletionMode string

const (
	ModeOpen        CompletionMode = "open"
	ModeTurnLimited CompletionMode = "turn_limited"
	ModeBeatGated   CompletionMode = "beat_gated"
	// ModeObjective is reserved. Templates may declare it but the
	// director never completes on it.
	ModeObjective CompletionMode = "objective"
)

// CompletionPolicy is a closed tagged variant so policy evaluation is an
// exhaustive switch rather than ad-hoc field inspection.
type CompletionPolicy struct {
	Mode CompletionMode `json:"mode"`
	// TurnBudget applies to ModeTurnLimited.
	TurnBudget int `json:"turn_budget,omitempty"`
	// RequiredBeat applies to ModeBeatGated.
	RequiredBeat string `json:"required_beat,omitempty"`
}

// Open returns the never-completing policy.
func Open() CompletionPolicy { return CompletionPolicy{Mode: ModeOpen} }

// TurnLimited returns a policy that completes once the turn budget is spent.
func TurnLimited(budget int) CompletionPolicy {
	return CompletionPolicy{Mode: ModeTurnLimited, TurnBudget: budget}
}

// BeatGated returns a policy that completes when the current beat matches.
func BeatGated(beat string) CompletionPolicy {
	return CompletionPolicy{Mode: ModeBeatGated, RequiredBeat: beat}
}

// Validate checks the variant's required fields.
func (p CompletionPolicy) Validate() error {
	switch p.Mode {
	case ModeOpen, ModeObjective, "":
		return nil
	case ModeTurnLimited:
		if p.TurnBudget <= 0 {
			return fmt.Errorf("turn_limited policy requires a positive turn_budget")
		}
		return nil
	case ModeBeatGated:
		if p.RequiredBeat == "" {
			return fmt.Errorf("beat_gated policy requires required_beat")
		}
		return nil
	default:
		return fmt.Errorf("unknown completion mode %q", p.Mode)
	}
}

// TurnSignal is one structured per-turn observation folded into the
// director state by game episodes.
type TurnSignal struct {
	Turn         int    `json:"turn"`
	Mood         string `json:"mood"`
	TensionShift int    `json:"tension_shift"`
}

const (
	maxMoodHistory = 10
	maxSignals     = 20
)

// DirectorState is the per-session mutable state owned by the director.
// It serializes as a single JSON column at the storage edge; nothing else
// re-parses it ad hoc.
type DirectorState struct {
	TensionLevel int          `json:"tension_level"`
	CurrentBeat  string       `json:"current_beat,omitempty"`
	MoodHistory  []string     `json:"mood_history,omitempty"`
	Signals      []TurnSignal `json:"signals,omitempty"`
}

// Fold absorbs one structured turn signal: tension shift is scaled x10 and
// clamped to [0,100], mood history keeps the last 10 entries, signals keep
// the last 20.
func (d *DirectorState) Fold(turn int, mood string, tensionShift int) {
	d.TensionLevel += tensionShift * 10
	if d.TensionLevel < 0 {
		d.TensionLevel = 0
	}
	if d.TensionLevel > 100 {
		d.TensionLevel = 100
	}
	if mood != "" {
		d.MoodHistory = append(d.MoodHistory, mood)
		if len(d.MoodHistory) > maxMoodHistory {
			d.MoodHistory = d.MoodHistory[len(d.MoodHistory)-maxMoodHistory:]
		}
	}
	d.Signals = append(d.Signals, TurnSignal{Turn: turn, Mood: mood, TensionShift: tensionShift})
	if len(d.Signals) > maxSignals {
		d.Signals = d.Signals[len(d.Signals)-maxSignals:]
	}
}

// MarshalSignals renders the accumulated signals for evaluation prompts.
func (d DirectorState) MarshalSignals() string {
	if len(d.Signals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(d.Signals)
	if err != nil {
		return "[]"
	}
	return string(b)
}
