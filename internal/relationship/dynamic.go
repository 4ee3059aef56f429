package relationship

const (
	maxRecentBeats = 10
	toneWindow     = 5
)

// Advance folds one classified beat into the dynamic and returns the new
// state. It is a pure function of its inputs: beats keep the last 10,
// tension is clamped to [0,100], and tone is re-derived from the dominant
// beat of the last 5 entries modulated by the tension band.
func Advance(d Dynamic, beat string, tensionChange int) Dynamic {
	if beat != "" {
		d.RecentBeats = append(append([]string(nil), d.RecentBeats...), beat)
		if len(d.RecentBeats) > maxRecentBeats {
			d.RecentBeats = d.RecentBeats[len(d.RecentBeats)-maxRecentBeats:]
		}
	} else {
		d.RecentBeats = append([]string(nil), d.RecentBeats...)
	}

	d.TensionLevel += tensionChange
	if d.TensionLevel < 0 {
		d.TensionLevel = 0
	}
	if d.TensionLevel > 100 {
		d.TensionLevel = 100
	}

	d.Tone = deriveTone(d.RecentBeats, d.TensionLevel)
	return d
}

// AddMilestone appends the milestone if not already present. Idempotent.
func AddMilestone(milestones []string, name string) []string {
	if name == "" {
		return milestones
	}
	for _, m := range milestones {
		if m == name {
			return milestones
		}
	}
	return append(append([]string(nil), milestones...), name)
}

// deriveTone picks a tone from the dominant beat among the last few
// entries, modulated by the tension band. Ties between equally frequent
// beats resolve first-seen-wins.
func deriveTone(beats []string, tension int) string {
	window := beats
	if len(window) > toneWindow {
		window = window[len(window)-toneWindow:]
	}
	dominant := dominantBeat(window)

	switch {
	case tension > 70:
		switch dominant {
		case "conflict", "tense":
			return "heated"
		case "flirty":
			return "charged"
		default:
			return "intense"
		}
	case tension >= 50:
		switch dominant {
		case "flirty", "playful":
			return "flirty"
		case "vulnerable":
			return "intimate"
		default:
			return "engaged"
		}
	case tension >= 30:
		switch dominant {
		case "playful":
			return "playful"
		case "flirty":
			return "flirty"
		default:
			return "warm"
		}
	default:
		switch dominant {
		case "supportive", "comfort":
			return "comfortable"
		default:
			return "relaxed"
		}
	}
}

func dominantBeat(window []string) string {
	if len(window) == 0 {
		return ""
	}
	counts := make(map[string]int, len(window))
	order := make([]string, 0, len(window))
	for _, b := range window {
		if _, seen := counts[b]; !seen {
			order = append(order, b)
		}
		counts[b]++
	}
	best := order[0]
	for _, b := range order[1:] {
		if counts[b] > counts[best] {
			best = b
		}
	}
	return best
}
