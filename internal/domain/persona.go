// Package domain contains core domain types for the doctor chat client.
package domain

import (
	"fmt"
	"strings"
)

// Persona selects the AI doctor character and the remote history resource path.
type Persona string

const (
	// PersonaHealthCoach is the general practitioner character.
	PersonaHealthCoach Persona = "health_coach"
	// PersonaPregnancyCoach is the gynecologist character.
	PersonaPregnancyCoach Persona = "pregnancy_coach"
)

// Personas lists every selectable persona in display order.
var Personas = []Persona{PersonaHealthCoach, PersonaPregnancyCoach}

// ParsePersona resolves a wire value or a display alias to a Persona.
func ParsePersona(s string) (Persona, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(PersonaHealthCoach), "general_practitioner", "general", "gp":
		return PersonaHealthCoach, nil
	case string(PersonaPregnancyCoach), "gynecologist", "gyno":
		return PersonaPregnancyCoach, nil
	default:
		return "", fmt.Errorf("unknown persona %q", s)
	}
}

// Valid reports whether p is one of the known personas.
func (p Persona) Valid() bool {
	return p == PersonaHealthCoach || p == PersonaPregnancyCoach
}

// Title returns the human-facing name of the persona.
func (p Persona) Title() string {
	switch p {
	case PersonaHealthCoach:
		return "General Practitioner"
	case PersonaPregnancyCoach:
		return "Gynecologist"
	default:
		return string(p)
	}
}
