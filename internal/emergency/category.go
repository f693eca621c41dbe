package emergency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// ErrInvalidCategories is returned when a category taxonomy fails to load.
var ErrInvalidCategories = errors.New("invalid emergency categories")

// Category is one configured class of emergency content.
type Category struct {
	Name string `json:"name"`
	// Threshold is the minimum combined confidence that produces a signal.
	Threshold float64  `json:"threshold"`
	Phrases   []Phrase `json:"phrases"`
}

// Phrase is either a literal word sequence or a regular expression applied
// to the normalized utterance. Weight is the confidence a single match
// contributes.
type Phrase struct {
	Text    string  `json:"text,omitempty"`
	Pattern string  `json:"pattern,omitempty"`
	Weight  float64 `json:"weight"`
}

// DefaultCategories is the taxonomy used when no file is configured.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:      "fall_risk",
			Threshold: 0.6,
			Phrases: []Phrase{
				{Text: "i fell", Weight: 0.8},
				{Text: "i have fallen", Weight: 0.8},
				{Text: "can't get up", Weight: 0.9},
				{Text: "on the floor", Weight: 0.5},
				{Pattern: `\b(slipped|tripped) (in|on|over)\b`, Weight: 0.6},
				{Text: "feeling dizzy", Weight: 0.4},
			},
		},
		{
			Name:      "medical_distress",
			Threshold: 0.6,
			Phrases: []Phrase{
				{Text: "chest pain", Weight: 0.9},
				{Pattern: `\b(can't|cannot|can not) breathe\b`, Weight: 0.95},
				{Text: "short of breath", Weight: 0.7},
				{Text: "call an ambulance", Weight: 0.95},
				{Text: "numb on one side", Weight: 0.8},
				{Text: "bleeding", Weight: 0.5},
			},
		},
		{
			Name:      "medication_issue",
			Threshold: 0.6,
			Phrases: []Phrase{
				{Pattern: `\b(ran|run|running) out of (my )?(pills|medication|medicine|meds)\b`, Weight: 0.8},
				{Pattern: `\b(took|taken) (too many|double|extra) (pills|doses?)\b`, Weight: 0.9},
				{Pattern: `\b(forgot|missed) (to take )?my (pills|medication|medicine|meds)\b`, Weight: 0.6},
			},
		},
		{
			Name:      "emotional_crisis",
			Threshold: 0.7,
			Phrases: []Phrase{
				{Text: "want to die", Weight: 0.95},
				{Text: "hurt myself", Weight: 0.9},
				{Text: "no reason to live", Weight: 0.9},
				{Text: "so lonely", Weight: 0.3},
			},
		},
	}
}

// LoadCategories reads a JSON array of categories from path.
func LoadCategories(path string) ([]Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading categories file: %w", err)
	}
	return ParseCategories(data)
}

// ParseCategories decodes and validates a JSON category taxonomy. Unknown
// fields are rejected.
func ParseCategories(data []byte) ([]Category, error) {
	var cats []Category
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cats); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrInvalidCategories, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCategories)
	}
	if _, err := compile(cats); err != nil {
		return nil, err
	}
	return cats, nil
}

type compiledPhrase struct {
	words   []string
	pattern *regexp.Regexp
	weight  float64
	label   string
}

type compiledCategory struct {
	name      string
	threshold float64
	phrases   []compiledPhrase
}

func compile(cats []Category) ([]compiledCategory, error) {
	if len(cats) == 0 {
		return nil, fmt.Errorf("%w: no categories", ErrInvalidCategories)
	}
	seen := make(map[string]bool, len(cats))
	out := make([]compiledCategory, 0, len(cats))
	for _, c := range cats {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: category without name", ErrInvalidCategories)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidCategories, name)
		}
		seen[name] = true
		if c.Threshold <= 0 || c.Threshold > 1 {
			return nil, fmt.Errorf("%w: category %q threshold must be within (0, 1]", ErrInvalidCategories, name)
		}
		if len(c.Phrases) == 0 {
			return nil, fmt.Errorf("%w: category %q has no phrases", ErrInvalidCategories, name)
		}
		cc := compiledCategory{name: name, threshold: c.Threshold}
		for i, p := range c.Phrases {
			if p.Weight <= 0 || p.Weight > 1 {
				return nil, fmt.Errorf("%w: category %q phrase %d weight must be within (0, 1]", ErrInvalidCategories, name, i)
			}
			switch {
			case p.Text != "" && p.Pattern != "":
				return nil, fmt.Errorf("%w: category %q phrase %d sets both text and pattern", ErrInvalidCategories, name, i)
			case p.Text != "":
				words := tokenize(p.Text)
				if len(words) == 0 {
					return nil, fmt.Errorf("%w: category %q phrase %d is empty", ErrInvalidCategories, name, i)
				}
				cc.phrases = append(cc.phrases, compiledPhrase{words: wordsOf(words), weight: p.Weight, label: p.Text})
			case p.Pattern != "":
				re, err := regexp.Compile(p.Pattern)
				if err != nil {
					return nil, fmt.Errorf("%w: category %q phrase %d: %v", ErrInvalidCategories, name, i, err)
				}
				cc.phrases = append(cc.phrases, compiledPhrase{pattern: re, weight: p.Weight, label: p.Pattern})
			default:
				return nil, fmt.Errorf("%w: category %q phrase %d needs text or pattern", ErrInvalidCategories, name, i)
			}
		}
		out = append(out, cc)
	}
	return out, nil
}
