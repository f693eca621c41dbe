package emergency

import (
	"strings"
	"time"
	"unicode"
)

// negationWindow is how many preceding words in the same clause are checked
// for a negator.
const negationWindow = 3

var negators = map[string]bool{
	"no": true, "not": true, "never": true, "didn't": true, "don't": true,
	"haven't": true, "hasn't": true, "wasn't": true, "isn't": true, "without": true,
}

// Utterance is one finalized turn of conversation offered for scanning.
type Utterance struct {
	CallID  string
	Turn    int
	Patient bool
	FromSeq int
	ToSeq   int
	Text    string
}

// Span is the range of transcript sequence numbers that triggered a signal.
type Span struct {
	FromSeq int
	ToSeq   int
}

// Signal is a candidate emergency found in one turn.
type Signal struct {
	CallID     string
	Category   string
	Confidence float64
	Span       Span
	Excerpt    string
	Matched    []string
	DetectedAt time.Time
}

// Detector scans finalized turns against a configured taxonomy. It holds no
// mutable state and is safe for concurrent use.
type Detector struct {
	categories []compiledCategory
	now        func() time.Time
}

// NewDetector compiles the taxonomy into a detector.
func NewDetector(cats []Category) (*Detector, error) {
	compiled, err := compile(cats)
	if err != nil {
		return nil, err
	}
	return &Detector{categories: compiled, now: time.Now}, nil
}

// Categories returns the configured category names.
func (d *Detector) Categories() []string {
	names := make([]string, len(d.categories))
	for i, c := range d.categories {
		names[i] = c.name
	}
	return names
}

// Scan returns at most one signal per category for the utterance. Only
// patient speech is scanned.
func (d *Detector) Scan(u Utterance) []Signal {
	if !u.Patient || strings.TrimSpace(u.Text) == "" {
		return nil
	}
	norm := normalize(u.Text)
	toks := tokenize(norm)

	var out []Signal
	for _, c := range d.categories {
		miss := 1.0
		var matched []string
		for _, p := range c.phrases {
			if matchPhrase(p, norm, toks) {
				miss *= 1 - p.weight
				matched = append(matched, p.label)
			}
		}
		conf := 1 - miss
		if len(matched) == 0 || conf < c.threshold {
			continue
		}
		out = append(out, Signal{
			CallID:     u.CallID,
			Category:   c.name,
			Confidence: conf,
			Span:       Span{FromSeq: u.FromSeq, ToSeq: u.ToSeq},
			Excerpt:    excerpt(u.Text),
			Matched:    matched,
			DetectedAt: d.now(),
		})
	}
	return out
}

// matchPhrase reports whether p occurs un-negated anywhere in the text.
func matchPhrase(p compiledPhrase, norm string, toks []token) bool {
	if p.pattern != nil {
		for _, loc := range p.pattern.FindAllStringIndex(norm, -1) {
			idx := tokenAt(toks, loc[0])
			if idx >= 0 && !negated(toks, idx) {
				return true
			}
		}
		return false
	}
	n := len(p.words)
	for i := 0; i+n <= len(toks); i++ {
		ok := true
		for j := 0; j < n; j++ {
			if toks[i+j].word != p.words[j] || toks[i+j].clause != toks[i].clause {
				ok = false
				break
			}
		}
		if ok && !negated(toks, i) {
			return true
		}
	}
	return false
}

func negated(toks []token, idx int) bool {
	clause := toks[idx].clause
	for k := idx - 1; k >= 0 && k >= idx-negationWindow; k-- {
		if toks[k].clause != clause {
			return false
		}
		if negators[toks[k].word] {
			return true
		}
	}
	return false
}

type token struct {
	word   string
	start  int
	clause int
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

// tokenize splits normalized text into words. Clause boundaries at
// sentence punctuation stop negation from crossing into the next clause.
func tokenize(s string) []token {
	s = normalize(s)
	var toks []token
	clause := 0
	start := -1
	flush := func(end int) {
		if start >= 0 {
			w := strings.Trim(s[start:end], "'")
			if w != "" {
				toks = append(toks, token{word: w, start: start, clause: clause})
			}
			start = -1
		}
	}
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			if start < 0 {
				start = i
			}
		default:
			flush(i)
			if strings.ContainsRune(".,;!?:", r) {
				clause++
			}
		}
	}
	flush(len(s))
	return toks
}

func wordsOf(toks []token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.word
	}
	return out
}

// tokenAt returns the index of the first token starting at or after offset.
func tokenAt(toks []token, offset int) int {
	for i, t := range toks {
		if t.start >= offset {
			return i
		}
	}
	return -1
}

func excerpt(s string) string {
	const max = 240
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
