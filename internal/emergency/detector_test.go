package emergency

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultCategories())
	require.NoError(t, err)
	return d
}

func categoriesOf(signals []Signal) []string {
	var out []string
	for _, s := range signals {
		out = append(out, s.Category)
	}
	return out
}

func TestScanMatchesConfiguredPhrases(t *testing.T) {
	d := newDefaultDetector(t)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"fall", "Well, I fell in the kitchen this morning and I can't get up easily.", []string{"fall_risk"}},
		{"chest pain", "I've had some chest pain since lunch", []string{"medical_distress"}},
		{"breathing pattern", "Sometimes I cannot breathe at night", []string{"medical_distress"}},
		{"medication", "I ran out of my pills on Tuesday", []string{"medication_issue"}},
		{"curly apostrophe", "I can’t get up off the couch", []string{"fall_risk"}},
		{"nothing", "The weather is lovely and my grandson visited.", nil},
		{"below threshold", "I feel so lonely sometimes", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Scan(Utterance{CallID: "c", Turn: 1, Patient: true, FromSeq: 3, ToSeq: 4, Text: tt.text})
			assert.Equal(t, tt.want, categoriesOf(got))
			for _, s := range got {
				assert.Equal(t, Span{FromSeq: 3, ToSeq: 4}, s.Span)
				assert.GreaterOrEqual(t, s.Confidence, 0.6)
				assert.NotEmpty(t, s.Matched)
			}
		})
	}
}

func TestScanIgnoresNegatedPhrases(t *testing.T) {
	d := newDefaultDetector(t)

	got := d.Scan(Utterance{CallID: "c", Patient: true, Text: "I have not had any chest pain this week"})
	assert.Empty(t, got)

	// A negator in an earlier clause does not suppress the match.
	got = d.Scan(Utterance{CallID: "c", Patient: true, Text: "No, I fell down the stairs"})
	assert.Equal(t, []string{"fall_risk"}, categoriesOf(got))
}

func TestScanSkipsAISpeech(t *testing.T) {
	d := newDefaultDetector(t)
	got := d.Scan(Utterance{CallID: "c", Patient: false, Text: "Have you had any chest pain or did you fall?"})
	assert.Empty(t, got)
}

func TestScanOneSignalPerCategory(t *testing.T) {
	d := newDefaultDetector(t)
	got := d.Scan(Utterance{CallID: "c", Patient: true, Text: "I fell, I fell again, I can't get up, I'm on the floor"})
	require.Len(t, got, 1)
	assert.Equal(t, "fall_risk", got[0].Category)
	assert.InDelta(t, 1-(0.2*0.1*0.5), got[0].Confidence, 1e-9)
}

func TestParseCategories(t *testing.T) {
	valid := `[{"name":"wandering","threshold":0.5,"phrases":[{"text":"got lost","weight":0.7}]}]`
	cats, err := ParseCategories([]byte(valid))
	require.NoError(t, err)
	d, err := NewDetector(cats)
	require.NoError(t, err)
	assert.Equal(t, []string{"wandering"}, d.Categories())
	got := d.Scan(Utterance{Patient: true, Text: "I got lost walking home"})
	assert.Equal(t, []string{"wandering"}, categoriesOf(got))

	bad := []string{
		`[]`,
		`[{"name":"x","threshold":0.5,"phrases":[{"text":"a","weight":0.5}],"severity":3}]`,
		`[{"name":"x","threshold":0,"phrases":[{"text":"a","weight":0.5}]}]`,
		`[{"name":"x","threshold":0.5,"phrases":[]}]`,
		`[{"name":"x","threshold":0.5,"phrases":[{"pattern":"(","weight":0.5}]}]`,
		`[{"name":"x","threshold":0.5,"phrases":[{"text":"a","pattern":"a","weight":0.5}]}]`,
		`[{"name":"x","threshold":0.5,"phrases":[{"text":"a","weight":2}]}]`,
		`[{"name":"x","threshold":0.5,"phrases":[{"text":"a","weight":0.5}]},{"name":"x","threshold":0.5,"phrases":[{"text":"b","weight":0.5}]}]`,
	}
	for _, raw := range bad {
		_, err := ParseCategories([]byte(raw))
		if assert.Error(t, err, raw) {
			assert.True(t, errors.Is(err, ErrInvalidCategories), raw)
		}
	}
}
