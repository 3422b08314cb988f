package triage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeywordLevel maps a priority to the subject keywords that imply it.
type KeywordLevel struct {
	Priority Priority
	Keywords []string
}

// KeywordTable is the immutable keyword-to-priority table used by the rule
// engine's keyword boost. The zero value boosts nothing.
type KeywordTable struct {
	levels []KeywordLevel
}

// NewKeywordTable validates and copies levels. Keywords are lowercased.
func NewKeywordTable(levels []KeywordLevel) (KeywordTable, error) {
	out := make([]KeywordLevel, 0, len(levels))
	for _, l := range levels {
		if !l.Priority.Valid() {
			return KeywordTable{}, fmt.Errorf("%w: keyword priority %q", ErrValidation, l.Priority)
		}
		kws := make([]string, 0, len(l.Keywords))
		for _, k := range l.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				kws = append(kws, k)
			}
		}
		out = append(out, KeywordLevel{Priority: l.Priority, Keywords: kws})
	}
	return KeywordTable{levels: out}, nil
}

// DefaultKeywordTable returns the built-in keyword table.
func DefaultKeywordTable() KeywordTable {
	t, _ := NewKeywordTable([]KeywordLevel{
		{PriorityUrgent, []string{"urgent", "asap", "immediate", "critical", "emergency"}},
		{PriorityHigh, []string{"important", "priority", "deadline", "today"}},
		{PriorityMedium, []string{"please review", "feedback", "update"}},
		{PriorityLow, []string{"fyi", "newsletter", "notification"}},
	})
	return t
}

// Match returns the highest priority whose keywords appear in subject.
func (t KeywordTable) Match(subject string) (Priority, bool) {
	s := strings.ToLower(subject)
	var best Priority
	for _, l := range t.levels {
		if l.Priority.Level() <= best.Level() {
			continue
		}
		for _, k := range l.Keywords {
			if strings.Contains(s, k) {
				best = l.Priority
				break
			}
		}
	}
	return best, best != ""
}

// Levels returns a copy of the table contents.
func (t KeywordTable) Levels() []KeywordLevel {
	out := make([]KeywordLevel, len(t.levels))
	for i, l := range t.levels {
		out[i] = KeywordLevel{Priority: l.Priority, Keywords: append([]string(nil), l.Keywords...)}
	}
	return out
}

type instructionKey struct {
	tone   Tone
	length Length
}

// InstructionTable holds the system instruction for every {tone, length}
// pair. It is immutable after construction.
type InstructionTable struct {
	entries map[instructionKey]string
}

var defaultToneGuidance = map[Tone]string{
	ToneProfessional: "Write in a professional, courteous business tone.",
	ToneCasual:       "Write in a friendly, relaxed and conversational tone.",
	ToneFormal:       "Write in a formal tone with complete sentences and a proper salutation and sign-off.",
	ToneConcise:      "Be direct and to the point. Skip pleasantries that do not carry information.",
}

var defaultLengthGuidance = map[Length]string{
	LengthShort:  "Keep the reply to two or three sentences.",
	LengthMedium: "Keep the reply to one or two short paragraphs.",
	LengthLong:   "Write a thorough reply of several paragraphs that addresses every point raised.",
}

const instructionPreamble = "You draft email replies on behalf of the recipient. Reply only with the body of the email, no subject line."

// NewInstructionTable composes a table from per-tone and per-length guidance.
// Every tone and length must be present.
func NewInstructionTable(tones map[Tone]string, lengths map[Length]string) (InstructionTable, error) {
	entries := make(map[instructionKey]string, 12)
	for _, tone := range []Tone{ToneProfessional, ToneCasual, ToneFormal, ToneConcise} {
		tg, ok := tones[tone]
		if !ok || strings.TrimSpace(tg) == "" {
			return InstructionTable{}, fmt.Errorf("%w: missing guidance for tone %q", ErrValidation, tone)
		}
		for _, length := range []Length{LengthShort, LengthMedium, LengthLong} {
			lg, ok := lengths[length]
			if !ok || strings.TrimSpace(lg) == "" {
				return InstructionTable{}, fmt.Errorf("%w: missing guidance for length %q", ErrValidation, length)
			}
			entries[instructionKey{tone, length}] = instructionPreamble + "\n" + tg + "\n" + lg
		}
	}
	return InstructionTable{entries: entries}, nil
}

// DefaultInstructionTable returns the built-in instruction table.
func DefaultInstructionTable() InstructionTable {
	t, _ := NewInstructionTable(defaultToneGuidance, defaultLengthGuidance)
	return t
}

// Lookup returns the system instruction for tone and length.
func (t InstructionTable) Lookup(tone Tone, length Length) (string, bool) {
	s, ok := t.entries[instructionKey{tone, length}]
	return s, ok
}

// tablesFile is the on-disk shape of a tables YAML file.
type tablesFile struct {
	Keywords     map[Priority][]string `yaml:"keywords"`
	Instructions struct {
		Tones   map[Tone]string   `yaml:"tones"`
		Lengths map[Length]string `yaml:"lengths"`
	} `yaml:"instructions"`
}

// LoadTables reads keyword and instruction tables from a YAML file. Sections
// absent from the file keep their built-in defaults.
func LoadTables(path string) (KeywordTable, InstructionTable, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator config
	if err != nil {
		return KeywordTable{}, InstructionTable{}, fmt.Errorf("read tables file: %w", err)
	}
	return ParseTables(raw)
}

// ParseTables is LoadTables without the file read.
func ParseTables(raw []byte) (KeywordTable, InstructionTable, error) {
	var f tablesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return KeywordTable{}, InstructionTable{}, fmt.Errorf("parse tables: %w", err)
	}

	kw := DefaultKeywordTable()
	if len(f.Keywords) > 0 {
		for p := range f.Keywords {
			if !p.Valid() {
				return KeywordTable{}, InstructionTable{}, fmt.Errorf("%w: keyword priority %q", ErrValidation, p)
			}
		}
		var levels []KeywordLevel
		for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow} {
			if words, ok := f.Keywords[p]; ok {
				levels = append(levels, KeywordLevel{Priority: p, Keywords: words})
			}
		}
		t, err := NewKeywordTable(levels)
		if err != nil {
			return KeywordTable{}, InstructionTable{}, err
		}
		kw = t
	}

	tones := make(map[Tone]string, len(defaultToneGuidance))
	for k, v := range defaultToneGuidance {
		tones[k] = v
	}
	for k, v := range f.Instructions.Tones {
		if !k.Valid() {
			return KeywordTable{}, InstructionTable{}, fmt.Errorf("%w: tone %q", ErrValidation, k)
		}
		tones[k] = v
	}
	lengths := make(map[Length]string, len(defaultLengthGuidance))
	for k, v := range defaultLengthGuidance {
		lengths[k] = v
	}
	for k, v := range f.Instructions.Lengths {
		if !k.Valid() {
			return KeywordTable{}, InstructionTable{}, fmt.Errorf("%w: length %q", ErrValidation, k)
		}
		lengths[k] = v
	}
	it, err := NewInstructionTable(tones, lengths)
	if err != nil {
		return KeywordTable{}, InstructionTable{}, err
	}
	return kw, it, nil
}
