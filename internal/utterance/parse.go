package utterance

import (
	"regexp"
	"strings"
)

var (
	tagRE      = regexp.MustCompile(`<\|([^|]+)\|>`)
	stripTagRE = regexp.MustCompile(`<\|[^|]+\|>`)
)

// Parsed is a recognizer result split into its rich-transcription fields.
type Parsed struct {
	Raw      string // recognizer output, tags included
	Clean    string // tag-free text, trimmed
	Language string
	Emotion  string
	Event    string
	ITN      string
}

// Parse splits a rich-transcription string of the form
//
//	<|lang|><|emotion|><|event|><|itn|>text
//
// into its tag fields and tag-free text. Tags are positional; missing
// positions fall back to the engine's unknown markers ("unknown",
// "EMO_UNKNOWN", "Event_UNK", "unknown"). Text without any tags parses as
// all-unknown with Clean equal to the trimmed input.
func Parse(raw string) Parsed {
	matches := tagRE.FindAllStringSubmatch(raw, -1)
	tags := make([]string, len(matches))
	for i, m := range matches {
		tags[i] = m[1]
	}

	p := Parsed{
		Raw:      raw,
		Clean:    strings.TrimSpace(stripTagRE.ReplaceAllString(raw, "")),
		Language: "unknown",
		Emotion:  "EMO_UNKNOWN",
		Event:    "Event_UNK",
		ITN:      "unknown",
	}
	if len(tags) > 0 {
		p.Language = tags[0]
	}
	if len(tags) > 1 {
		p.Emotion = tags[1]
	}
	if len(tags) > 2 {
		p.Event = tags[2]
	}
	if len(tags) > 3 {
		p.ITN = tags[3]
	}
	return p
}
