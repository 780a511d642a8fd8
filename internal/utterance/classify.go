// Package utterance parses rich-transcription ASR output and classifies the
// resulting text for admission: genuine requests go to the backend, stranded
// particles and hesitation noise do not.
package utterance

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Class is the admission class of a recognized utterance.
type Class string

const (
	// ClassNormal is regular text that passes length and interval checks.
	ClassNormal Class = "normal"
	// ClassKeepShort marks short confirmations ("ok", "好的") that bypass
	// the minimum-length check.
	ClassKeepShort Class = "keep_short"
	// ClassDropFiller marks hesitation noise and stranded particles that
	// are filtered before submission.
	ClassDropFiller Class = "drop_filler"
)

var (
	punctSpaceRE = regexp.MustCompile(`[\s\.,!?;:，。！？；：、~…·]+`)
	enWordRE     = regexp.MustCompile(`[a-zA-Z']+`)
)

// NormalizeToken folds text into the canonical matching form: trimmed,
// lowercased, NFKC-normalized, punctuation and whitespace removed, and runs
// of the same rune longer than two collapsed to exactly two ("嗯嗯嗯嗯" →
// "嗯嗯"). Returns "" when nothing but punctuation remains.
func NormalizeToken(text string) string {
	raw := norm.NFKC.String(strings.ToLower(strings.TrimSpace(text)))
	compact := punctSpaceRE.ReplaceAllString(raw, "")
	if compact == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(compact))
	prev := rune(-1)
	repeat := 0
	for _, ch := range compact {
		if ch == prev {
			repeat++
		} else {
			prev = ch
			repeat = 1
		}
		if repeat <= 2 {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// Classify assigns text to an admission class. fillerMaxChars bounds how long
// (in runes) a token may be and still count as filler.
//
// Rules are checked in order; the first hit wins:
//  1. Empty after normalization → drop_filler.
//  2. Exact match in the keep-short vocabulary → keep_short.
//  3. Exact match in the drop-filler vocabulary → drop_filler.
//  4. Exact match in the low-semantic single-token vocabulary → drop_filler.
//  5. At most fillerMaxChars runes, all CJK hesitation characters → drop_filler.
//  6. One or two ASCII words, all low-semantic function words → drop_filler.
//  7. ASCII words totalling at most 2×fillerMaxChars letters, all hesitation
//     words → drop_filler.
//  8. Otherwise → normal.
func Classify(text string, fillerMaxChars int) Class {
	token := NormalizeToken(text)
	if token == "" {
		return ClassDropFiller
	}
	if _, ok := keepShortTokens[token]; ok {
		return ClassKeepShort
	}
	if _, ok := dropFillerTokens[token]; ok {
		return ClassDropFiller
	}
	if _, ok := lowSemanticSingleTokens[token]; ok {
		return ClassDropFiller
	}
	if utf8.RuneCountInString(token) <= fillerMaxChars && allZHFiller(token) {
		return ClassDropFiller
	}

	normalized := norm.NFKC.String(strings.ToLower(strings.TrimSpace(text)))
	words := enWordRE.FindAllString(normalized, -1)
	if len(words) > 0 && len(words) <= 2 && allIn(words, enLowSemanticWords) {
		return ClassDropFiller
	}
	if len(words) > 0 && len(strings.Join(words, "")) <= fillerMaxChars*2 &&
		allIn(words, enFillerWords) {
		return ClassDropFiller
	}
	return ClassNormal
}

func allZHFiller(token string) bool {
	for _, ch := range token {
		if _, ok := zhFillerChars[ch]; !ok {
			return false
		}
	}
	return true
}

func allIn(words []string, set map[string]struct{}) bool {
	for _, w := range words {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
