// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package entities detects references to known patients in streamed
// assistant text, yielding non-overlapping half-open spans in rune
// offsets.
package entities

import (
	"fmt"
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"
)

// Entity is one catalogue entry the detector scans for.
type Entity struct {
	ID   int64
	Name string
}

// Reference is a detected span. Indices are half-open rune offsets into
// the accumulated assistant text.
type Reference struct {
	EntityID   int64  `json:"patient_id"`
	EntityName string `json:"patient_name"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

// Pass cadence during streaming: a detector pass runs every
// passChunkInterval content chunks or whenever a single chunk exceeds
// largeChunkThreshold characters, plus once after the stream ends.
const (
	passChunkInterval   = 50
	largeChunkThreshold = 100
)

// idPatterns are the phrase forms that reference a patient by ID.
var idPatterns = []string{
	`(?i)(^|\b)Patient ID[:\s]+%s\b`,
	`(?i)\bPatient\s+#?%s\b`,
	`(?i)\bID[:\s]+%s\b`,
}

// DetectAll finds every reference in the text: whole-word
// case-insensitive name matches plus ID phrases. Spans are sorted by
// (start asc, length desc) and overlaps are suppressed greedily, so ties
// on start keep the longer span.
func DetectAll(text string, entities []Entity) []Reference {
	var spans []Reference
	for _, entity := range entities {
		spans = append(spans, findNameSpans(text, entity)...)
		spans = append(spans, findIDSpans(text, entity)...)
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].StartIndex != spans[j].StartIndex {
			return spans[i].StartIndex < spans[j].StartIndex
		}
		return (spans[i].EndIndex - spans[i].StartIndex) > (spans[j].EndIndex - spans[j].StartIndex)
	})

	var kept []Reference
	for _, span := range spans {
		overlaps := false
		for _, k := range kept {
			if span.StartIndex < k.EndIndex && k.StartIndex < span.EndIndex {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, span)
		}
	}
	return kept
}

// findNameSpans scans for the entity name as a whole word,
// case-insensitively. Word boundaries are non-alphanumeric runes or the
// string edges; embedded substrings do not match.
func findNameSpans(text string, entity Entity) []Reference {
	if entity.Name == "" {
		return nil
	}
	textRunes := []rune(text)
	nameRunes := []rune(entity.Name)
	n, m := len(textRunes), len(nameRunes)

	var spans []Reference
	for i := 0; i+m <= n; i++ {
		if !runesEqualFold(textRunes[i:i+m], nameRunes) {
			continue
		}
		if i > 0 && isWordRune(textRunes[i-1]) {
			continue
		}
		if i+m < n && isWordRune(textRunes[i+m]) {
			continue
		}
		spans = append(spans, Reference{
			EntityID:   entity.ID,
			EntityName: entity.Name,
			StartIndex: i,
			EndIndex:   i + m,
		})
	}
	return spans
}

// findIDSpans scans for ID phrases like "Patient ID: 23", "Patient #23",
// and "ID: 23".
func findIDSpans(text string, entity Entity) []Reference {
	id := regexp.QuoteMeta(fmt.Sprintf("%d", entity.ID))
	var spans []Reference
	for _, pattern := range idPatterns {
		re := regexp.MustCompile(fmt.Sprintf(pattern, id))
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, Reference{
				EntityID:   entity.ID,
				EntityName: entity.Name,
				StartIndex: utf8.RuneCountInString(text[:loc[0]]),
				EndIndex:   utf8.RuneCountInString(text[:loc[1]]),
			})
		}
	}
	return spans
}

func runesEqualFold(a, b []rune) bool {
	for i := range b {
		if unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Detector tracks pass cadence and emitted spans for one turn. Not safe
// for concurrent use; the turn runtime owns it.
type Detector struct {
	entities     []Entity
	chunksSeen   int
	emitted      map[string]bool // key: "<entity_id>:<start>"
	totalEmitted int
}

// NewDetector creates a detector over the known entity catalogue.
func NewDetector(entities []Entity) *Detector {
	return &Detector{
		entities: entities,
		emitted:  make(map[string]bool),
	}
}

// ObserveChunk records one content chunk and reports whether a detector
// pass is due.
func (d *Detector) ObserveChunk(chunk string) bool {
	d.chunksSeen++
	if utf8.RuneCountInString(chunk) > largeChunkThreshold {
		return true
	}
	return d.chunksSeen%passChunkInterval == 0
}

// Pass runs detection on the accumulated text and returns only spans
// not emitted before. The dedup key is (entity_id, start).
func (d *Detector) Pass(text string) []Reference {
	all := DetectAll(text, d.entities)
	var fresh []Reference
	for _, span := range all {
		key := fmt.Sprintf("%d:%d", span.EntityID, span.StartIndex)
		if d.emitted[key] {
			continue
		}
		d.emitted[key] = true
		fresh = append(fresh, span)
	}
	d.totalEmitted += len(fresh)
	return fresh
}

// EmittedCount returns how many spans have been emitted so far.
func (d *Detector) EmittedCount() int {
	return d.totalEmitted
}
