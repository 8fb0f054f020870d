// Package matcher scores stored documents against pending items.
package matcher

import (
	"math"
	"sort"

	"caeplane/internal/store"
)

// Signal weights. They sum to 1 so a perfect document scores 1.
const (
	weightType       = 0.45
	weightSubject    = 0.30
	weightExtraction = 0.10
	weightValidity   = 0.15
)

// validityUnknown is used when the document has no validity dates or the
// period key cannot be parsed.
const validityUnknown = 0.5

// Candidate is a document with the confidence that it satisfies a pending item.
type Candidate struct {
	Document   store.Document
	Confidence float64
}

// Matcher ranks candidates. The zero value has a floor of 0.
type Matcher struct {
	// Floor is the minimum confidence for a document to be returned at all.
	Floor float64
}

// New creates a matcher with the given candidate floor.
func New(floor float64) *Matcher {
	return &Matcher{Floor: clamp(floor)}
}

// Rank returns the documents that could satisfy item, best first.
// Ties are broken by newest issue date, then by smallest document id.
// It returns an empty slice, never a zero-confidence entry, when nothing qualifies.
func (m *Matcher) Rank(item store.PendingItem, docs []store.Document) []Candidate {
	period, periodErr := ParsePeriod(item.PeriodKey)

	candidates := make([]Candidate, 0, len(docs))
	for _, doc := range docs {
		if doc.TypeID != item.TypeID || doc.SubjectID != item.SubjectID {
			continue
		}
		if item.CompanyKey != "" && doc.CompanyKey != item.CompanyKey {
			continue
		}

		validity := validityUnknown
		if periodErr == nil {
			v, ok := validityScore(doc, period)
			if !ok {
				continue
			}
			validity = v
		}

		conf := Score(doc, validity)
		if conf <= 0 || conf < m.Floor {
			continue
		}
		candidates = append(candidates, Candidate{Document: doc, Confidence: conf})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.Document.IssuedAt.Equal(b.Document.IssuedAt) {
			return a.Document.IssuedAt.After(b.Document.IssuedAt)
		}
		return a.Document.ID < b.Document.ID
	})

	return candidates
}

// Score combines the extraction signals of doc with a validity signal.
// The result is in [0,1], rounded to 4 decimals.
func Score(doc store.Document, validity float64) float64 {
	raw := weightType*clamp(doc.TypeConfidence) +
		weightSubject*clamp(doc.SubjectConfidence) +
		weightExtraction*clamp(doc.ExtractionConfidence) +
		weightValidity*clamp(validity)
	return clamp(math.Round(raw*1e4) / 1e4)
}

// validityScore returns false when the document cannot apply to the period at all.
func validityScore(doc store.Document, p Period) (float64, bool) {
	if doc.ValidFrom == nil && doc.ValidTo == nil {
		return validityUnknown, true
	}
	if doc.ValidTo != nil && doc.ValidTo.Before(p.Start) {
		return 0, false
	}
	if doc.ValidFrom != nil && !doc.ValidFrom.Before(p.End) {
		return 0, false
	}

	coversStart := doc.ValidFrom == nil || !doc.ValidFrom.After(p.Start)
	coversEnd := doc.ValidTo == nil || !doc.ValidTo.Before(p.lastDay())
	if coversStart && coversEnd {
		return 1, true
	}
	return validityUnknown, true
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
