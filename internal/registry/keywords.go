package registry

import (
	"strings"
	"unicode"

	"github.com/wtf-ops/backend/internal/models"
)

type KeywordHit struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	Lang         string `json:"lang"`
	Keyword      string `json:"keyword"`
}

// NormalizeText lowercases, turns punctuation into spaces and collapses
// whitespace. Marks (Devanagari matras) are kept.
func NormalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// MatchKeywords returns the keyword hits of text for every active category.
// Each language list is matched on its own; a keyword hits when it occurs as
// a whole-word phrase.
func MatchKeywords(text string, categories []models.Category) []KeywordHit {
	norm := " " + NormalizeText(text) + " "
	if strings.TrimSpace(norm) == "" {
		return nil
	}
	var hits []KeywordHit
	for _, c := range categories {
		if !c.IsActive {
			continue
		}
		seen := map[string]bool{}
		for _, kw := range c.Keywords {
			k := NormalizeText(kw.Text)
			if k == "" {
				continue
			}
			key := kw.Lang + "\x00" + k
			if seen[key] {
				continue
			}
			seen[key] = true
			if strings.Contains(norm, " "+k+" ") {
				hits = append(hits, KeywordHit{
					CategoryID:   c.ID,
					CategoryName: c.Name,
					Lang:         kw.Lang,
					Keyword:      kw.Text,
				})
			}
		}
	}
	return hits
}
