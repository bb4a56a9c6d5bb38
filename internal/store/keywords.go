package store

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/BTreeMap/PacePipe/internal/extract"
	"github.com/BTreeMap/PacePipe/internal/models"
)

// matchKeyword returns the first active keyword, by priority descending then id
// ascending, that matches text. Literal matches compare Turkish-folded forms;
// regex keywords run case-insensitively on the raw text. Invalid patterns never match.
func matchKeyword(keywords []models.KeywordResponse, text string) *models.KeywordResponse {
	sorted := make([]models.KeywordResponse, 0, len(keywords))
	for _, kw := range keywords {
		if kw.Active {
			sorted = append(sorted, kw)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	msg := extract.Fold(strings.TrimSpace(text))
	for i := range sorted {
		kw := sorted[i]
		if keywordMatches(kw, text, msg) {
			return &kw
		}
	}
	return nil
}

func keywordMatches(kw models.KeywordResponse, raw, folded string) bool {
	if kw.MatchType == models.MatchRegex {
		re, err := regexp.Compile("(?i)" + kw.Keyword)
		if err != nil {
			slog.Warn("store.MatchKeyword invalid pattern", "keywordID", kw.ID, "error", err)
			return false
		}
		return re.MatchString(raw)
	}
	k := extract.Fold(strings.TrimSpace(kw.Keyword))
	if k == "" {
		return false
	}
	switch kw.MatchType {
	case models.MatchExact:
		return folded == k
	case models.MatchStartsWith:
		return strings.HasPrefix(folded, k)
	case models.MatchEndsWith:
		return strings.HasSuffix(folded, k)
	default:
		return strings.Contains(folded, k)
	}
}
