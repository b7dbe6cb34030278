package stages

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/pipeline/stages/langdetect"
)

// DefaultSupportedLanguages is the language allowlist applied after
// detection.
var DefaultSupportedLanguages = []string{"en", "es", "fr", "de"}

type categoryRule struct {
	name     string
	keywords []string
}

// categoryRules is ordered so ties between equally-scored categories
// resolve to whichever is listed first, matching a Python dict's
// insertion-ordered iteration.
var categoryRules = []categoryRule{
	{"technology", []string{"tech", "software", "ai", "computer", "digital", "internet"}},
	{"politics", []string{"election", "government", "congress", "senate", "president", "policy"}},
	{"business", []string{"market", "stock", "economy", "finance", "company", "earnings"}},
	{"sports", []string{"game", "team", "player", "championship", "league", "score"}},
	{"health", []string{"medical", "health", "doctor", "hospital", "disease", "treatment"}},
	{"science", []string{"research", "study", "scientist", "discovery", "experiment"}},
	{"entertainment", []string{"movie", "music", "celebrity", "show", "entertainment"}},
}

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	authorPrefixRe  = regexp.MustCompile(`(?i)^(by\s+|author:\s*)`)
	authorTrailerRe = regexp.MustCompile(`\s*\([^)]*\)$`)
	nonNamePattern  = regexp.MustCompile(`(?i)^(admin|editor|staff|unknown|anonymous)$`)
)

// Normalization is Stage 3: language detection, date/author/text
// normalization, and basic keyword-based category classification.
// Articles whose detected language is not in SupportedLanguages are
// rejected.
type Normalization struct {
	SupportedLanguages []string
	log                *logrus.Entry
}

// NewNormalization constructs Stage 3. A nil or empty supportedLanguages
// uses DefaultSupportedLanguages.
func NewNormalization(supportedLanguages []string, log *logrus.Entry) *Normalization {
	if len(supportedLanguages) == 0 {
		supportedLanguages = DefaultSupportedLanguages
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Normalization{SupportedLanguages: supportedLanguages, log: log.WithField("stage", "normalization")}
}

func (s *Normalization) Name() string { return "normalization" }

func (s *Normalization) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	out := make([]*model.RawArticle, 0, len(articles))

	for _, a := range articles {
		detectLanguage(a)
		normalizeDate(a)
		a.Authors = normalizeAuthors(a.Authors)
		normalizeTextFields(a)
		classifyCategory(a)

		if !contains(s.SupportedLanguages, a.Language) {
			reject(a, model.RejectInvalidLanguage)
			continue
		}

		out = append(out, a)
	}

	return out, nil
}

func detectLanguage(a *model.RawArticle) {
	text := a.Title + " " + a.Content
	text = strings.TrimSpace(text)
	if len(text) > 1000 {
		text = text[:1000]
	}
	d := langdetect.Detect(text)
	a.Language = d.Language
	a.LangConfidence = d.Confidence
}

func normalizeDate(a *model.RawArticle) {
	if !a.PublishedAt.IsZero() {
		return
	}
	if a.PublishedAtRaw == "" {
		a.PublishedAt = a.FetchedAt
		return
	}
	parsed, err := parseFlexibleDate(a.PublishedAtRaw)
	if err != nil {
		a.PublishedAt = a.FetchedAt
		a.QualityFlags = append(a.QualityFlags, "warning:unparseable_date")
		return
	}
	now := time.Now().UTC()
	switch {
	case parsed.After(now.Add(time.Hour)):
		a.PublishedAt = a.FetchedAt
		a.QualityFlags = append(a.QualityFlags, "warning:future_date")
	case parsed.Before(now.AddDate(-2, 0, 0)):
		a.QualityFlags = append(a.QualityFlags, "info:very_old")
		a.PublishedAt = parsed
	default:
		a.PublishedAt = parsed
	}
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Mon, 02 Jan 2006 15:04:05 -0700",
}

func parseFlexibleDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func normalizeAuthors(authors []string) []string {
	out := make([]string, 0, len(authors))
	for _, author := range authors {
		author = strings.TrimSpace(author)
		if author == "" {
			continue
		}
		author = whitespaceRe.ReplaceAllString(author, " ")
		author = authorPrefixRe.ReplaceAllString(author, "")
		author = authorTrailerRe.ReplaceAllString(author, "")
		if len(author) < 2 || len(author) > 100 {
			continue
		}
		if nonNamePattern.MatchString(author) {
			continue
		}
		out = append(out, author)
		if len(out) == 5 {
			break
		}
	}
	return out
}

func normalizeTextFields(a *model.RawArticle) {
	if a.Title != "" {
		title := strings.TrimSpace(a.Title)
		title = whitespaceRe.ReplaceAllString(title, " ")
		if len(title) > 500 {
			title = title[:500]
		}
		a.Title = title
	}
	if a.Content != "" {
		a.Content = strings.TrimSpace(whitespaceRe.ReplaceAllString(a.Content, " "))
	}
}

func classifyCategory(a *model.RawArticle) {
	text := strings.ToLower(a.Title + " " + a.Content)

	bestCategory := ""
	bestScore := 0
	for _, rule := range categoryRules {
		score := 0
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestCategory = rule.name
		}
	}

	if bestCategory != "" && bestScore >= 2 {
		a.Category = bestCategory
	} else {
		a.Category = "general"
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
