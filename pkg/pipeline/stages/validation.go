// Package stages implements the nine ordered pipeline.Stage
// implementations.
package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
)

// DefaultMaxArticleAgeHours is the Stage 0 staleness cutoff.
const DefaultMaxArticleAgeHours = 168.0

var invalidContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)404\s+(not\s+found|error)`),
	regexp.MustCompile(`(?i)access\s+denied`),
	regexp.MustCompile(`(?i)page\s+not\s+found`),
	regexp.MustCompile(`(?i)site\s+maintenance`),
	regexp.MustCompile(`(?i)temporarily\s+unavailable`),
	regexp.MustCompile(`(?i)javascript\s+(required|disabled)`),
	regexp.MustCompile(`(?i)please\s+enable\s+javascript`),
}

var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_content": true, "utm_term": true,
	"fbclid": true, "gclid": true, "msclkid": true,
	"ref": true, "referrer": true, "source": true,
	"campaign_id": true, "ad_id": true, "click_id": true, "affiliate_id": true,
}

// Validation is Stage 0: basic sanity checks, idempotency key and
// url_hash generation, and URL canonicalization.
type Validation struct {
	MaxAgeHours float64
	sink        *metrics.Sink
	log         *logrus.Entry
}

// NewValidation constructs Stage 0. maxAgeHours <= 0 uses DefaultMaxArticleAgeHours.
func NewValidation(maxAgeHours float64, sink *metrics.Sink, log *logrus.Entry) *Validation {
	if maxAgeHours <= 0 {
		maxAgeHours = DefaultMaxArticleAgeHours
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Validation{MaxAgeHours: maxAgeHours, sink: sink, log: log.WithField("stage", "validation")}
}

func (s *Validation) Name() string { return "validation" }

func (s *Validation) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	now := time.Now().UTC()
	out := make([]*model.RawArticle, 0, len(articles))

	for _, a := range articles {
		if a.IdempotencyKey == "" {
			a.IdempotencyKey = fmt.Sprintf("article_%d_%s", a.ID, pctx.BatchID)
		}

		if len(a.URL) < 10 {
			reject(a, model.RejectInvalidContent)
			continue
		}
		a.URLHash = sha256Hex(a.URL)

		if a.Title == "" && a.Content == "" {
			reject(a, model.RejectInvalidContent)
			continue
		}

		if !a.FetchedAt.IsZero() {
			ageHours := now.Sub(a.FetchedAt).Hours()
			if ageHours > s.MaxAgeHours {
				reject(a, model.RejectTooOld)
				continue
			}
		}

		contentText := a.Content + a.Title
		if len(contentText) < 100 {
			reject(a, model.RejectTooShort)
			continue
		}

		if isInvalidContent(contentText) {
			reject(a, model.RejectInvalidContent)
			continue
		}

		a.CanonicalURL = canonicalizeURL(a.URL)
		a.Status = model.RawArticleStatusProcessing
		out = append(out, a)
	}

	return out, nil
}

func reject(a *model.RawArticle, reason model.RejectionReason) {
	a.Rejected = true
	a.RejectionReason = reason
	a.Status = model.RawArticleStatusRejected
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func isInvalidContent(content string) bool {
	lower := strings.ToLower(content)
	for _, re := range invalidContentPatterns {
		if re.MatchString(lower) {
			return true
		}
	}

	weird := 0
	total := 0
	for _, r := range content {
		total++
		if r > unicode.MaxASCII {
			weird++
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) && !strings.ContainsRune(`-.,!?;:()[]{}"'/\`, r) {
			weird++
		}
	}
	return total > 0 && float64(weird) > float64(total)*0.1
}

// canonicalizeURL lowercases the URL, strips tracking query parameters,
// drops the fragment, and normalizes the trailing slash.
func canonicalizeURL(raw string) string {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return raw
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}

	q := u.Query()
	filtered := url.Values{}
	for k, vs := range q {
		if trackingParams[k] {
			continue
		}
		filtered[k] = vs
	}
	u.RawQuery = encodeSorted(filtered)
	u.Fragment = ""

	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		path = "/"
	}
	u.Path = path

	return u.String()
}

// encodeSorted mirrors url.Values.Encode but is deterministic across
// Go versions since it sorts keys itself rather than relying on the
// standard library's (already sorted, but this keeps canonicalization
// explicit and independent of that implementation detail).
func encodeSorted(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		for _, val := range v[k] {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(url.QueryEscape(k))
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(val))
		}
	}
	return buf.String()
}
