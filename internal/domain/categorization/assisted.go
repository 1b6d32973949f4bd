package categorization

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/insight-hunter/insight-hunter/internal/ai"
)

// Assisted asks a generative classifier for a label and falls back to the
// keyword rules when the call fails, times out, or returns garbage. It never
// returns an error: every description gets a category.
type Assisted struct {
	classifier ai.Classifier
	keywords   *KeywordMatcher
	timeout    time.Duration
	logger     *slog.Logger
}

func NewAssisted(classifier ai.Classifier, timeout time.Duration, logger *slog.Logger) *Assisted {
	return &Assisted{
		classifier: classifier,
		keywords:   NewKeywordMatcher(),
		timeout:    timeout,
		logger:     logger,
	}
}

func (a *Assisted) Categorize(ctx context.Context, description string, amount string) (Result, error) {
	if a.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		raw, err := a.classifier.Classify(cctx, description+" $"+amount, "financial")
		cancel()
		if err == nil {
			if label, ok := snapToLabel(raw); ok {
				return Result{Category: label, Confidence: ConfidenceClassifier}, nil
			}
			a.logger.Warn("classifier returned unknown label", slog.String("label", raw))
		} else {
			a.logger.Warn("classifier call failed, using keyword fallback", slog.Any("error", err))
		}
	}
	return Result{Category: a.keywords.Categorize(description), Confidence: ConfidenceKeyword}, nil
}

// snapToLabel maps free-form model output onto the closed label set. Exact
// matches (ignoring case and surrounding noise) win; otherwise the closest
// label by edit distance is taken when it is unambiguous enough.
func snapToLabel(raw string) (string, bool) {
	cleaned := strings.Trim(strings.TrimSpace(raw), `."'`)
	for _, l := range Labels {
		if strings.EqualFold(cleaned, l) {
			return l, true
		}
	}
	ranks := fuzzy.RankFindNormalizedFold(cleaned, Labels)
	if len(ranks) == 0 {
		return "", false
	}
	best := ranks[0]
	for _, r := range ranks[1:] {
		if r.Distance < best.Distance {
			best = r
		}
	}
	return best.Target, true
}
