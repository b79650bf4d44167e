package scoring

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/nhle/maildigest/internal/llm"
)

const (
	MinScore = 0
	MaxScore = 10

	// DefaultCategory labels emails the model did not categorize.
	DefaultCategory = "uncategorized"
)

// Verdict is the outcome of scoring one email.
type Verdict struct {
	// Score is the blended, clamped relevance score.
	Score    int
	Category string

	// ModelScore and Weight are the blend inputs.
	ModelScore int
	Weight     int
}

// Blend combines the model's proposed score with the sender weight:
// round((mw*model + pw*weight) / (mw+pw)), clamped to [0,10]. Halves round
// away from zero. With the default weights 0.7 and 0.3 the divisor is 1.
func Blend(modelScore, weight int, mw, pw float64) int {
	total := mw + pw
	if total <= 0 {
		return clamp(modelScore)
	}
	v := (mw*float64(modelScore) + pw*float64(weight)) / total
	// 0.7*6 + 0.3*1 is 4.4999999999999991 in float64; snap to 1e-9 first
	// so exact halves are seen as halves.
	v = math.Round(v*1e9) / 1e9
	return clamp(int(math.Round(v)))
}

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

type rawVerdict struct {
	Score    *float64 `json:"score"`
	Category string   `json:"category"`
}

// ParseVerdict extracts {"score": n, "category": "..."} from a model
// reply. Prose around the object is tolerated. Anything else is a
// malformed response.
func ParseVerdict(text string) (score int, category string, err error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return 0, "", &llm.Error{Kind: llm.KindMalformed, Message: "no JSON object in relevance reply"}
	}

	var v rawVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return 0, "", &llm.Error{Kind: llm.KindMalformed, Message: "decoding relevance reply", Err: err}
	}
	if v.Score == nil || math.IsNaN(*v.Score) {
		return 0, "", &llm.Error{Kind: llm.KindMalformed, Message: "relevance reply has no score"}
	}

	category = strings.ToLower(strings.TrimSpace(v.Category))
	if category == "" {
		category = DefaultCategory
	}
	s := math.Min(math.Max(*v.Score, MinScore), MaxScore)
	return int(math.Round(s)), category, nil
}
