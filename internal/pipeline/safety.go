package pipeline

import (
	"context"
	"math"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/nli"

	"github.com/panjf2000/ants/v2"
)

const sampleWindow = 300

// Scorer 返回 (premise, hypothesis) 的三分类原始分数，顺序为 contradiction, entailment, neutral。
type Scorer interface {
	Scores(ctx context.Context, premise, hypothesis string) ([]float64, error)
}

// SafetyClassifier 判断文本是否属于不允许导入的类别。
type SafetyClassifier struct {
	scorer    Scorer
	pool      *ants.Pool
	threshold float64
}

// NewSafetyClassifier 创建分类器。推理在 pool 中执行。
func NewSafetyClassifier(scorer Scorer, pool *ants.Pool, threshold float64) *SafetyClassifier {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &SafetyClassifier{scorer: scorer, pool: pool, threshold: threshold}
}

// IsUnsafe 在文本蕴含 label 描述的类别且置信度超过阈值时返回 true。
// 推理失败时放行并记录警告。
func (c *SafetyClassifier) IsUnsafe(ctx context.Context, text, label string) bool {
	if c == nil || c.scorer == nil {
		return false
	}
	sample := sampleText(text)
	prob, err := offload(ctx, c.pool, func() (float64, error) {
		scores, err := c.scorer.Scores(ctx, sample, label)
		if err != nil {
			return 0, err
		}
		probs := softmax(scores)
		if len(probs) <= nli.Entailment {
			return 0, nil
		}
		return probs[nli.Entailment], nil
	})
	if err != nil {
		log.Warnf("[SafetyClassifier] 安全分类失败，默认放行: %v", err)
		return false
	}
	return prob > c.threshold
}

// sampleText 取开头和中间各一个窗口，控制推理耗时。
func sampleText(text string) string {
	runes := []rune(text)
	if len(runes) <= sampleWindow*2 {
		return text
	}
	mid := len(runes) / 2
	return string(runes[:sampleWindow]) + " ... " + string(runes[mid:mid+sampleWindow])
}

func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
