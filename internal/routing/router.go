// Package routing 根据语义相似度把用户问题路由到最合适的数据源。
package routing

import (
	"context"
	"fmt"
	"math"
	"omni-agent-go/pkg/embedding"
	"omni-agent-go/pkg/log"
	"sort"

	"golang.org/x/sync/errgroup"
)

// DefaultThreshold 是最低置信度。较短或跨语言的描述即使正确匹配得分也偏低。
const DefaultThreshold = 0.05

// Decision 是一轮对话内的路由结果，不持久化。
type Decision struct {
	Query   string
	Scores  map[string]float64
	Backend string
	Matched bool
}

// Router 用同一个 embedding 模型对问题和候选描述做余弦相似度比较。
type Router struct {
	embedder  embedding.Client
	threshold float64
}

// NewRouter 创建路由器。threshold 小于等于 0 时使用 DefaultThreshold。
func NewRouter(embedder embedding.Client, threshold float64) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{embedder: embedder, threshold: threshold}
}

// Route 返回得分最高且超过阈值的候选；没有候选或都低于阈值时 Matched 为 false。
// candidates 为 名称 -> 描述，调用方负责剔除没有描述的数据源。
func (r *Router) Route(ctx context.Context, query string, candidates map[string]string) (Decision, error) {
	decision := Decision{Query: query, Scores: make(map[string]float64, len(candidates))}
	if len(candidates) == 0 {
		return decision, nil
	}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	var queryVec []float32
	descVecs := make([][]float32, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.embedder.CreateEmbedding(gctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		queryVec = v
		return nil
	})
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			v, err := r.embedder.CreateEmbedding(gctx, candidates[name])
			if err != nil {
				return fmt.Errorf("embed description of %s: %w", name, err)
			}
			descVecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decision, err
	}

	best, bestScore := "", math.Inf(-1)
	for i, name := range names {
		score := Cosine(queryVec, descVecs[i])
		decision.Scores[name] = score
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore >= r.threshold {
		decision.Backend = best
		decision.Matched = true
	}
	log.Infof("[Router] 路由结果: backend=%q matched=%v scores=%v", decision.Backend, decision.Matched, decision.Scores)
	return decision, nil
}

// Cosine 计算余弦相似度，任一向量为零或长度不一致时返回 0。
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
