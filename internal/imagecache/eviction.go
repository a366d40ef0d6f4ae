package imagecache

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/observability/metrics"
)

// budgetTarget is the fraction of the budget eviction shrinks the cache to.
const budgetTarget = 0.8

// ScoreWeights tunes the eviction score. Lower scores are evicted first.
type ScoreWeights struct {
	Frequency     float64 // multiplies log2(accessCount+1)
	Recency       float64 // multiplies exp(-daysSinceAccess/RecencyDays)
	RecencyDays   float64
	SizePenalty   float64 // multiplies sqrt(sizeMB)
	AgeDivisor    float64 // daysSinceCreation is divided by this
	MaxAgePenalty float64
}

// DefaultScoreWeights returns the stock LRU/LFU blend.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Frequency:     15,
		Recency:       25,
		RecencyDays:   7,
		SizePenalty:   4,
		AgeDivisor:    3,
		MaxAgePenalty: 15,
	}
}

// Score rates how valuable it is to keep e at time now.
func (w ScoreWeights) Score(e *Entry, now time.Time) float64 {
	lastAccess := e.LastAccessed
	if lastAccess.IsZero() {
		lastAccess = e.CreatedAt
	}
	daysSinceAccess := now.Sub(lastAccess).Hours() / 24
	daysSinceCreation := now.Sub(e.CreatedAt).Hours() / 24
	sizeMB := float64(e.Size) / (1024 * 1024)

	frequency := math.Log2(float64(e.AccessCount)+1) * w.Frequency
	recency := math.Exp(-daysSinceAccess/w.RecencyDays) * w.Recency
	sizePenalty := math.Sqrt(sizeMB) * w.SizePenalty
	agePenalty := math.Min(w.MaxAgePenalty, daysSinceCreation/w.AgeDivisor)

	return frequency + recency - sizePenalty - agePenalty
}

// EvictionResult summarizes one Evict run.
type EvictionResult struct {
	Expired    int
	Evicted    int
	FreedBytes int64
}

type candidate struct {
	id    string
	entry *Entry
	score float64
}

// Evict removes expired entries, then, while over budget, the lowest
// scoring entries until the total is at or below 80% of the budget.
func (s *Store) Evict(ctx context.Context) EvictionResult {
	var res EvictionResult
	files := map[string]string{}

	s.mu.Lock()
	now := s.now()
	for id, e := range s.entries {
		if s.expired(e, now) {
			files[id] = e.Filename
			res.FreedBytes += e.Size
			res.Expired++
			s.removeLocked(id)
		}
	}

	if s.total > s.maxSize {
		cands := make([]candidate, 0, len(s.entries))
		for id, e := range s.entries {
			cands = append(cands, candidate{id: id, entry: e, score: s.weights.Score(e, now)})
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].score != cands[j].score {
				return cands[i].score < cands[j].score
			}
			return cands[i].id < cands[j].id
		})

		target := int64(float64(s.maxSize) * budgetTarget)
		for _, c := range cands {
			if s.total <= target || ctx.Err() != nil {
				break
			}
			s.log.Debug("evicting low priority cache entry",
				logger.URL("source", c.id),
				logger.Float64("score", c.score),
				logger.Int64("bytes", c.entry.Size))
			files[c.id] = c.entry.Filename
			res.FreedBytes += c.entry.Size
			res.Evicted++
			s.removeLocked(c.id)
		}
	}

	changed := res.Expired+res.Evicted > 0
	if changed {
		s.scheduleSave(s.writeSaveDelay)
	}
	s.mu.Unlock()

	if !changed {
		return res
	}
	for id, f := range files {
		s.dropBlob(id, f)
	}
	s.metrics.Evicted(metrics.EvictExpired, res.Expired)
	s.metrics.Evicted(metrics.EvictBudget, res.Evicted)
	s.updateGauges()
	s.log.Info("cache eviction finished",
		logger.Int("expired", res.Expired),
		logger.Int("evicted", res.Evicted),
		logger.Int64("freed_bytes", res.FreedBytes))
	return res
}

// Prune is Evict for callers that only need the number of removed entries.
func (s *Store) Prune(ctx context.Context) int {
	res := s.Evict(ctx)
	return res.Expired + res.Evicted
}
