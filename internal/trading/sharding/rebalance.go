package sharding

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
)

// Migration records one pair moved by the rebalancer.
type Migration struct {
	Pair string `json:"pair"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

// Rebalance samples shard load and, while the spread between the busiest and
// idlest shard exceeds RebalanceThreshold of the average, moves up to
// MaxMigrationsPerCycle pairs from the busiest shard to the idlest one.
func (e *Executor) Rebalance(ctx context.Context) []Migration {
	n := len(e.shards)
	if n < 2 {
		return nil
	}
	loads := make([]int64, n)
	pairLoad := make(map[string]int64)
	var total int64
	for i, s := range e.shards {
		l, pl := s.sample()
		loads[i] = l
		total += l
		for p, v := range pl {
			pairLoad[p] += v
		}
	}
	avg := float64(total) / float64(n)
	owned := e.ownership()

	var out []Migration
	for len(out) < e.cfg.MaxMigrationsPerCycle {
		busiest, idlest := 0, 0
		for i := range loads {
			if loads[i] > loads[busiest] {
				busiest = i
			}
			if loads[i] < loads[idlest] {
				idlest = i
			}
		}
		spread := loads[busiest] - loads[idlest]
		if avg == 0 || float64(spread) <= e.cfg.RebalanceThreshold*avg {
			break
		}
		if len(owned[busiest]) < 2 {
			// moving a shard's only pair just moves the hotspot
			break
		}
		pair, ok := pickPair(owned[busiest], pairLoad, spread)
		if !ok {
			// every candidate would leave the spread as wide or wider
			break
		}
		if err := e.migrate(ctx, pair, idlest, false); err != nil {
			e.logger.Warn("rebalance migration failed", zap.String("pair", pair), zap.Error(err))
			break
		}
		out = append(out, Migration{Pair: pair, From: busiest, To: idlest})

		loads[busiest] -= pairLoad[pair]
		loads[idlest] += pairLoad[pair]
		owned[busiest] = remove(owned[busiest], pair)
		owned[idlest] = append(owned[idlest], pair)
	}
	if len(out) > 0 {
		e.logger.Info("rebalance cycle complete", zap.Int("migrations", len(out)), zap.Float64("avg_load", avg))
	}
	return out
}

// pickPair chooses the pair whose load is closest to half the spread, which
// is the move that best evens out the two shards. Ties go to the lower name.
// A pair qualifies only if moving it narrows the spread, so idle pairs and
// pairs heavier than the spread are never picked.
func pickPair(pairs []string, load map[string]int64, spread int64) (string, bool) {
	sorted := append([]string(nil), pairs...)
	sort.Strings(sorted)
	best, bestDist := "", math.MaxFloat64
	for _, p := range sorted {
		dist := math.Abs(float64(2*load[p] - spread))
		if dist >= float64(spread) {
			continue
		}
		if dist < bestDist {
			best, bestDist = p, dist
		}
	}
	return best, best != ""
}

func remove(pairs []string, pair string) []string {
	out := pairs[:0:0]
	for _, p := range pairs {
		if p != pair {
			out = append(out, p)
		}
	}
	return out
}
