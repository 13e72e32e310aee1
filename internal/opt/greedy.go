package opt

import "time"

func init() { register(EngineGreedy, func() Solver { return Greedy{} }) }

// Greedy fills vehicles one at a time with the nearest stop that still fits.
// It fails the whole run when any stop is left over.
type Greedy struct{}

func (Greedy) Name() string { return EngineGreedy }

func (Greedy) Solve(p Problem) Solution {
	start := time.Now()
	if !p.feasible() {
		return Solution{}
	}
	routes, left := nearestFeasible(p)
	if len(left) > 0 {
		return Solution{}
	}
	plans := p.plans(routes)
	cost := Solution{Plans: plans}.TotalDistance()
	return Solution{Plans: plans, Metrics: Metrics{
		Engine:      EngineGreedy,
		Iterations:  1,
		InitialCost: cost,
		BestCost:    cost,
		Elapsed:     time.Since(start),
	}}
}
