//go:build !greedyonly

package opt

import (
	"sort"
	"time"
)

func init() { register(EngineGuided, func() Solver { return &Guided{} }) }

const (
	defaultMaxRounds   = 1000
	defaultStallRounds = 150
	lambdaCoefficient  = 0.1
)

// Guided builds a nearest-feasible first solution and improves it with guided
// local search: relocate, exchange and 2-opt descents on a cost augmented by
// edge penalties that accumulate at every local optimum.
type Guided struct {
	MaxRounds   int // penalty rounds, 0 for the default
	StallRounds int // rounds without a new best before stopping, 0 for the default
}

func (g *Guided) Name() string { return EngineGuided }

func (g *Guided) Solve(p Problem) Solution {
	start := time.Now()
	if !p.feasible() {
		return Solution{}
	}
	routes, ok := construct(p)
	if !ok {
		return Solution{}
	}
	deadline := start.Add(p.timeLimit())
	maxRounds, stallRounds := g.MaxRounds, g.StallRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	if stallRounds <= 0 {
		stallRounds = defaultStallRounds
	}

	s := newSearch(p, routes)
	m := Metrics{Engine: EngineGuided, InitialCost: s.cost(s.dist)}
	s.descend(s.dist, deadline)
	best, bestCost := s.snapshot(), s.cost(s.dist)
	if bestCost < m.InitialCost {
		m.Improvements++
	}
	s.lambda = int(lambdaCoefficient * float64(bestCost) / float64(s.edgeCount()))
	if s.lambda < 1 {
		s.lambda = 1
	}

	stall := 0
	for m.Iterations < maxRounds && stall < stallRounds && time.Now().Before(deadline) {
		m.Iterations++
		s.penalize()
		s.descend(s.augmented, deadline)
		if c := s.cost(s.dist); c < bestCost {
			best, bestCost = s.snapshot(), c
			m.Improvements++
			stall = 0
		} else {
			stall++
		}
	}

	// final descent on the true cost from the best solution seen
	s.restore(best)
	s.descend(s.dist, deadline)
	if c := s.cost(s.dist); c < bestCost {
		best, bestCost = s.snapshot(), c
	}
	m.BestCost = bestCost
	m.Elapsed = time.Since(start)
	return Solution{Plans: p.plans(best), Metrics: m}
}

// construct returns a capacity-feasible assignment of every stop or false.
func construct(p Problem) ([][]int, bool) {
	routes, left := nearestFeasible(p)
	if len(left) == 0 {
		return routes, true
	}
	if insertCheapest(p, routes, left) {
		return routes, true
	}
	return packDecreasing(p)
}

// insertCheapest places each leftover node, heaviest first, at its cheapest
// feasible position in any route.
func insertCheapest(p Problem, routes [][]int, left []int) bool {
	loads := loadsOf(p, routes)
	byDemandDesc(p, left)
	d := p.Distances
	for _, x := range left {
		bestV, bestPos, bestDelta := -1, 0, 0
		for v, r := range routes {
			if loads[v]+p.Demands[x] > p.Capacities[v] {
				continue
			}
			for pos := 0; pos <= len(r); pos++ {
				u, w := 0, 0
				if pos > 0 {
					u = r[pos-1]
				}
				if pos < len(r) {
					w = r[pos]
				}
				delta := d[u][x] + d[x][w] - d[u][w]
				if bestV == -1 || delta < bestDelta {
					bestV, bestPos, bestDelta = v, pos, delta
				}
			}
		}
		if bestV == -1 {
			return false
		}
		routes[bestV] = insertAt(routes[bestV], bestPos, x)
		loads[bestV] += p.Demands[x]
	}
	return true
}

// packDecreasing solves the assignment as best-fit-decreasing bin packing and
// sequences every bin by nearest neighbour.
func packDecreasing(p Problem) ([][]int, bool) {
	nodes := make([]int, 0, len(p.Demands)-1)
	for j := 1; j < len(p.Demands); j++ {
		nodes = append(nodes, j)
	}
	byDemandDesc(p, nodes)
	remaining := append([]int(nil), p.Capacities...)
	bins := make([][]int, len(p.Capacities))
	for _, x := range nodes {
		pick := -1
		for v, r := range remaining {
			if p.Demands[x] > r {
				continue
			}
			if pick == -1 || r < remaining[pick] {
				pick = v
			}
		}
		if pick == -1 {
			return nil, false
		}
		bins[pick] = append(bins[pick], x)
		remaining[pick] -= p.Demands[x]
	}
	for v, bin := range bins {
		bins[v] = sequenceNearest(p.Distances, bin)
	}
	return bins, true
}

func sequenceNearest(d [][]int, nodes []int) []int {
	out := make([]int, 0, len(nodes))
	used := make([]bool, len(nodes))
	current := 0
	for len(out) < len(nodes) {
		next := -1
		for i, x := range nodes {
			if used[i] {
				continue
			}
			if next == -1 || d[current][x] < d[current][nodes[next]] {
				next = i
			}
		}
		used[next] = true
		current = nodes[next]
		out = append(out, current)
	}
	return out
}

func byDemandDesc(p Problem, nodes []int) {
	sort.SliceStable(nodes, func(a, b int) bool {
		if p.Demands[nodes[a]] != p.Demands[nodes[b]] {
			return p.Demands[nodes[a]] > p.Demands[nodes[b]]
		}
		return nodes[a] < nodes[b]
	})
}

func loadsOf(p Problem, routes [][]int) []int {
	loads := make([]int, len(routes))
	for v, r := range routes {
		for _, x := range r {
			loads[v] += p.Demands[x]
		}
	}
	return loads
}

func insertAt(r []int, pos, x int) []int {
	r = append(r, 0)
	copy(r[pos+1:], r[pos:])
	r[pos] = x
	return r
}

func removeAt(r []int, pos int) []int {
	return append(r[:pos], r[pos+1:]...)
}

// search holds the mutable state of one guided local search run.
type search struct {
	p         Problem
	routes    [][]int
	loads     []int
	pen       [][]int
	lambda    int
	symmetric bool
}

func newSearch(p Problem, routes [][]int) *search {
	n := len(p.Distances)
	s := &search{p: p, routes: routes, loads: loadsOf(p, routes), pen: make([][]int, n), symmetric: true}
	for i := range s.pen {
		s.pen[i] = make([]int, n)
		for j := 0; j < i; j++ {
			if p.Distances[i][j] != p.Distances[j][i] {
				s.symmetric = false
			}
		}
	}
	return s
}

func (s *search) dist(i, j int) int { return s.p.Distances[i][j] }

func (s *search) augmented(i, j int) int { return s.p.Distances[i][j] + s.lambda*s.pen[i][j] }

func (s *search) cost(w func(i, j int) int) int {
	total := 0
	for _, r := range s.routes {
		total += routeCost(r, w)
	}
	return total
}

func (s *search) edgeCount() int {
	edges := 0
	for _, r := range s.routes {
		if len(r) > 0 {
			edges += len(r) + 1
		}
	}
	return edges
}

func (s *search) snapshot() [][]int {
	out := make([][]int, len(s.routes))
	for v, r := range s.routes {
		out[v] = append([]int(nil), r...)
	}
	return out
}

func (s *search) restore(routes [][]int) {
	s.routes = make([][]int, len(routes))
	for v, r := range routes {
		s.routes[v] = append([]int(nil), r...)
	}
	s.loads = loadsOf(s.p, s.routes)
}

// penalize raises the penalty of every edge of maximum utility in the
// current solution.
func (s *search) penalize() {
	type edge struct{ i, j int }
	var maxEdges []edge
	maxUtil := -1.0
	for _, r := range s.routes {
		if len(r) == 0 {
			continue
		}
		prev := 0
		for k := 0; k <= len(r); k++ {
			next := 0
			if k < len(r) {
				next = r[k]
			}
			util := float64(s.p.Distances[prev][next]) / float64(1+s.pen[prev][next])
			switch {
			case util > maxUtil:
				maxUtil = util
				maxEdges = append(maxEdges[:0], edge{prev, next})
			case util == maxUtil:
				maxEdges = append(maxEdges, edge{prev, next})
			}
			prev = next
		}
	}
	for _, e := range maxEdges {
		s.pen[e.i][e.j]++
		if e.i != e.j {
			s.pen[e.j][e.i]++
		}
	}
}

// descend applies improving moves under w until none is left or the deadline
// passes. Every applied move strictly lowers the objective.
func (s *search) descend(w func(i, j int) int, deadline time.Time) {
	for time.Now().Before(deadline) {
		if s.relocate(w) || s.exchange(w) || s.twoOpt(w) {
			continue
		}
		return
	}
}

// at returns the node at index k of r with index skip removed, or the depot
// past either end.
func at(r []int, skip, k int) int {
	if skip >= 0 && k >= skip {
		k++
	}
	if k < 0 || k >= len(r) {
		return 0
	}
	return r[k]
}

func (s *search) relocate(w func(i, j int) int) bool {
	for a, ra := range s.routes {
		for i, x := range ra {
			prev, next := at(ra, -1, i-1), at(ra, -1, i+1)
			gain := w(prev, x) + w(x, next) - w(prev, next)
			for b, rb := range s.routes {
				if b == a {
					for j := 0; j < len(ra); j++ {
						if j == i {
							continue
						}
						u, v := at(ra, i, j-1), at(ra, i, j)
						if w(u, x)+w(x, v)-w(u, v) < gain {
							s.routes[a] = insertAt(removeAt(ra, i), j, x)
							return true
						}
					}
					continue
				}
				if s.loads[b]+s.p.Demands[x] > s.p.Capacities[b] {
					continue
				}
				for j := 0; j <= len(rb); j++ {
					u, v := at(rb, -1, j-1), at(rb, -1, j)
					if w(u, x)+w(x, v)-w(u, v) < gain {
						s.routes[a] = removeAt(ra, i)
						s.routes[b] = insertAt(rb, j, x)
						s.loads[a] -= s.p.Demands[x]
						s.loads[b] += s.p.Demands[x]
						return true
					}
				}
			}
		}
	}
	return false
}

func (s *search) exchange(w func(i, j int) int) bool {
	dem := s.p.Demands
	for a := 0; a < len(s.routes); a++ {
		ra := s.routes[a]
		for b := a + 1; b < len(s.routes); b++ {
			rb := s.routes[b]
			for i, x := range ra {
				pa, na := at(ra, -1, i-1), at(ra, -1, i+1)
				for j, y := range rb {
					if s.loads[a]-dem[x]+dem[y] > s.p.Capacities[a] || s.loads[b]-dem[y]+dem[x] > s.p.Capacities[b] {
						continue
					}
					pb, nb := at(rb, -1, j-1), at(rb, -1, j+1)
					delta := w(pa, y) + w(y, na) - w(pa, x) - w(x, na) +
						w(pb, x) + w(x, nb) - w(pb, y) - w(y, nb)
					if delta < 0 {
						ra[i], rb[j] = y, x
						s.loads[a] += dem[y] - dem[x]
						s.loads[b] += dem[x] - dem[y]
						return true
					}
				}
			}
		}
	}
	return false
}

func (s *search) twoOpt(w func(i, j int) int) bool {
	for _, r := range s.routes {
		n := len(r)
		if n < 2 {
			continue
		}
		base := routeCost(r, w)
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				var delta int
				if s.symmetric {
					a, b, c, d := at(r, -1, i-1), r[i], r[k], at(r, -1, k+1)
					delta = w(a, c) + w(b, d) - w(a, b) - w(c, d)
				} else {
					reverse(r, i, k)
					delta = routeCost(r, w) - base
					reverse(r, i, k)
				}
				if delta < 0 {
					reverse(r, i, k)
					return true
				}
			}
		}
	}
	return false
}

func reverse(r []int, i, k int) {
	for ; i < k; i, k = i+1, k-1 {
		r[i], r[k] = r[k], r[i]
	}
}
