package opt

import "time"

// DefaultTimeLimit bounds a single solve when the caller does not set one.
const DefaultTimeLimit = 5 * time.Second

// Problem is a capacitated routing instance over an opaque cost matrix.
// Node 0 is the depot; nodes 1..N-1 are stops.
type Problem struct {
	Distances  [][]int
	Demands    []int // Demands[0] must be 0
	Capacities []int // one per vehicle, in assignment order
	TimeLimit  time.Duration
}

// VehiclePlan is the visiting order of one vehicle. Stops index into
// Demands[1:], so stop k is node k+1.
type VehiclePlan struct {
	VehicleIndex int
	Stops        []int
	Distance     int // depot to first stop through return to depot
	Load         int
}

type Metrics struct {
	Engine       string
	Iterations   int
	Improvements int
	InitialCost  int
	BestCost     int
	Elapsed      time.Duration
}

// Solution holds one plan per used vehicle. An empty solution means no
// feasible assignment was found; callers must not treat it as partial.
type Solution struct {
	Plans   []VehiclePlan
	Metrics Metrics
}

func (s Solution) Empty() bool { return len(s.Plans) == 0 }

// TotalDistance sums the distance of every plan.
func (s Solution) TotalDistance() int {
	total := 0
	for _, p := range s.Plans {
		total += p.Distance
	}
	return total
}

// Solver is implemented by every routing engine. Implementations keep no
// state between calls.
type Solver interface {
	Name() string
	Solve(p Problem) Solution
}

// SolveSingle resequences a stop set for one vehicle of the given capacity.
func SolveSingle(s Solver, dist [][]int, demands []int, capacity int, limit time.Duration) (VehiclePlan, bool) {
	sol := s.Solve(Problem{Distances: dist, Demands: demands, Capacities: []int{capacity}, TimeLimit: limit})
	if len(sol.Plans) != 1 {
		return VehiclePlan{}, false
	}
	return sol.Plans[0], true
}

func (p Problem) timeLimit() time.Duration {
	if p.TimeLimit <= 0 {
		return DefaultTimeLimit
	}
	return p.TimeLimit
}

// feasible reports whether the instance is well formed and could possibly be
// covered by the fleet.
func (p Problem) feasible() bool {
	n := len(p.Distances)
	if n < 2 || len(p.Demands) != n || len(p.Capacities) == 0 || p.Demands[0] != 0 {
		return false
	}
	for _, row := range p.Distances {
		if len(row) != n {
			return false
		}
	}
	demand, capacity := 0, 0
	for _, d := range p.Demands {
		if d < 0 {
			return false
		}
		demand += d
	}
	for _, c := range p.Capacities {
		if c > 0 {
			capacity += c
		}
	}
	return demand <= capacity
}

// routeCost is the closed tour cost of a node sequence under w.
func routeCost(route []int, w func(i, j int) int) int {
	if len(route) == 0 {
		return 0
	}
	cost := w(0, route[0])
	for i := 0; i+1 < len(route); i++ {
		cost += w(route[i], route[i+1])
	}
	return cost + w(route[len(route)-1], 0)
}

// plans converts per-vehicle node sequences into the public result shape.
func (p Problem) plans(routes [][]int) []VehiclePlan {
	dist := func(i, j int) int { return p.Distances[i][j] }
	var out []VehiclePlan
	for v, r := range routes {
		if len(r) == 0 {
			continue
		}
		plan := VehiclePlan{VehicleIndex: v, Stops: make([]int, len(r)), Distance: routeCost(r, dist)}
		for i, node := range r {
			plan.Stops[i] = node - 1
			plan.Load += p.Demands[node]
		}
		out = append(out, plan)
	}
	return out
}

// nearestFeasible extends each vehicle in order from the depot with the
// closest stop that still fits. Ties go to the lower node index. It returns
// the routes and the nodes it could not place.
func nearestFeasible(p Problem) ([][]int, []int) {
	n := len(p.Distances)
	assigned := make([]bool, n)
	assigned[0] = true
	routes := make([][]int, len(p.Capacities))
	for v, capacity := range p.Capacities {
		current, remaining := 0, capacity
		for {
			next := -1
			for j := 1; j < n; j++ {
				if assigned[j] || p.Demands[j] > remaining {
					continue
				}
				if next == -1 || p.Distances[current][j] < p.Distances[current][next] {
					next = j
				}
			}
			if next == -1 {
				break
			}
			assigned[next] = true
			routes[v] = append(routes[v], next)
			remaining -= p.Demands[next]
			current = next
		}
	}
	var left []int
	for j := 1; j < n; j++ {
		if !assigned[j] {
			left = append(left, j)
		}
	}
	return routes, left
}
