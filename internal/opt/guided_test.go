//go:build !greedyonly

package opt

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetplan/internal/model"
)

func randomProblem(rng *rand.Rand, stops, vehicles int) Problem {
	points := []model.GeoPoint{{Lat: 52.37, Lng: 4.89}}
	demands := []int{0}
	total := 0
	for i := 0; i < stops; i++ {
		points = append(points, model.GeoPoint{Lat: 52.2 + rng.Float64()*0.4, Lng: 4.7 + rng.Float64()*0.4})
		d := 1 + rng.Intn(9)
		demands = append(demands, d)
		total += d
	}
	caps := make([]int, vehicles)
	for v := range caps {
		caps[v] = total/vehicles + 10
	}
	return Problem{Distances: BuildMatrix(points), Demands: demands, Capacities: caps, TimeLimit: 300 * time.Millisecond}
}

func assertValid(t *testing.T, p Problem, sol Solution) {
	t.Helper()
	seen := map[int]bool{}
	for _, plan := range sol.Plans {
		require.NotEmpty(t, plan.Stops)
		load := 0
		nodes := make([]int, len(plan.Stops))
		for i, s := range plan.Stops {
			require.False(t, seen[s], "stop %d visited twice", s)
			seen[s] = true
			load += p.Demands[s+1]
			nodes[i] = s + 1
		}
		assert.Equal(t, load, plan.Load)
		assert.LessOrEqual(t, plan.Load, p.Capacities[plan.VehicleIndex])
		assert.Equal(t, routeCost(nodes, func(i, j int) int { return p.Distances[i][j] }), plan.Distance)
	}
	assert.Len(t, seen, len(p.Demands)-1)
}

func TestGuidedCapacityAndCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		p := randomProblem(rng, 12+rng.Intn(20), 1+rng.Intn(4))
		sol := (&Guided{}).Solve(p)
		require.False(t, sol.Empty())
		assertValid(t, p, sol)
		assert.Equal(t, EngineGuided, sol.Metrics.Engine)
		assert.LessOrEqual(t, sol.Metrics.BestCost, sol.Metrics.InitialCost)
		assert.Equal(t, sol.TotalDistance(), sol.Metrics.BestCost)
	}
}

func TestGuidedNeverWorseThanGreedy(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 10; i++ {
		p := randomProblem(rng, 25, 3)
		greedy := Greedy{}.Solve(p)
		guided := (&Guided{}).Solve(p)
		require.False(t, guided.Empty())
		if !greedy.Empty() {
			assert.LessOrEqual(t, guided.TotalDistance(), greedy.TotalDistance())
		}
	}
}

func TestGuidedRepairsWhereGreedyFails(t *testing.T) {
	p := Problem{
		Distances:  lineMatrix(0, 2, 3, 1),
		Demands:    []int{0, 3, 3, 4},
		Capacities: []int{6, 4},
	}
	require.True(t, Greedy{}.Solve(p).Empty())
	sol := (&Guided{}).Solve(p)
	require.Len(t, sol.Plans, 2)
	assertValid(t, p, sol)
}

func TestGuidedMatchesBruteForceSingleVehicle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := randomProblem(rng, 6, 1)
	best := -1
	permute([]int{1, 2, 3, 4, 5, 6}, 0, func(r []int) {
		if c := routeCost(r, func(i, j int) int { return p.Distances[i][j] }); best == -1 || c < best {
			best = c
		}
	})
	plan, ok := SolveSingle(&Guided{}, p.Distances, p.Demands, p.Capacities[0], time.Second)
	require.True(t, ok)
	assert.LessOrEqual(t, plan.Distance, best*105/100)
}

func TestGuidedTwoStopScenario(t *testing.T) {
	points := []model.GeoPoint{{Lat: 10, Lng: 20}, {Lat: 10, Lng: 20.01}, {Lat: 11, Lng: 21}}
	p := Problem{Distances: BuildMatrix(points), Demands: []int{0, 5, 8}, Capacities: []int{50, 50}, TimeLimit: time.Second}
	sol := (&Guided{}).Solve(p)
	require.False(t, sol.Empty())
	stops, load := 0, 0
	for _, plan := range sol.Plans {
		stops += len(plan.Stops)
		load += plan.Load
	}
	assert.Equal(t, 2, stops)
	assert.Equal(t, 13, load)
}

func TestGuidedInfeasibleCapacity(t *testing.T) {
	p := Problem{Distances: lineMatrix(0, 1), Demands: []int{0, 5}, Capacities: []int{3}}
	assert.True(t, (&Guided{}).Solve(p).Empty())
}

func TestGuidedAsymmetricMatrix(t *testing.T) {
	d := [][]int{
		{0, 1, 9, 9},
		{9, 0, 1, 9},
		{9, 9, 0, 1},
		{1, 9, 9, 0},
	}
	plan, ok := SolveSingle(&Guided{}, d, []int{0, 1, 1, 1}, 3, 200*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, plan.Stops)
	assert.Equal(t, 4, plan.Distance)
}

func permute(a []int, k int, visit func([]int)) {
	if k == len(a) {
		visit(a)
		return
	}
	for i := k; i < len(a); i++ {
		a[k], a[i] = a[i], a[k]
		permute(a, k+1, visit)
		a[k], a[i] = a[i], a[k]
	}
}
