package opt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineMatrix places node i at coordinate xs[i] on a line.
func lineMatrix(xs ...int) [][]int {
	m := make([][]int, len(xs))
	for i := range xs {
		m[i] = make([]int, len(xs))
		for j := range xs {
			d := xs[i] - xs[j]
			if d < 0 {
				d = -d
			}
			m[i][j] = d
		}
	}
	return m
}

func TestGreedyNearestFeasibleOrder(t *testing.T) {
	p := Problem{
		Distances:  lineMatrix(0, 5, 1, 3),
		Demands:    []int{0, 1, 1, 1},
		Capacities: []int{10},
	}
	sol := Greedy{}.Solve(p)
	require.Len(t, sol.Plans, 1)
	plan := sol.Plans[0]
	assert.Equal(t, 0, plan.VehicleIndex)
	// nodes 2,3,1 are stops 1,2,0
	assert.Equal(t, []int{1, 2, 0}, plan.Stops)
	assert.Equal(t, 10, plan.Distance)
	assert.Equal(t, 3, plan.Load)
	assert.Equal(t, EngineGreedy, sol.Metrics.Engine)
}

func TestGreedyMovesToNextVehicleWhenFull(t *testing.T) {
	p := Problem{
		Distances:  lineMatrix(0, 1, 2, 3),
		Demands:    []int{0, 4, 4, 4},
		Capacities: []int{8, 8},
	}
	sol := Greedy{}.Solve(p)
	require.Len(t, sol.Plans, 2)
	assert.Equal(t, []int{0, 1}, sol.Plans[0].Stops)
	assert.Equal(t, 8, sol.Plans[0].Load)
	assert.Equal(t, 1, sol.Plans[1].VehicleIndex)
	assert.Equal(t, []int{2}, sol.Plans[1].Stops)
	assert.Equal(t, 6, sol.Plans[1].Distance)
}

func TestGreedySkipsUnusedVehicles(t *testing.T) {
	p := Problem{
		Distances:  lineMatrix(0, 1, 2),
		Demands:    []int{0, 2, 2},
		Capacities: []int{1, 10, 10},
	}
	sol := Greedy{}.Solve(p)
	require.Len(t, sol.Plans, 1)
	assert.Equal(t, 1, sol.Plans[0].VehicleIndex)
}

func TestGreedyAllOrNothing(t *testing.T) {
	// node 3 is closest and eats vehicle 0; node 2 is left over even though
	// total capacity matches total demand
	p := Problem{
		Distances:  lineMatrix(0, 2, 3, 1),
		Demands:    []int{0, 3, 3, 4},
		Capacities: []int{6, 4},
	}
	assert.True(t, Greedy{}.Solve(p).Empty())
}

func TestGreedyRejectsMalformed(t *testing.T) {
	cases := map[string]Problem{
		"no stops":        {Distances: lineMatrix(0), Demands: []int{0}, Capacities: []int{1}},
		"no vehicles":     {Distances: lineMatrix(0, 1), Demands: []int{0, 1}},
		"demand mismatch": {Distances: lineMatrix(0, 1), Demands: []int{0}, Capacities: []int{1}},
		"depot demand":    {Distances: lineMatrix(0, 1), Demands: []int{1, 1}, Capacities: []int{5}},
		"ragged matrix":   {Distances: [][]int{{0, 1}, {1}}, Demands: []int{0, 1}, Capacities: []int{5}},
		"over capacity":   {Distances: lineMatrix(0, 1), Demands: []int{0, 5}, Capacities: []int{3}},
		"negative demand": {Distances: lineMatrix(0, 1, 2), Demands: []int{0, -1, 1}, Capacities: []int{3}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, Greedy{}.Solve(p).Empty())
		})
	}
}

func TestSolveSingle(t *testing.T) {
	plan, ok := SolveSingle(Greedy{}, lineMatrix(0, 3, 1), []int{0, 2, 2}, 4, 0)
	require.True(t, ok)
	assert.Equal(t, []int{1, 0}, plan.Stops)
	assert.Equal(t, 4, plan.Load)

	_, ok = SolveSingle(Greedy{}, lineMatrix(0, 3, 1), []int{0, 2, 2}, 3, 0)
	assert.False(t, ok)
}
