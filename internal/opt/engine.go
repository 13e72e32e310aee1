package opt

import (
	"fmt"
	"sort"
	"sync"
)

// Engine names accepted by Detect.
const (
	EngineGuided = "guided"
	EngineGreedy = "greedy"
)

var (
	enginesMu sync.RWMutex
	engines   = map[string]func() Solver{}
)

func register(name string, f func() Solver) {
	enginesMu.Lock()
	engines[name] = f
	enginesMu.Unlock()
}

// Available lists the engines compiled into this binary.
func Available() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	out := make([]string, 0, len(engines))
	for name := range engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Detect returns the engine to use for the process. "auto" (or empty) picks
// the guided engine when it is available and falls back to greedy.
func Detect(preference string) (Solver, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	switch preference {
	case "", "auto":
		if f, ok := engines[EngineGuided]; ok {
			return f(), nil
		}
		return engines[EngineGreedy](), nil
	}
	f, ok := engines[preference]
	if !ok {
		return nil, fmt.Errorf("opt.Detect: engine %q not available", preference)
	}
	return f(), nil
}
