package runner

import (
	"fmt"
	"sort"
)

// KeyPolicy decides which key each write cycle targets.
type KeyPolicy string

const (
	// KeyFresh writes a brand new key every cycle.
	KeyFresh KeyPolicy = "fresh"
	// KeyReuse rotates over a fixed set of keys owned by the user.
	KeyReuse KeyPolicy = "reuse"
	// KeyHot keeps rewriting a single key per user.
	KeyHot KeyPolicy = "hot"
)

const (
	ScenarioReadWrite = "readwrite"
	ScenarioFreshKeys = "fresh-keys"
	ScenarioHotKey    = "hot-key"
)

// Scenario is an operation mix selectable by name.
type Scenario struct {
	Name        string
	Description string
	Keys        KeyPolicy
}

var scenarios = map[string]Scenario{
	ScenarioReadWrite: {
		Name:        ScenarioReadWrite,
		Description: "write then read back, rotating over a few keys per user",
		Keys:        KeyReuse,
	},
	ScenarioFreshKeys: {
		Name:        ScenarioFreshKeys,
		Description: "write a new key every cycle then read it back",
		Keys:        KeyFresh,
	},
	ScenarioHotKey: {
		Name:        ScenarioHotKey,
		Description: "overwrite one key per user and poll it",
		Keys:        KeyHot,
	},
}

func LookupScenario(name string) (Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

// ScenarioNames lists the known scenarios, sorted.
func ScenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// KeySource returns the key a user writes in a given cycle. Keys embed the run
// and user ids so no two users ever share one.
func (s Scenario) KeySource(runID string, userID, keysPerUser int) KeySource {
	if keysPerUser < 1 {
		keysPerUser = 1
	}
	return func(cycle uint64) string {
		var n uint64
		switch s.Keys {
		case KeyFresh:
			n = cycle
		case KeyReuse:
			n = cycle % uint64(keysPerUser)
		}
		return fmt.Sprintf("%s-u%d-k%d", runID, userID, n)
	}
}
