package fault

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scenario names a preset combination of faults.
type Scenario string

const (
	ScenarioNone           Scenario = "none"
	ScenarioRandomDrop     Scenario = "random-drop"
	ScenarioCrashBeforeAck Scenario = "crash-before-ack"
	ScenarioReceiverDelay  Scenario = "receiver-delay"
	ScenarioPartition      Scenario = "partition"
	ScenarioDuplicate      Scenario = "duplicate"
)

var scenarios = map[Scenario]func(*Injector){
	ScenarioNone:           func(*Injector) {},
	ScenarioRandomDrop:     func(i *Injector) { i.SetDropPercent(50) },
	ScenarioCrashBeforeAck: func(i *Injector) { i.SetCrashBeforeAck(true) },
	ScenarioReceiverDelay:  func(i *Injector) { i.SetInboundDelay(1500 * time.Millisecond) },
	ScenarioPartition:      func(i *Injector) { i.SetRejectConns(true) },
	ScenarioDuplicate:      func(i *Injector) { i.SetDuplicate(true) },
}

// Scenarios lists the known scenario names in sorted order.
func Scenarios() []Scenario {
	out := make([]Scenario, 0, len(scenarios))
	for s := range scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// ParseScenario resolves a scenario name case-insensitively.
func ParseScenario(name string) (Scenario, error) {
	s := Scenario(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := scenarios[s]; !ok {
		return "", fmt.Errorf("unknown scenario %q", name)
	}
	return s, nil
}

// ApplyScenario resets every fault and then applies the preset.
func (i *Injector) ApplyScenario(s Scenario) error {
	apply, ok := scenarios[s]
	if !ok {
		return fmt.Errorf("unknown scenario %q", s)
	}
	i.Reset()
	apply(i)
	return nil
}
