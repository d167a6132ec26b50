package registry

import (
	"fmt"
	"log"
	"strings"

	"github.com/st3v3nmw/splitcheck/internal/scenario"
)

func init() {
	log.SetFlags(0)
}

var (
	groups     = make(map[string]*Group)
	groupOrder []string
)

// Group is a named set of related scenarios.
type Group struct {
	Key           string
	Name          string
	Summary       string
	Scenarios     map[string]*Scenario
	ScenarioOrder []string
}

type Scenario struct {
	Key  string
	Name string
	Fn   SuiteFunc
}

type SuiteFunc func() *scenario.Suite

func (g *Group) AddScenario(key, name string, fn SuiteFunc) {
	if g.Scenarios == nil {
		g.Scenarios = make(map[string]*Scenario)
	}

	if _, exists := g.Scenarios[key]; exists {
		log.Fatalf("Scenario %s registered twice.", key)
	}

	g.Scenarios[key] = &Scenario{Key: key, Name: name, Fn: fn}
	g.ScenarioOrder = append(g.ScenarioOrder, key)
}

func (g *Group) Len() int {
	return len(g.ScenarioOrder)
}

func RegisterGroup(key string, group *Group) {
	if len(group.Scenarios) == 0 {
		log.Fatalf("Cannot register empty group %s.", key)
	}

	if _, exists := groups[key]; !exists {
		groupOrder = append(groupOrder, key)
	}

	group.Key = key
	groups[key] = group
}

func GetGroup(key string) (*Group, error) {
	group, exists := groups[key]
	if !exists {
		return nil, fmt.Errorf("group %q not found", key)
	}

	return group, nil
}

// GetScenario looks a scenario up by key across every group.
func GetScenario(key string) (*Scenario, error) {
	for _, g := range GetAllGroups() {
		if s, exists := g.Scenarios[key]; exists {
			return s, nil
		}
	}

	return nil, fmt.Errorf("scenario %q not found\nAvailable scenarios: %s", key, strings.Join(ScenarioKeys(), ", "))
}

// GetAllGroups returns groups in registration order.
func GetAllGroups() []*Group {
	all := make([]*Group, 0, len(groupOrder))
	for _, key := range groupOrder {
		all = append(all, groups[key])
	}

	return all
}

// GetAllScenarios returns every scenario in registration order.
func GetAllScenarios() []*Scenario {
	var all []*Scenario
	for _, g := range GetAllGroups() {
		for _, key := range g.ScenarioOrder {
			all = append(all, g.Scenarios[key])
		}
	}

	return all
}

func ScenarioKeys() []string {
	var keys []string
	for _, s := range GetAllScenarios() {
		keys = append(keys, s.Key)
	}

	return keys
}
