package disrupt

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// Topology splits a roster into a majority side that can still form a
// quorum and a minority side that cannot.
type Topology struct {
	Majority []string
	Minority []string
	Quorum   int
}

// Quorum returns the minimum number of master-eligible nodes that must be
// visible to elect a master in a cluster of n nodes.
func Quorum(n int) int {
	return n/2 + 1
}

func validateRoster(roster []string, quorum int) error {
	if quorum < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidQuorum, quorum)
	}

	if len(roster) < quorum+1 {
		return fmt.Errorf("%w: %d nodes, quorum %d", ErrRosterTooSmall, len(roster), quorum)
	}

	return nil
}

// Isolate places node alone on the minority side.
func Isolate(roster []string, node string, quorum int) (*Topology, error) {
	if err := validateRoster(roster, quorum); err != nil {
		return nil, err
	}

	if !slices.Contains(roster, node) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	majority := make([]string, 0, len(roster)-1)
	for _, n := range roster {
		if n != node {
			majority = append(majority, n)
		}
	}

	return &Topology{Majority: majority, Minority: []string{node}, Quorum: quorum}, nil
}

// RandomSplit draws a minority of between 1 and len(roster)-quorum nodes.
func RandomSplit(roster []string, quorum int, rnd *rand.Rand) (*Topology, error) {
	if err := validateRoster(roster, quorum); err != nil {
		return nil, err
	}

	size := 1 + rnd.IntN(len(roster)-quorum)
	perm := rnd.Perm(len(roster))

	t := &Topology{Quorum: quorum}
	for i, idx := range perm {
		if i < size {
			t.Minority = append(t.Minority, roster[idx])
		} else {
			t.Majority = append(t.Majority, roster[idx])
		}
	}

	slices.Sort(t.Minority)
	slices.Sort(t.Majority)

	return t, nil
}

// InMinority reports whether node is on the minority side.
func (t *Topology) InMinority(node string) bool {
	return slices.Contains(t.Minority, node)
}

// CrossPairs returns every ordered pair with one node on each side.
func (t *Topology) CrossPairs() [][2]string {
	pairs := make([][2]string, 0, 2*len(t.Majority)*len(t.Minority))
	for _, a := range t.Majority {
		for _, b := range t.Minority {
			pairs = append(pairs, [2]string{a, b}, [2]string{b, a})
		}
	}

	return pairs
}

func (t *Topology) String() string {
	return strings.Join(t.Minority, ",") + " | " + strings.Join(t.Majority, ",")
}

// allPairs returns every ordered pair of distinct roster nodes.
func allPairs(roster []string) [][2]string {
	var pairs [][2]string
	for _, a := range roster {
		for _, b := range roster {
			if a != b {
				pairs = append(pairs, [2]string{a, b})
			}
		}
	}

	return pairs
}
