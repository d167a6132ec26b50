package oracle

import (
	"fmt"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

// Checker is a composable predicate used in assertions to validate actual values
// against expected conditions.
type Checker[T any] interface {
	// Check returns true if actual satisfies this checker's condition.
	Check(actual T) bool
	// Expected returns a human-readable description of what was expected.
	Expected() string
}

// nodeCountChecker validates the number of nodes in a view.
type nodeCountChecker struct {
	count int
}

// NodeCount creates a checker that expects exactly count nodes.
func NodeCount(count int) nodeCountChecker {
	return nodeCountChecker{count: count}
}

func (m nodeCountChecker) Check(actual cluster.View) bool {
	return len(actual.Nodes) == m.count
}

func (m nodeCountChecker) Expected() string {
	return fmt.Sprintf("%d nodes", m.count)
}

// masterChecker validates the elected master.
type masterChecker struct {
	id      string
	present bool
}

// HasMaster creates a checker that expects some master to be elected.
func HasMaster() masterChecker {
	return masterChecker{present: true}
}

// NoMaster creates a checker that expects no master.
func NoMaster() masterChecker {
	return masterChecker{}
}

// MasterIs creates a checker that expects id to be the master.
func MasterIs(id string) masterChecker {
	return masterChecker{id: id, present: true}
}

func (m masterChecker) Check(actual cluster.View) bool {
	switch {
	case !m.present:
		return actual.Master == ""
	case m.id != "":
		return actual.Master == m.id
	default:
		return actual.Master != ""
	}
}

func (m masterChecker) Expected() string {
	switch {
	case !m.present:
		return "no master"
	case m.id != "":
		return fmt.Sprintf("master %s", m.id)
	default:
		return "a master"
	}
}

// blockChecker validates cluster blocks.
type blockChecker struct {
	block cluster.Block
}

// HasBlock creates a checker that expects block to be present.
func HasBlock(block cluster.Block) blockChecker {
	return blockChecker{block: block}
}

// NoBlocks creates a checker that expects no blocks at all.
func NoBlocks() blockChecker {
	return blockChecker{}
}

func (m blockChecker) Check(actual cluster.View) bool {
	if m.block == "" {
		return len(actual.Blocks) == 0
	}

	return actual.HasBlock(m.block)
}

func (m blockChecker) Expected() string {
	if m.block == "" {
		return "no blocks"
	}

	return fmt.Sprintf("block %s", m.block)
}

// relocationChecker validates that no shard copies are moving.
type relocationChecker struct{}

// NoRelocations creates a checker that expects zero relocating shards.
func NoRelocations() relocationChecker {
	return relocationChecker{}
}

func (relocationChecker) Check(actual cluster.View) bool {
	return actual.Relocating == 0
}

func (relocationChecker) Expected() string {
	return "no relocating shards"
}

// notChecker negates another checker.
type notChecker[T any] struct {
	checker Checker[T]
}

// Not creates a checker that negates another checker.
func Not[T any](checker Checker[T]) notChecker[T] {
	return notChecker[T]{checker: checker}
}

func (m notChecker[T]) Check(actual T) bool {
	return !m.checker.Check(actual)
}

func (m notChecker[T]) Expected() string {
	return fmt.Sprintf("not %s", m.checker.Expected())
}

// checkAll returns true if all checkers pass for the given value.
// If onFail is provided, it's called with the first failing checker.
func checkAll[T any](value T, checkers []Checker[T], onFail func(Checker[T], T)) bool {
	for _, checker := range checkers {
		if !checker.Check(value) {
			if onFail != nil {
				onFail(checker, value)
			}

			return false
		}
	}

	return true
}

// describe joins the expectations of every checker.
func describe[T any](checkers []Checker[T]) string {
	s := ""
	for i, c := range checkers {
		if i > 0 {
			s += ", "
		}
		s += c.Expected()
	}

	return s
}
