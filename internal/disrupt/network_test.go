package disrupt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// recordingNetwork tracks the rules a scheme installs.
type recordingNetwork struct {
	mu    sync.Mutex
	rules map[[2]string]string
	slow  map[string][2]time.Duration
	fail  map[[2]string]error
}

func newRecordingNetwork() *recordingNetwork {
	return &recordingNetwork{
		rules: make(map[[2]string]string),
		slow:  make(map[string][2]time.Duration),
		fail:  make(map[[2]string]error),
	}
}

func (n *recordingNetwork) set(from, to, rule string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err, ok := n.fail[[2]string{from, to}]; ok {
		return err
	}

	n.rules[[2]string{from, to}] = rule
	return nil
}

func (n *recordingNetwork) Disconnect(_ context.Context, from, to string) error {
	return n.set(from, to, "disconnect")
}

func (n *recordingNetwork) Blackhole(_ context.Context, from, to string) error {
	return n.set(from, to, "blackhole")
}

func (n *recordingNetwork) Delay(_ context.Context, from, to string, min, max time.Duration) error {
	return n.set(from, to, fmt.Sprintf("delay %s-%s", min, max))
}

func (n *recordingNetwork) Heal(_ context.Context, from, to string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.rules, [2]string{from, to})
	return nil
}

func (n *recordingNetwork) SlowApply(_ context.Context, node string, min, max time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.slow[node] = [2]time.Duration{min, max}
	return nil
}

func (n *recordingNetwork) RestoreApply(_ context.Context, node string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.slow, node)
	return nil
}

func (n *recordingNetwork) ruleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.rules) + len(n.slow)
}

func (n *recordingNetwork) rule(from, to string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.rules[[2]string{from, to}]
}

func (n *recordingNetwork) failOn(from, to string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.fail[[2]string{from, to}] = err
}
