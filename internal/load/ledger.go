package load

import (
	"fmt"

	"github.com/st3v3nmw/splitcheck/pkg/threadsafe"
)

// Ack records which node acknowledged a write and at what version.
type Ack struct {
	Node    string
	Version int64
}

// Ledger is the add-only record of acknowledged writes.
type Ledger struct {
	acks *threadsafe.Map[string, Ack]
}

func NewLedger() *Ledger {
	return &Ledger{acks: threadsafe.NewMap[string, Ack]()}
}

// Add records an acknowledged write. Document ids are unique per run, so a
// second ack for the same id is an error.
func (l *Ledger) Add(id string, ack Ack) error {
	if !l.acks.SetIfAbsent(id, ack) {
		return fmt.Errorf("%w: %s", ErrDuplicateAck, id)
	}

	return nil
}

func (l *Ledger) Get(id string) (Ack, bool) {
	return l.acks.Get(id)
}

func (l *Ledger) Len() int {
	return l.acks.Len()
}

// IDs returns every recorded id in ascending order.
func (l *Ledger) IDs() []string {
	return l.acks.Keys()
}
