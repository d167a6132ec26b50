package discovery

import (
	"github.com/st3v3nmw/splitcheck/internal/disrupt"
	. "github.com/st3v3nmw/splitcheck/internal/scenario"
)

func RejoinConsistency() *Suite {
	var (
		topology *disrupt.Topology
		scheme   disrupt.Scheme
		docID    string
	)

	return New().
		// 0
		Setup(func(r *Run) {
			roster := r.StartCluster(r.Config().Nodes)
			r.CreateIndex(len(roster) - 1)
		}).

		// 1
		Test("Isolate A Random Node", func(r *Run) {
			roster := r.Roster()
			topology = r.Isolate(roster[r.Rand().IntN(len(roster))])
			scheme = r.RandomPartition(topology)
			r.Disrupt(scheme)
		}).

		// 2
		Test("Majority Accepts A Write", func(r *Run) {
			via := topology.Majority[0]
			r.EnsureStable(len(topology.Majority), via, r.Config().StableTimeout)

			docID = r.DocID("rejoin")
			if res := r.Write(via, docID); res.Version != 1 {
				r.Fatalf("new document %s acknowledged at version %d, expected 1", docID, res.Version)
			}

			if res := r.Read(via, docID); !res.Found || res.Version != 1 {
				r.Fatalf("%s cannot read back %s: found=%v version=%d", via, docID, res.Found, res.Version)
			}
		}).

		// 3
		Test("Rejoined Node Has The Write", func(r *Run) {
			r.Heal(scheme)
			r.EnsureStable(len(r.Roster()), topology.Majority[0], r.HealTimeout(scheme))

			for _, node := range r.Roster() {
				res := r.Read(node, docID)
				if !res.Found || res.Version != 1 {
					r.Fatalf("%s has %s at found=%v version=%d after rejoining, expected version 1",
						node, docID, res.Found, res.Version)
				}
			}
		})
}
