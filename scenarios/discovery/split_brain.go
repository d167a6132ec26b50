package discovery

import (
	"slices"

	"github.com/st3v3nmw/splitcheck/internal/disrupt"
	"github.com/st3v3nmw/splitcheck/internal/oracle"
	. "github.com/st3v3nmw/splitcheck/internal/scenario"
)

func SplitBrainAvoidance() *Suite {
	var (
		master   string
		isolated string
		topology *disrupt.Topology
		scheme   disrupt.Scheme
	)

	return New().
		// 0
		Setup(func(r *Run) {
			r.StartCluster(r.Config().Nodes)
		}).

		// 1
		Test("Isolate A Non-Master Node", func(r *Run) {
			roster := r.Roster()
			master = r.Master(roster[0])

			others := slices.DeleteFunc(roster, func(n string) bool { return n == master })
			isolated = others[r.Rand().IntN(len(others))]

			topology = r.Isolate(isolated)
			scheme = disrupt.NewDisconnect(r.Network(), r.Roster(), topology)
			r.Disrupt(scheme)
		}).

		// 2
		Test("Majority Keeps Its Master", func(r *Run) {
			v := r.EnsureStable(len(topology.Majority), master, r.Config().StableTimeout)
			if v.Master != master {
				r.Fatalf("majority changed master from %s to %s while only %s was isolated", master, v.Master, isolated)
			}

			for _, node := range topology.Majority {
				r.Consistently(node, oracle.MasterIs(master))
			}
		}).

		// 3
		Test("Isolated Node Has No Master", func(r *Run) {
			r.Await(isolated, r.Config().OracleTimeout, oracle.NoMaster())
			r.Consistently(isolated, oracle.NoMaster())
			r.SingleMaster(r.Roster()...)
		}).

		// 4
		Test("Cluster Reforms Around The Same Master", func(r *Run) {
			r.Heal(scheme)
			n := len(r.Roster())
			r.EnsureStable(n, master, r.HealTimeout(scheme))

			for _, node := range r.Roster() {
				r.Await(node, r.Config().OracleTimeout, oracle.NodeCount(n), oracle.MasterIs(master))
			}
		})
}
