package discovery

import (
	"github.com/st3v3nmw/splitcheck/internal/disrupt"
	"github.com/st3v3nmw/splitcheck/internal/oracle"
	. "github.com/st3v3nmw/splitcheck/internal/scenario"
)

func IsolatedMasterConsensus() *Suite {
	var (
		master   string
		topology *disrupt.Topology
		scheme   disrupt.Scheme
	)

	return New().
		// 0
		Setup(func(r *Run) {
			r.StartCluster(r.Config().Nodes)
			r.CreateIndex(r.Config().Replicas)
		}).

		// 1
		Test("Isolate The Master", func(r *Run) {
			master = r.Master(r.Roster()[0])
			topology = r.Isolate(master)
			scheme = r.RandomPartition(topology)
			r.Disrupt(scheme)
		}).

		// 2
		Test("Remaining Nodes Elect A New Master", func(r *Run) {
			v := r.EnsureStable(len(topology.Majority), topology.Majority[0], r.Config().StableTimeout)
			if v.Master == master {
				r.Fatalf("%s still follows isolated master %s", v.Node, master)
			}

			for _, node := range topology.Majority {
				r.Await(node, r.Config().OracleTimeout, oracle.HasMaster(), oracle.Not(oracle.MasterIs(master)))
				r.Consistently(node, oracle.HasMaster(), oracle.Not(oracle.MasterIs(master)))
			}

			r.Await(master, r.Config().OracleTimeout, oracle.NoMaster())
			r.SingleMaster(r.Roster()...)
		}).

		// 3
		Test("Cluster Converges After Healing", func(r *Run) {
			r.Heal(scheme)
			r.EnsureStable(len(r.Roster()), topology.Majority[0], r.HealTimeout(scheme))
			r.Verify()
		})
}
