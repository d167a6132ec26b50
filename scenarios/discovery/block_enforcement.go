package discovery

import (
	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/disrupt"
	"github.com/st3v3nmw/splitcheck/internal/oracle"
	. "github.com/st3v3nmw/splitcheck/internal/scenario"
)

func BlockEnforcement() *Suite {
	var (
		topology *disrupt.Topology
		scheme   disrupt.Scheme
	)

	// partition isolates a random minority and checks both sides.
	partition := func(r *Run, block cluster.Block) {
		topology = r.RandomSplit()
		scheme = r.RandomPartition(topology)
		r.Disrupt(scheme)

		for _, node := range topology.Minority {
			r.Await(node, r.Config().OracleTimeout, oracle.NoMaster(), oracle.HasBlock(block))
		}

		for _, node := range topology.Majority {
			r.Await(node, r.Config().OracleTimeout, oracle.HasMaster(), oracle.NoBlocks())
		}

		v := r.EnsureStable(len(topology.Majority), topology.Majority[0], r.Config().StableTimeout)
		if topology.InMinority(v.Master) {
			r.Fatalf("majority follows %s, which is on the minority side %v", v.Master, topology.Minority)
		}
		r.SingleMaster(r.Roster()...)
	}

	heal := func(r *Run) {
		r.Heal(scheme)
		r.EnsureStable(len(r.Roster()), topology.Majority[0], r.HealTimeout(scheme))
	}

	return New().
		// 0
		Setup(func(r *Run) {
			r.StartCluster(r.Config().Nodes)
			r.CreateIndex(r.Config().Replicas)
		}).

		// 1
		Test("Minority Applies The Configured Block", func(r *Run) {
			partition(r, r.ConfiguredBlock())
		}).

		// 2
		Test("Cluster Reforms After Healing", func(r *Run) {
			heal(r)
			r.Verify()
		}).

		// 3
		Test("Minority Applies A Full Block Once Configured", func(r *Run) {
			r.SetNoMasterBlock(cluster.NoMasterAllBlock)
			r.EnsureStable(len(r.Roster()), r.Roster()[0], r.Config().StableTimeout)

			partition(r, cluster.NoMasterAllBlock)
		}).

		// 4
		Test("Cluster Reforms Again", func(r *Run) {
			heal(r)
			r.Verify()
		})
}
