package discovery

import "github.com/st3v3nmw/splitcheck/internal/registry"

func init() {
	group := &registry.Group{
		Name: "Discovery and Master Election",
		Summary: `Partitions the configured cluster in different ways and checks that a
minority never keeps or elects a master, that minority nodes block writes,
and that the cluster reforms with every acknowledged write intact once the
partition heals.`,
	}

	group.AddScenario("split-brain-avoidance", "Isolated Node Cannot Keep A Master", SplitBrainAvoidance)
	group.AddScenario("block-enforcement", "Minority Nodes Apply The No-Master Block", BlockEnforcement)
	group.AddScenario("isolated-master-consensus", "Isolated Master Steps Down", IsolatedMasterConsensus)
	group.AddScenario("write-durability-under-partition", "Acknowledged Writes Survive Faults", WriteDurability)
	group.AddScenario("rejoin-consistency", "Rejoined Node Catches Up", RejoinConsistency)

	registry.RegisterGroup("discovery", group)
}
