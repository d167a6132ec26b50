package discovery

import (
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/splitcheck/internal/load"
	. "github.com/st3v3nmw/splitcheck/internal/scenario"
)

// Writes per worker are drawn from [0, maxSteadyWrites] before any fault
// and from [1, maxFaultWrites] under each fault.
const (
	maxSteadyWrites = 3
	maxFaultWrites  = 5
)

func WriteDurability() *Suite {
	return New().
		// 0
		Setup(func(r *Run) {
			r.StartCluster(r.Config().Nodes)
			r.CreateIndex(r.Config().Replicas)
			r.StartLoad()
		}).

		// 1
		Test("Writes Succeed Before Any Fault", func(r *Run) {
			perWorker := r.Rand().IntN(maxSteadyWrites + 1)
			timeout := load.RoundTimeout(r.Config().RoundTimeout, 0, perWorker, len(r.Roster()))

			res := r.Round(perWorker, timeout)
			if res.Acked != res.Requested {
				r.Fatalf("only %d of %d writes acknowledged on a healthy cluster", res.Acked, res.Requested)
			}

			r.VerifyLedger()
		}).

		// 2
		Test("Acknowledged Writes Survive Random Faults", func(r *Run) {
			iterations := r.Config().FaultRounds

			for i := range iterations {
				topology := r.RandomSplit()
				scheme := r.RandomScheme(topology)

				r.Log().WithFields(logrus.Fields{"iteration": i + 1, "of": iterations, "scheme": scheme}).Info("Fault iteration")
				r.Disrupt(scheme)

				perWorker := 1 + r.Rand().IntN(maxFaultWrites)
				timeout := load.RoundTimeout(r.Config().RoundTimeout, scheme.ExpectedTimeToHeal(), perWorker, len(r.Roster()))
				r.Round(perWorker, timeout)

				r.Heal(scheme)
				r.EnsureStable(len(r.Roster()), topology.Majority[0], r.HealTimeout(scheme))
				r.VerifyLedger()
			}
		}).

		// 3
		Test("Cluster State Converges", func(r *Run) {
			r.Verify()
		})
}
