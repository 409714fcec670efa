// Package core holds the run state of a single fleetrun deployment: the
// inventory and config it was built from, the declared operation plan, the
// per-host bookkeeping and the bounded pool that executes work against hosts.
//
// A State is created once per run with NewState. Operations are declared with
// State.AddOp and executed with State.Run, which fans out one work unit per
// host into the pool and aggregates outcomes into per-host result counters.
// Deploy code that is not handed the State can reach it through Pseudo.
package core
