// Package scheduler converges the live cron schedule to the desired job list
// and runs each fire.
//
// A Reconciler owns the TriggerSet and is the only writer of engine
// registrations. Each pass diffs the desired definitions against the set by
// Fingerprint and issues add, replace and remove operations; unchanged jobs
// are left alone, so a pass over an unchanged list performs no mutations.
//
// A fire captures a copy of its Definition plus its collaborators at
// registration time. It fans out to Definition.Slots() concurrent executor
// runs, records every slot outcome to the metrics sink, and writes the
// checkpoint lastSuccess (set to the fire start time) when at least one slot
// succeeded. Removing or replacing a trigger stops only future fires.
package scheduler
