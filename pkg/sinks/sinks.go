// Package sinks defines the capability external match archival systems
// implement to receive results from the Match Pipeline.
package sinks

import "ctfleet/pkg/models"

// MatchSink receives match results. Emit must not fail the caller: a sink
// that hits an error handles it internally (log it, retry it, drop it) and
// returns without propagating that error to the pipeline.
type MatchSink interface {
	Emit(result models.MatchResult)
}
