package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	// MatchID carries the executor job id of the match being run.
	MatchID key = "match_id"
	// Pilot carries the pilot name a request operates on.
	Pilot key = "pilot"
)
