package run

// EmptyStream returns an already-closed stream. Pre-call failures
// (credit gate, validation) pair it with a failed Final so the caller
// never blocks on events that will not come.
func EmptyStream() <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// FailureStream yields a single error event followed by done. The
// aggregating executor uses it to synthesize a stream for routing misses.
func FailureStream(code ErrorCode, message string) <-chan Event {
	ch := make(chan Event, 2)
	ch <- Event{Type: EventError, Code: code, Message: message}
	ch <- Event{Type: EventDone}
	close(ch)
	return ch
}

// FailedRun pairs FailureStream with a settled Final for the same code.
func FailedRun(req Request, code ErrorCode, message string) (<-chan Event, *Deferred[Final]) {
	final := NewDeferred[Final]()
	final.Resolve(Final{OK: false, RunID: req.RunID, RequestID: req.IngressRequestID, Code: code})
	return FailureStream(code, message), final
}

// PrecallFailure pairs an empty stream with a failed Final. Refusals
// that happen before anything was produced (credit gate, request
// validation) surface this way rather than as error events.
func PrecallFailure(req Request, code ErrorCode) (<-chan Event, *Deferred[Final]) {
	final := NewDeferred[Final]()
	final.Resolve(Final{OK: false, RunID: req.RunID, RequestID: req.IngressRequestID, Code: code})
	return EmptyStream(), final
}
