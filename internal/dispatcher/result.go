package dispatcher

import (
	"fmt"
	"time"
)

type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a handler decided about one event.
type Result struct {
	Outcome Outcome
	Delay   time.Duration // OutcomeRetry only
	Reason  string        // OutcomePermanentFailure only
}

func Ack() Result { return Result{Outcome: OutcomeAck} }

func RetryAfter(d time.Duration) Result {
	if d < 0 {
		d = 0
	}
	return Result{Outcome: OutcomeRetry, Delay: d}
}

func PermanentFailure(reason string) Result {
	return Result{Outcome: OutcomePermanentFailure, Reason: reason}
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeRetry:
		return fmt.Sprintf("retry after %s", r.Delay)
	case OutcomePermanentFailure:
		return "permanent failure: " + r.Reason
	default:
		return r.Outcome.String()
	}
}
