package order

// Status is the canonical order lifecycle state, independent of any vendor
// vocabulary.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusInitiated Status = "INITIATED"
	StatusPending   Status = "PENDING"
	StatusValidated Status = "VALIDATED"
	StatusSettled   Status = "SETTLED"
	StatusRefunded  Status = "REFUNDED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// rank positions each status in the lifecycle partial order. Every terminal
// status shares the top rank, so terminal-to-terminal moves are never
// "later" and fall to the terminal rules instead.
var rank = map[Status]int{
	StatusInitiated: 1,
	StatusPending:   2,
	StatusValidated: 3,
	StatusSettled:   4,
	StatusRefunded:  4,
	StatusExpired:   4,
	StatusFailed:    4,
	StatusCancelled: 4,
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

func (s Status) IsTerminal() bool { return rank[s] == 4 }

func (s Status) IsTerminalSuccess() bool { return s == StatusSettled }

func (s Status) IsTerminalFailure() bool { return s.IsTerminal() && s != StatusSettled }

// IsSettled treats VALIDATED (funds delivered, ledger not final) and SETTLED
// as the same user-facing success.
func (s Status) IsSettled() bool { return s == StatusValidated || s == StatusSettled }

// Later reports whether next is strictly after s in the lifecycle.
func (s Status) Later(next Status) bool {
	r, ok := rank[next]
	if !ok {
		return false
	}
	return r > rank[s]
}

// Decision is the outcome of evaluating an observed status against the
// current one.
type Decision string

const (
	DecisionApply            Decision = "apply"
	DecisionDuplicate        Decision = "duplicate"
	DecisionStale            Decision = "stale"
	DecisionTerminalMismatch Decision = "terminal_mismatch"
	DecisionUnknown          Decision = "unknown_status"
)

// Accepted is true for decisions that leave the order in a consistent state
// with the observation: a committed transition or an idempotent repeat.
func (d Decision) Accepted() bool {
	return d == DecisionApply || d == DecisionDuplicate
}

// Decide evaluates a transition from current to observed.
func Decide(current, observed Status) Decision {
	switch {
	case !observed.Valid():
		return DecisionUnknown
	case observed == current:
		return DecisionDuplicate
	case current.IsTerminal():
		return DecisionTerminalMismatch
	case current.Later(observed):
		return DecisionApply
	default:
		return DecisionStale
	}
}
