package fate

import (
	"encoding/json"
	"fmt"
)

// TStatus is the status of a transaction. UNKNOWN means no such row exists;
// every other status implies a durable row.
type TStatus int

const (
	UNKNOWN TStatus = iota
	NEW
	SUBMITTED
	IN_PROGRESS
	SUCCESSFUL
	FAILED_IN_PROGRESS
	FAILED
)

func (s TStatus) String() string {
	switch s {
	case UNKNOWN:
		return "UNKNOWN"
	case NEW:
		return "NEW"
	case SUBMITTED:
		return "SUBMITTED"
	case IN_PROGRESS:
		return "IN_PROGRESS"
	case SUCCESSFUL:
		return "SUCCESSFUL"
	case FAILED_IN_PROGRESS:
		return "FAILED_IN_PROGRESS"
	case FAILED:
		return "FAILED"
	default:
		return fmt.Sprintf("TStatus(%d)", int(s))
	}
}

// MarshalJSON implements json.Marshaler.
func (s TStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for _, c := range allStatuses {
		if c.String() == str {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid TStatus: %s", str)
}

// IsTerminal reports whether s is a terminal status (SUCCESSFUL or FAILED) —
// the only statuses from which delete is legal.
func (s TStatus) IsTerminal() bool {
	return s == SUCCESSFUL || s == FAILED
}

var allStatuses = []TStatus{UNKNOWN, NEW, SUBMITTED, IN_PROGRESS, SUCCESSFUL, FAILED_IN_PROGRESS, FAILED}

// legalTransitions enumerates the state-transition table from spec §4.4.
// Any transition not present here is a contract violation.
var legalTransitions = map[TStatus]map[TStatus]bool{
	UNKNOWN:            {NEW: true},
	NEW:                {SUBMITTED: true, FAILED_IN_PROGRESS: true},
	SUBMITTED:          {IN_PROGRESS: true, FAILED_IN_PROGRESS: true},
	IN_PROGRESS:        {IN_PROGRESS: true, SUCCESSFUL: true, FAILED_IN_PROGRESS: true},
	FAILED_IN_PROGRESS: {FAILED: true},
	SUCCESSFUL:         {UNKNOWN: true},
	FAILED:             {UNKNOWN: true},
}

// ValidTransition reports whether moving from `from` to `to` is legal.
func ValidTransition(from, to TStatus) bool {
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
