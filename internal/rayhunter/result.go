package rayhunter

import "fmt"

// FailureKind classifies a failed poll attempt. The kind decides retry
// behavior inside a single Fetch: transport and status failures are
// retried, parse failures are not (the device is reachable but the
// payload is malformed, so another attempt returns the same bytes).
type FailureKind int

const (
	FailureTimeout FailureKind = iota
	FailureConnection
	FailureHTTPStatus
	FailureParse
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureConnection:
		return "connection"
	case FailureHTTPStatus:
		return "http_status"
	case FailureParse:
		return "parse"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Failure describes why a poll attempt (or a whole Fetch) failed.
// StatusCode is only meaningful for FailureHTTPStatus.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (f Failure) String() string {
	if f.Kind == FailureHTTPStatus {
		return fmt.Sprintf("%s %d: %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// PollResult is the outcome of one Fetch call. Exactly one of the two
// arms is meaningful: when OK is true the snapshot fields are set, and
// when OK is false Failure describes the last attempt. Fetch never
// returns a Go error; every outcome is one of these values.
type PollResult struct {
	OK bool

	// Snapshot fields, valid when OK.
	WarningCount int
	ReportID     string
	Raw          map[string]any

	// Failure, valid when !OK.
	Failure Failure
}

func success(s Snapshot) PollResult {
	return PollResult{
		OK:           true,
		WarningCount: s.WarningCount,
		ReportID:     s.ReportID,
		Raw:          s.Raw,
	}
}

func failed(kind FailureKind, statusCode int, message string) PollResult {
	return PollResult{
		Failure: Failure{
			Kind:       kind,
			StatusCode: statusCode,
			Message:    message,
		},
	}
}
