package guard

import (
	"errors"

	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
)

var ErrInvalidTransition = errors.New("invalid_job_transition")

var allowed = map[billingjobdomain.JobStatus][]billingjobdomain.JobStatus{
	billingjobdomain.JobStatusPending: {billingjobdomain.JobStatusRunning},
	billingjobdomain.JobStatusRunning: {billingjobdomain.JobStatusDone, billingjobdomain.JobStatusFailed},
	billingjobdomain.JobStatusDone:    {billingjobdomain.JobStatusPending, billingjobdomain.JobStatusRunning},
	billingjobdomain.JobStatusFailed:  {billingjobdomain.JobStatusPending, billingjobdomain.JobStatusRunning},
}

// EnsureTransition rejects moves the job state machine does not allow.
func EnsureTransition(from, to billingjobdomain.JobStatus) error {
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition
}
