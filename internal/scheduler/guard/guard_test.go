package guard

import (
	"testing"

	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	"github.com/stretchr/testify/require"
)

func TestEnsureTransition(t *testing.T) {
	cases := []struct {
		from, to billingjobdomain.JobStatus
		ok       bool
	}{
		{billingjobdomain.JobStatusPending, billingjobdomain.JobStatusRunning, true},
		{billingjobdomain.JobStatusRunning, billingjobdomain.JobStatusDone, true},
		{billingjobdomain.JobStatusRunning, billingjobdomain.JobStatusFailed, true},
		{billingjobdomain.JobStatusDone, billingjobdomain.JobStatusPending, true},
		{billingjobdomain.JobStatusFailed, billingjobdomain.JobStatusRunning, true},
		{billingjobdomain.JobStatusPending, billingjobdomain.JobStatusDone, false},
		{billingjobdomain.JobStatusRunning, billingjobdomain.JobStatusRunning, false},
		{billingjobdomain.JobStatusRunning, billingjobdomain.JobStatusPending, false},
	}
	for _, tc := range cases {
		err := EnsureTransition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}
