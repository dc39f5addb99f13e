package handlers

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The net/http transport keeps idle connections alive briefly
		// after httptest servers shut down.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
