package testutils

import (
	"testing"
	"time"
)

// PollTimeout bounds how long WithTimeout waits for a condition
var PollTimeout = 10 * time.Second

// WithTimeout calls f until it returns an empty string. The test fails with the last
// returned reason once PollTimeout elapses.
func WithTimeout(t testing.TB, f func() string) {
	t.Helper()

	deadline := time.Now().Add(PollTimeout)
	reason := f()
	for reason != "" {
		if time.Now().After(deadline) {
			t.Fatalf("did not reach expected state after %v: %s", PollTimeout, reason)
		}
		time.Sleep(10 * time.Millisecond)
		reason = f()
	}
}
