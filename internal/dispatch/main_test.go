package dispatch

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain guards against leaked goroutines across the package's tests —
// the SSE scanner and the CLI stdin writer and stream readers each spawn a
// goroutine that must exit once QueryModel returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
