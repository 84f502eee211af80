package auditor

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the subprocess-wait goroutine started by
// runWithGracefulTimeout never outlives its invocation, mirroring the
// teacher's transport/sse leak_test.go pattern.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
