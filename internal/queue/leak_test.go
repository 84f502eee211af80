package queue

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine started around a submitted job
// outlives its test, mirroring the teacher's leak_test.go pattern for
// packages that spawn goroutines per operation.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
