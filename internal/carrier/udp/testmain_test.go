package udp_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for leaked goroutines after the package's tests finish,
// since several spawn a Carrier.Run loop that must exit promptly once its
// context is canceled.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
