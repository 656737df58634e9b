// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/bizsuite/auditchain/internal/telemetry"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered,
// logged with its stack and counted rather than crashing the process. Shipper
// flush loops, the websocket hub and the verification job all start through here.
func Go(name string, fn func()) {
	go Run(name, fn)
}

// Run calls fn on the current goroutine with the same recovery as Go.
func Run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.BackgroundPanicsTotal.Inc()
			slog.Error("recovered panic in background goroutine",
				"goroutine", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
