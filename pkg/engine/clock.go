// Copyright 2024-2026 Aiku AI

package engine

import "time"

// Clock supplies local time to the engine. Tests substitute a fake; the
// per-connection server offset is layered on top by the client.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

var _ Clock = SystemClock{}
