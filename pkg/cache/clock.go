package cache

import "time"

// Clock supplies the current time to the tiers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Recorder receives cache events. metrics.Metrics implements it.
type Recorder interface {
	Hit(tier string)
	Miss(tier string)
	Evicted(tier string, n int)
	Expired(tier string, n int)
	StorageError(op string)
	Entries(tier string, n int)
}

type nopRecorder struct{}

func (nopRecorder) Hit(string)          {}
func (nopRecorder) Miss(string)         {}
func (nopRecorder) Evicted(string, int) {}
func (nopRecorder) Expired(string, int) {}
func (nopRecorder) StorageError(string) {}
func (nopRecorder) Entries(string, int) {}
