package mmrofs

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Clock is the wall-clock capability the filesystem stamps ctime/mtime from.
// Set is called at mount when the clock reads as implausible and the entry
// table holds a better estimate; hosts that can adjust their RTC should do
// so there.
type Clock interface {
	Now() time.Time
	Set(t time.Time)
}

// clockFloor is the earliest plausible wall-clock reading. Anything before
// it means the host booted without a synced RTC.
var clockFloor = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

// SystemClock reads the process clock. It cannot adjust the host clock, so
// Set only records the recovered time for the caller via the log.
type SystemClock struct {
	Log *logrus.Entry
}

func (c SystemClock) Now() time.Time {
	return time.Now()
}

func (c SystemClock) Set(t time.Time) {
	if c.Log != nil {
		c.Log.WithField("time", t.UTC().Format(time.RFC3339)).
			Info("clock seeded from filesystem timestamps")
	}
}

// bootstrapClock seeds the clock from the newest timestamp in the entry
// table when the host clock is implausible. This keeps ctime/mtime
// monotonically non-decreasing across crashes on boards without an RTC.
func (fs *Fs) bootstrapClock() {
	if !fs.clock.Now().Before(clockFloor) {
		return
	}

	var max uint32
	for i := uint16(0); i < MaxEntries; i++ {
		e := fs.m.readEntry(i)
		if !IsLive(e.State) {
			continue
		}
		if e.Mtime != MtimeUnset && e.Mtime > max {
			max = e.Mtime
		}
		if e.Ctime != MtimeUnset && e.Ctime > max {
			max = e.Ctime
		}
	}

	if max > 0 {
		fs.clock.Set(time.Unix(int64(max), 0))
	}
}

// now returns the current time as on-flash unix seconds.
func (fs *Fs) now() uint32 {
	return uint32(fs.clock.Now().Unix())
}
