package chrono

import (
	"sync"
	"time"
	_ "time/tzdata"
)

var hermosillo *time.Location

func init() {
	var err error
	hermosillo, err = time.LoadLocation("America/Hermosillo")
	if err != nil {
		panic(err)
	}
}

// Location returns the [*time.Location] the warehouses operate in (America/Hermosillo).
func Location() *time.Location {
	return hermosillo
}

// TimeAPI is the interface that anything depending on the system clock should use.
type TimeAPI interface {
	// Now returns the current time in America/Hermosillo.
	Now() time.Time
}

// StandardTime is the standard implementation of TimeAPI using the standard library.
type StandardTime struct{}

// NewStandardTime is the constructor of StandardTime.
func NewStandardTime() StandardTime {
	return StandardTime{}
}

func (StandardTime) Now() time.Time {
	return time.Now().In(hermosillo)
}

// FakeTime is a TimeAPI that only moves when told to.
type FakeTime struct {
	mutex sync.Mutex
	now   time.Time
}

// NewFakeTime creates a FakeTime starting at `start`.
func NewFakeTime(start time.Time) *FakeTime {
	return &FakeTime{now: start}
}

func (f *FakeTime) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *FakeTime) Advance(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.now = f.now.Add(d)
}
