package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock supplies the current time and periodic callbacks.
type Clock interface {
	Now() time.Time

	// Every runs fn once per interval until stop is called.
	Every(interval time.Duration, fn func()) (stop func())
}

// Real is the wall clock
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time { return time.Now() }

// Every runs fn on a ticker in its own goroutine
func (Real) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Fake is a manually advanced clock for tests. Callbacks registered with
// Every fire synchronously from Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers map[int]*fakeTimer
	nextID int
}

type fakeTimer struct {
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewFake creates a fake clock set to now
func NewFake(now time.Time) *Fake {
	return &Fake{now: now, timers: make(map[int]*fakeTimer)}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Every registers fn to fire each time Advance crosses an interval boundary
func (f *Fake) Every(interval time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.timers[id] = &fakeTimer{interval: interval, next: f.now.Add(interval), fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.timers, id)
		f.mu.Unlock()
	}
}

// Advance moves time forward and fires every due callback in order
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var due []*fakeTimer
		for _, t := range f.timers {
			if !t.next.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].next.Before(due[j].next) })
		t := due[0]
		f.now = t.next
		t.next = t.next.Add(t.interval)
		fn := t.fn
		f.mu.Unlock()

		fn()
	}
}

// Timers returns the number of registered callbacks
func (f *Fake) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}
