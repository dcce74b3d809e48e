package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

type fakeAudioCapture struct {
	mu      sync.Mutex
	devices []*fakeDevice
	err     error
	calls   int
}

func (f *fakeAudioCapture) Open(_ context.Context) (ports.AudioDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.devices) == 0 {
		return nil, errors.New("no device configured")
	}
	device := f.devices[0]
	f.devices = f.devices[1:]
	return device, nil
}

func (f *fakeAudioCapture) openCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDevice struct {
	mu         sync.Mutex
	supported  []string
	fallback   string
	preload    [][]byte
	chunks     chan []byte
	streamDone bool
	startErr   error
	err        error
	started    string
	stopCalls  int
	closeCalls int
	onStop     func()
}

func newFakeDevice(supported []string, preload ...[]byte) *fakeDevice {
	return &fakeDevice{
		supported: supported,
		preload:   preload,
		chunks:    make(chan []byte, 64),
	}
}

func (f *fakeDevice) NegotiateFormat(candidates []string) string {
	for _, candidate := range candidates {
		for _, supported := range f.supported {
			if candidate == supported {
				return candidate
			}
		}
	}
	return f.fallback
}

func (f *fakeDevice) Start(_ context.Context, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = mimeType
	for _, chunk := range f.preload {
		f.chunks <- chunk
	}
	return nil
}

func (f *fakeDevice) Chunks() <-chan []byte { return f.chunks }

func (f *fakeDevice) emit(chunk []byte) {
	f.chunks <- chunk
}

func (f *fakeDevice) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.endStreamLocked()
}

func (f *fakeDevice) Stop() error {
	if f.onStop != nil {
		f.onStop()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.endStreamLocked()
	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.endStreamLocked()
	return nil
}

func (f *fakeDevice) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeDevice) endStreamLocked() {
	if !f.streamDone {
		close(f.chunks)
		f.streamDone = true
	}
}

// endStream closes the chunk stream as a device that delivers nothing would.
func (f *fakeDevice) endStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endStreamLocked()
}

func (f *fakeDevice) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	after   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) ports.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), after: d, f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

// Advance moves time forward, firing due timers in order at their deadline.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		due := c.dueLocked(target)
		if due == nil {
			break
		}
		c.now = due.at
		due.fired = true
		c.mu.Unlock()
		due.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *fakeClock) dueLocked(target time.Time) *fakeTimer {
	var pending []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.at.After(target) {
			pending = append(pending, timer)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })
	return pending[0]
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) armed() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, timer := range c.timers {
		out = append(out, timer.after)
	}
	return out
}

type fakeIdentity struct {
	mu       sync.Mutex
	identity domain.ContributorIdentity
	bound    bool
}

func boundIdentity(name string) *fakeIdentity {
	return &fakeIdentity{identity: domain.ContributorIdentity{Name: name}, bound: true}
}

func (f *fakeIdentity) Current() (domain.ContributorIdentity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.bound
}

func (f *fakeIdentity) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = false
}

type fakeTasks struct {
	mu       sync.Mutex
	task     domain.SentenceTask
	has      bool
	next     []domain.SentenceTask
	advances int
	err      error
}

func currentTask(text string) *fakeTasks {
	return &fakeTasks{task: domain.SentenceTask{Text: text}, has: true}
}

func (f *fakeTasks) Current() (domain.SentenceTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has || f.task.IsTerminal {
		return domain.SentenceTask{}, false
	}
	return f.task, true
}

func (f *fakeTasks) Advance(_ context.Context) (domain.SentenceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances++
	if f.err != nil {
		return domain.SentenceTask{}, f.err
	}
	if len(f.next) == 0 {
		f.task = domain.SentenceTask{IsTerminal: true}
	} else {
		f.task = f.next[0]
		f.next = f.next[1:]
	}
	f.has = true
	return f.task, nil
}

func (f *fakeTasks) advanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances
}

type fakeUploader struct {
	mu      sync.Mutex
	results []uploadResult
	uploads []domain.Upload
}

type uploadResult struct {
	receipt domain.UploadReceipt
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, upload domain.Upload) (domain.UploadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload)
	if len(f.results) == 0 {
		return domain.UploadReceipt{Success: true, Filename: "clip.webm"}, nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result.receipt, result.err
}

func (f *fakeUploader) snapshot() []domain.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Upload, len(f.uploads))
	copy(out, f.uploads)
	return out
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) Refresh(_ context.Context) domain.ProgressSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.ProgressSnapshot{}
}

type fakeHealth struct {
	mu     sync.Mutex
	health domain.Health
	err    error
}

func (f *fakeHealth) Health(_ context.Context) (domain.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, f.err
}

func (f *fakeHealth) set(health domain.Health, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = health
	f.err = err
}

type fakeEventSink struct {
	mu sync.Mutex

	states    []stateEvent
	errors    []errEvent
	sentences []domain.SentenceTask
	progress  []domain.ProgressSnapshot
}

type stateEvent struct {
	state  domain.SessionState
	reason domain.SessionStateReason
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) SentenceChanged(task domain.SentenceTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentences = append(f.sentences, task)
}

func (f *fakeEventSink) ProgressUpdated(snapshot domain.ProgressSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, snapshot)
}

func (f *fakeEventSink) IdentityChanged(domain.ContributorIdentity, bool) {}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) last() (stateEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return stateEvent{}, false
	}
	return f.states[len(f.states)-1], true
}

func (f *fakeEventSink) hasReason(reason domain.SessionStateReason) bool {
	for _, event := range f.snapshotStates() {
		if event.reason == reason {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
