package picamera

import (
	"errors"
	"fmt"
	"sync"

	"rpicam-alpaca/pkg/capture"
)

// fakeEngine completes captures only when the test tells it to.
type fakeEngine struct {
	mu          sync.Mutex
	started     bool
	config      capture.Configuration
	configs     int
	controls    []capture.Controls
	stops       int
	lastJob     capture.Job
	callbacks   map[capture.Job]capture.CompletionFunc
	buffers     map[capture.Job]capture.RawBuffer
	sample      func(x, y int) uint16
	controlsErr error
	captureErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		callbacks: make(map[capture.Job]capture.CompletionFunc),
		buffers:   make(map[capture.Job]capture.RawBuffer),
		sample: func(x, y int) uint16 {
			return uint16(x + y)
		},
	}
}

func (e *fakeEngine) CreateStillConfiguration(preview capture.Size, queue bool, bufferCount int, raw capture.RawSpec) capture.Configuration {
	return capture.Configuration{Preview: preview, Queue: queue, BufferCount: bufferCount, Raw: raw}
}

func (e *fakeEngine) Configure(cfg capture.Configuration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine running")
	}
	e.config = cfg
	e.configs++
	return nil
}

func (e *fakeEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

// Stop cancels every capture that has not completed.
func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = false
	e.stops++
	clear(e.callbacks)
	return nil
}

func (e *fakeEngine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *fakeEngine) SetControls(c capture.Controls) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine running")
	}
	if e.controlsErr != nil {
		return e.controlsErr
	}
	e.controls = append(e.controls, c)
	return nil
}

func (e *fakeEngine) CaptureArrayAsync(stream string, onComplete capture.CompletionFunc) (capture.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return 0, capture.ErrNotStarted
	}
	if e.captureErr != nil {
		return 0, e.captureErr
	}
	e.lastJob++
	e.callbacks[e.lastJob] = onComplete
	return e.lastJob, nil
}

func (e *fakeEngine) Wait(job capture.Job) (capture.RawBuffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.buffers[job]
	if !ok {
		return capture.RawBuffer{}, fmt.Errorf("%w: %d", capture.ErrUnknownJob, job)
	}
	delete(e.buffers, job)
	return buf, nil
}

// callback returns the completion function registered for job.
func (e *fakeEngine) callback(job capture.Job) capture.CompletionFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callbacks[job]
}

// complete fills the buffer for job and runs its completion callback. It
// reports false when the job was cancelled or is unknown.
func (e *fakeEngine) complete(job capture.Job) bool {
	e.mu.Lock()
	cb, ok := e.callbacks[job]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.callbacks, job)

	size := e.config.Raw.Size
	pix := make([]uint16, size.Width*size.Height)
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			pix[y*size.Width+x] = e.sample(x, y)
		}
	}
	e.buffers[job] = capture.RawBuffer{Width: size.Width, Height: size.Height, Pix: pix}
	e.mu.Unlock()

	if cb != nil {
		cb(job)
	}
	return true
}

func (e *fakeEngine) completeLast() bool {
	e.mu.Lock()
	job := e.lastJob
	e.mu.Unlock()
	return e.complete(job)
}

func (e *fakeEngine) pendingBuffers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]EventType, len(p.events))
	for i, ev := range p.events {
		types[i] = ev.Type
	}
	return types
}
