// Package capture defines the narrow interface the camera driver uses to talk
// to the still-capture engine (libcamera/picamera2 on a Raspberry Pi). The
// engine owns sensor access, DMA buffers and its own completion goroutine.
package capture

import "errors"

// RawStream is the name of the unprocessed sensor stream.
const RawStream = "raw"

var (
	ErrNotStarted = errors.New("capture engine not started")
	ErrUnknownJob = errors.New("unknown capture job")
)

type Size struct {
	Width  int
	Height int
}

// RawSpec requests a raw stream in the given unpacked format and size.
type RawSpec struct {
	Format string
	Size   Size
}

// Configuration is a still capture configuration built by the engine.
type Configuration struct {
	Preview     Size
	Queue       bool
	BufferCount int
	Raw         RawSpec
}

// NoiseReductionMode mirrors the libcamera draft NoiseReductionMode control.
type NoiseReductionMode int

const (
	NoiseReductionOff NoiseReductionMode = iota
	NoiseReductionFast
	NoiseReductionHighQuality
)

// Controls are the sensor controls applied while the engine is stopped.
type Controls struct {
	ExposureTime   int // microseconds
	AnalogueGain   float64
	AeEnable       bool
	AwbEnable      bool
	NoiseReduction NoiseReductionMode
}

// Job identifies an asynchronous capture request.
type Job uint64

// RawBuffer is an unpacked raw frame, one sample per pixel, row-major.
type RawBuffer struct {
	Width  int
	Height int
	Pix    []uint16
}

// At returns the sample at column x, row y.
func (b RawBuffer) At(x, y int) uint16 {
	return b.Pix[y*b.Width+x]
}

// CompletionFunc is called by the engine on its own goroutine once a job has
// finished capturing.
type CompletionFunc func(Job)

type Engine interface {
	CreateStillConfiguration(preview Size, queue bool, bufferCount int, raw RawSpec) Configuration
	Configure(Configuration) error
	Start() error
	Stop() error
	Started() bool

	// SetControls applies sensor controls. The engine must be stopped.
	SetControls(Controls) error

	// CaptureArrayAsync requests one frame from the named stream and returns
	// immediately. onComplete is invoked from an engine goroutine.
	CaptureArrayAsync(stream string, onComplete CompletionFunc) (Job, error)

	// Wait blocks until the job has finished and returns its buffer. Each job
	// can be waited for once. Jobs cancelled by Stop return an error without
	// blocking.
	Wait(Job) (RawBuffer, error)
}

// CameraInfo describes a camera attached to the system.
type CameraInfo struct {
	Model string
	ID    string
}

// Detector enumerates attached cameras.
type Detector interface {
	Cameras() ([]CameraInfo, error)
}
