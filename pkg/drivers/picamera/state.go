package picamera

import (
	"time"

	"rpicam-alpaca/pkg/alpaca"
	"rpicam-alpaca/pkg/capture"
	"rpicam-alpaca/pkg/sensor"
)

// deviceState is the exposure and geometry state shared between request
// handlers and the engine's completion goroutine. Guarded by Driver.mu.
type deviceState struct {
	cameraState alpaca.CameraState
	imageReady  bool

	// exposureSeq identifies the current exposure. A completion whose
	// sequence no longer matches belongs to an aborted exposure.
	exposureSeq   uint64
	activeJob     capture.Job
	completedJob  capture.Job
	exposureStart time.Time
	exposed       bool

	lastDuration     float64
	gain             int
	needsReconfigure bool

	binning        int
	startX, startY int
	numX, numY     int
}

func newDeviceState(profile *sensor.Profile, gain int) deviceState {
	st := deviceState{
		cameraState: alpaca.CameraIdle,
		gain:        gain,
		binning:     1,
		// Controls have never been applied to the engine.
		needsReconfigure: true,
	}
	st.resetGeometry(profile)
	return st
}

// frame returns the binned frame size.
func (s *deviceState) frame(profile *sensor.Profile) (int, int) {
	return profile.BinnedSize(s.binning)
}

// resetGeometry selects the full binned frame.
func (s *deviceState) resetGeometry(profile *sensor.Profile) {
	s.startX, s.startY = 0, 0
	s.numX, s.numY = s.frame(profile)
}

func (s *deviceState) start(axis alpaca.Axis) int {
	if axis == alpaca.AxisY {
		return s.startY
	}
	return s.startX
}

func (s *deviceState) num(axis alpaca.Axis) int {
	if axis == alpaca.AxisY {
		return s.numY
	}
	return s.numX
}

func (s *deviceState) setStart(axis alpaca.Axis, v int) {
	if axis == alpaca.AxisY {
		s.startY = v
		return
	}
	s.startX = v
}

func (s *deviceState) setNum(axis alpaca.Axis, v int) {
	if axis == alpaca.AxisY {
		s.numY = v
		return
	}
	s.numX = v
}

// frameSize returns the binned frame size along axis.
func frameSize(profile *sensor.Profile, binning int, axis alpaca.Axis) int {
	x, y := profile.BinnedSize(binning)
	if axis == alpaca.AxisY {
		return y
	}
	return x
}
