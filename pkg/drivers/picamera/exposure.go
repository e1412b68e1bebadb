package picamera

import (
	"fmt"
	"math"
	"time"

	"rpicam-alpaca/pkg/alpaca"
	"rpicam-alpaca/pkg/capture"
)

// maxExposureSeconds is the enforced exposure limit. The sensor's own limits
// are only reported to clients.
const maxExposureSeconds = 600

// StartExposure issues an asynchronous raw capture and returns without
// waiting for it. Exposure controls are pushed to the engine only when the
// duration or gain changed since the last exposure.
func (d *Driver) StartExposure(duration float64, light bool) error {
	if math.IsNaN(duration) || duration < 0 || duration > maxExposureSeconds {
		return alpaca.InvalidValue("Duration %g is out of bounds", duration)
	}

	d.engineMu.Lock()
	defer d.engineMu.Unlock()

	if !d.engine.Started() {
		return alpaca.ErrNotConnected
	}

	d.mu.Lock()
	if d.state.cameraState == alpaca.CameraExposing {
		d.mu.Unlock()
		return alpaca.InvalidOperation("An exposure is already in progress")
	}
	width, height := d.state.frame(&d.profile)
	if d.state.startX+d.state.numX > width || d.state.startY+d.state.numY > height {
		err := alpaca.InvalidValue("Subframe %dx%d at (%d, %d) exceeds the %dx%d frame",
			d.state.numX, d.state.numY, d.state.startX, d.state.startY, width, height)
		d.mu.Unlock()
		return err
	}

	if duration != d.state.lastDuration {
		d.state.lastDuration = duration
		d.state.needsReconfigure = true
	}

	// A previous image nobody downloaded is dropped.
	var stale []capture.Job
	if d.state.imageReady {
		stale = append(stale, d.state.completedJob)
		d.state.imageReady = false
	}

	reconfigure := d.state.needsReconfigure
	gain := d.state.gain
	d.state.exposureSeq++
	seq := d.state.exposureSeq
	d.state.cameraState = alpaca.CameraExposing
	d.state.exposureStart = d.now()
	d.state.exposed = true
	ev := d.event(EventExposureStarted)
	d.mu.Unlock()

	for _, job := range stale {
		d.release(job)
	}

	if reconfigure {
		if err := d.applyControls(duration, gain); err != nil {
			d.failExposure(seq)
			return alpaca.NewDriverError("Camera.StartExposure", err)
		}
		d.mu.Lock()
		d.state.needsReconfigure = false
		d.mu.Unlock()
	}

	job, err := d.engine.CaptureArrayAsync(capture.RawStream, d.completionFor(seq))
	if err != nil {
		d.failExposure(seq)
		return alpaca.NewDriverError("Camera.StartExposure", err)
	}

	d.mu.Lock()
	if d.state.exposureSeq == seq {
		d.state.activeJob = job
	}
	d.mu.Unlock()

	d.logger.Debugf("Exposure %d started: duration %gs, gain %d, light %v", job, duration, gain, light)
	d.events.Publish(ev)
	return nil
}

// applyControls stops the engine, sets manual exposure controls and restarts
// it. Callers hold engineMu.
func (d *Driver) applyControls(duration float64, gain int) error {
	if err := d.engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}

	controls := capture.Controls{
		ExposureTime:   int(duration * 1e6),
		AnalogueGain:   float64(gain),
		AeEnable:       false,
		AwbEnable:      false,
		NoiseReduction: capture.NoiseReductionOff,
	}
	if err := d.engine.SetControls(controls); err != nil {
		// Leave the engine running with its previous controls.
		if startErr := d.engine.Start(); startErr != nil {
			d.logger.Errorf("Cannot restart engine: %v", startErr)
		}
		return fmt.Errorf("set controls: %w", err)
	}

	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// failExposure returns to idle after an exposure could not be issued.
func (d *Driver) failExposure(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.exposureSeq == seq && d.state.cameraState == alpaca.CameraExposing {
		d.state.cameraState = alpaca.CameraIdle
	}
}

// completionFor returns the engine callback for exposure seq. It runs on an
// engine goroutine and only takes the state lock.
func (d *Driver) completionFor(seq uint64) capture.CompletionFunc {
	return func(job capture.Job) {
		d.mu.Lock()
		if d.state.exposureSeq != seq || d.state.cameraState != alpaca.CameraExposing {
			d.mu.Unlock()
			d.logger.Debugf("Discarding completion of job %d", job)
			return
		}
		d.state.cameraState = alpaca.CameraIdle
		d.state.imageReady = true
		d.state.completedJob = job
		ev := d.event(EventExposureComplete)
		d.mu.Unlock()

		d.logger.Debugf("Exposure %d complete", job)
		d.events.Publish(ev)
	}
}

// AbortExposure cancels the exposure in progress by restarting the engine.
// The aborted exposure never becomes ready. A previously completed image is
// left untouched.
func (d *Driver) AbortExposure() error {
	d.engineMu.Lock()
	defer d.engineMu.Unlock()

	if !d.engine.Started() {
		return alpaca.ErrNotConnected
	}

	d.mu.Lock()
	if d.state.cameraState != alpaca.CameraExposing {
		d.mu.Unlock()
		return nil
	}
	d.state.exposureSeq++
	d.state.cameraState = alpaca.CameraIdle
	job := d.state.activeJob
	ev := d.event(EventExposureAborted)
	d.mu.Unlock()

	if err := d.engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	d.release(job)

	d.logger.Debugf("Exposure %d aborted", job)
	d.events.Publish(ev)
	return nil
}

// ReadImage takes the last completed exposure, normalizes the samples to 16
// bits, crops it to the subframe and transposes it so that rows are X and
// columns are Y. Each exposure can be read once.
func (d *Driver) ReadImage() (alpaca.ImageArray, error) {
	if !d.engine.Started() {
		return alpaca.ImageArray{}, alpaca.ErrNotConnected
	}

	d.mu.Lock()
	if !d.state.imageReady {
		d.mu.Unlock()
		return alpaca.ImageArray{}, alpaca.InvalidOperation("No image is ready")
	}
	d.state.imageReady = false
	job := d.state.completedJob
	sub := subframe{
		startX: d.state.startX,
		startY: d.state.startY,
		numX:   d.state.numX,
		numY:   d.state.numY,
	}
	d.mu.Unlock()

	buf, err := d.engine.Wait(job)
	if err != nil {
		return alpaca.ImageArray{}, alpaca.NewDriverError("Camera.ImageArray", err)
	}

	img, err := normalize(buf, sub, d.profile.BitsPerPixel)
	if err != nil {
		return alpaca.ImageArray{}, alpaca.NewDriverError("Camera.ImageArray", err)
	}
	return img, nil
}

type subframe struct {
	startX, startY int
	numX, numY     int
}

// normalize shifts raw samples up to 16 bits and returns the subframe
// transposed: img.At(x, y) is the sample at column startX+x, row startY+y.
func normalize(buf capture.RawBuffer, sub subframe, bitsPerPixel int) (alpaca.ImageArray, error) {
	if sub.startX < 0 || sub.startY < 0 || sub.startX+sub.numX > buf.Width || sub.startY+sub.numY > buf.Height {
		return alpaca.ImageArray{}, fmt.Errorf("subframe %dx%d at (%d, %d) outside %dx%d buffer",
			sub.numX, sub.numY, sub.startX, sub.startY, buf.Width, buf.Height)
	}
	if len(buf.Pix) < buf.Width*buf.Height {
		return alpaca.ImageArray{}, fmt.Errorf("buffer holds %d samples, want %d", len(buf.Pix), buf.Width*buf.Height)
	}

	shift := uint(16 - bitsPerPixel)
	img := alpaca.NewImageArray(sub.numX, sub.numY)
	for y := 0; y < sub.numY; y++ {
		row := buf.Pix[(sub.startY+y)*buf.Width+sub.startX:]
		for x := 0; x < sub.numX; x++ {
			img.Pix[x*sub.numY+y] = row[x] << shift
		}
	}
	return img, nil
}

func (d *Driver) LastExposureDuration() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.exposed {
		return 0, alpaca.ErrValueNotSet
	}
	return d.state.lastDuration, nil
}

func (d *Driver) LastExposureStartTime() (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.exposed {
		return time.Time{}, alpaca.ErrValueNotSet
	}
	return d.state.exposureStart, nil
}

// PercentCompleted estimates progress from the elapsed time while exposing.
func (d *Driver) PercentCompleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.cameraState != alpaca.CameraExposing {
		return 100
	}
	if d.state.lastDuration <= 0 {
		return 99
	}

	elapsed := d.now().Sub(d.state.exposureStart).Seconds()
	percent := int(100 * elapsed / d.state.lastDuration)
	return max(0, min(99, percent))
}

// event builds an event from the current state. Callers hold mu.
func (d *Driver) event(t EventType) Event {
	return Event{
		Type:     t,
		Device:   d.number,
		Time:     d.now().UTC(),
		Duration: d.state.lastDuration,
		Gain:     d.state.gain,
		Binning:  d.state.binning,
	}
}
