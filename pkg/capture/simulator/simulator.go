// Package simulator provides an in-memory capture engine that produces
// synthetic star fields. It lets the Alpaca responder run without camera
// hardware and drives the driver tests.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"rpicam-alpaca/pkg/capture"

	log "github.com/sirupsen/logrus"
)

var errCancelled = errors.New("capture cancelled")

type job struct {
	done  chan struct{}
	timer *time.Timer
	buf   capture.RawBuffer
	err   error
}

// Simulator implements capture.Engine and capture.Detector.
type Simulator struct {
	model  string
	logger log.FieldLogger

	mu        sync.Mutex
	config    *capture.Configuration
	controls  capture.Controls
	started   bool
	lastJob   capture.Job
	jobs      map[capture.Job]*job
	timeScale float64
	seed      uint64
}

// New creates a simulator that reports the given sensor model.
func New(model string, logger log.FieldLogger) *Simulator {
	return &Simulator{
		model:     model,
		logger:    logger.WithField("component", "simulator"),
		jobs:      make(map[capture.Job]*job),
		timeScale: 1,
		seed:      1,
	}
}

// SetTimeScale scales simulated exposure times. Zero completes captures
// immediately.
func (s *Simulator) SetTimeScale(scale float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeScale = scale
}

func (s *Simulator) Cameras() ([]capture.CameraInfo, error) {
	return []capture.CameraInfo{{
		Model: s.model,
		ID:    "/base/soc/i2c0mux/i2c@1/" + s.model + "@1a",
	}}, nil
}

func (s *Simulator) CreateStillConfiguration(preview capture.Size, queue bool, bufferCount int, raw capture.RawSpec) capture.Configuration {
	return capture.Configuration{
		Preview:     preview,
		Queue:       queue,
		BufferCount: bufferCount,
		Raw:         raw,
	}
}

func (s *Simulator) Configure(cfg capture.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("cannot configure a running engine")
	}
	if cfg.Raw.Size.Width <= 0 || cfg.Raw.Size.Height <= 0 {
		return fmt.Errorf("invalid raw size %dx%d", cfg.Raw.Size.Width, cfg.Raw.Size.Height)
	}
	if _, err := formatDepth(cfg.Raw.Format); err != nil {
		return err
	}

	s.config = &cfg
	s.logger.Debugf("Configured raw stream %s %dx%d", cfg.Raw.Format, cfg.Raw.Size.Width, cfg.Raw.Size.Height)
	return nil
}

func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return errors.New("engine is not configured")
	}
	s.started = true
	return nil
}

// Stop halts the engine. Captures still in flight are cancelled and their
// completion callbacks never fire.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		if j.timer != nil && j.timer.Stop() {
			j.err = errCancelled
			close(j.done)
			s.logger.Debugf("Cancelled capture job %d", id)
		}
	}
	s.started = false
	return nil
}

func (s *Simulator) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Simulator) SetControls(controls capture.Controls) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("controls can only be changed while stopped")
	}
	if controls.ExposureTime < 0 {
		return fmt.Errorf("invalid exposure time %d", controls.ExposureTime)
	}
	s.controls = controls
	return nil
}

func (s *Simulator) CaptureArrayAsync(stream string, onComplete capture.CompletionFunc) (capture.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return 0, capture.ErrNotStarted
	}
	if stream != capture.RawStream {
		return 0, fmt.Errorf("unknown stream %q", stream)
	}

	s.lastJob++
	id := s.lastJob
	j := &job{done: make(chan struct{})}
	s.jobs[id] = j

	cfg := *s.config
	controls := s.controls
	s.seed++
	seed := s.seed

	delay := time.Duration(float64(controls.ExposureTime) * s.timeScale * float64(time.Microsecond))
	j.timer = time.AfterFunc(delay, func() {
		j.buf = synthesize(cfg.Raw, controls, seed)
		close(j.done)
		if onComplete != nil {
			onComplete(id)
		}
	})

	return id, nil
}

// Wait blocks until the job is done and hands over its buffer. A job can only
// be waited for once.
func (s *Simulator) Wait(id capture.Job) (capture.RawBuffer, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return capture.RawBuffer{}, fmt.Errorf("%w: %d", capture.ErrUnknownJob, id)
	}

	<-j.done

	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()

	if j.err != nil {
		return capture.RawBuffer{}, j.err
	}
	return j.buf, nil
}

// formatDepth extracts the bit depth from formats such as "SRGGB12".
func formatDepth(format string) (int, error) {
	digits := strings.TrimLeftFunc(format, func(r rune) bool {
		return r < '0' || r > '9'
	})
	depth, err := strconv.Atoi(digits)
	if err != nil || depth < 8 || depth > 16 {
		return 0, fmt.Errorf("unsupported raw format %q", format)
	}
	return depth, nil
}

// synthesize renders a dark frame with a sky background, read noise and a
// handful of stars whose flux scales with exposure time and gain.
func synthesize(raw capture.RawSpec, controls capture.Controls, seed uint64) capture.RawBuffer {
	depth, _ := formatDepth(raw.Format)
	maxADU := float64(int(1)<<depth - 1)
	width, height := raw.Size.Width, raw.Size.Height

	gain := controls.AnalogueGain
	if gain <= 0 {
		gain = 1
	}
	seconds := float64(controls.ExposureTime) / 1e6
	pedestal := maxADU / 64
	sky := math.Min(maxADU, pedestal+seconds*gain*2)

	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	pix := make([]uint16, width*height)
	for i := range pix {
		v := sky + rng.NormFloat64()*2*gain
		pix[i] = uint16(math.Max(0, math.Min(maxADU, v)))
	}

	// Stars keep their positions between frames.
	stars := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 50; n++ {
		cx := stars.IntN(width)
		cy := stars.IntN(height)
		flux := stars.Float64() * 400 * seconds * gain
		for dy := -2; dy <= 2; dy++ {
			for dx := -2; dx <= 2; dx++ {
				x, y := cx+dx, cy+dy
				if x < 0 || y < 0 || x >= width || y >= height {
					continue
				}
				v := float64(pix[y*width+x]) + flux*math.Exp(-float64(dx*dx+dy*dy)/2)
				pix[y*width+x] = uint16(math.Min(maxADU, v))
			}
		}
	}

	return capture.RawBuffer{Width: width, Height: height, Pix: pix}
}
