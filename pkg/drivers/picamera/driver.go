package picamera

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"rpicam-alpaca/pkg/alpaca"
	"rpicam-alpaca/pkg/capture"
	"rpicam-alpaca/pkg/sensor"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	deviceName       = "Raspberry Pi Camera"
	driverName       = "rpicam-alpaca"
	driverInfo       = "Alpaca Device\nImplements ICameraV3\nRaspberry Pi camera using libcamera"
	driverVersion    = "1.0"
	interfaceVersion = 3

	// maxADU is the largest sample after normalization to 16 bits.
	maxADU = 65535
)

var _ alpaca.Camera = (*Driver)(nil)

// Driver is the Alpaca camera driver for a Raspberry Pi camera module.
type Driver struct {
	number   int
	camera   capture.CameraInfo
	profile  sensor.Profile
	engine   capture.Engine
	store    *store
	tmpl     *template.Template
	events   EventPublisher
	logger   log.FieldLogger
	uniqueID string
	now      func() time.Time

	// engineMu serializes stop/configure/start sequences on the engine.
	// It is always taken before mu.
	engineMu sync.Mutex

	mu         sync.Mutex
	state      deviceState
	connecting bool
}

// NewDriver creates the driver for the detected camera. events may be nil.
func NewDriver(number int, camera capture.CameraInfo, profile sensor.Profile, engine capture.Engine,
	db *bolt.DB, tmpl *template.Template, events EventPublisher, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db, number)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}
	if events == nil {
		events = nopPublisher{}
	}

	d := Driver{
		number:  number,
		camera:  camera,
		profile: profile,
		engine:  engine,
		store:   store,
		tmpl:    tmpl,
		events:  events,
		logger:  logger,
		uniqueID: uuid.NewSHA1(uuid.NameSpaceOID,
			[]byte(fmt.Sprintf("rpicam-alpaca/camera/%d/%s/%s", number, profile.Name, camera.ID))).String(),
		now: time.Now,
	}
	d.state = newDeviceState(&d.profile, d.initialGain())

	return &d, nil
}

// initialGain returns the stored default gain limited to the sensor range.
func (d *Driver) initialGain() int {
	gain := d.profile.MinGain
	if cfg, err := d.store.GetConfig(); err == nil {
		gain = cfg.DefaultGain
	}
	return max(d.profile.MinGain, min(d.profile.MaxGain, gain))
}

func (d *Driver) Close() {
	d.logger.Info("Closing camera driver")

	if err := d.Disconnect(); err != nil {
		d.logger.Errorf("failed to disconnect: %v", err)
	}
}

func (d *Driver) DeviceInfo() alpaca.DeviceInfo {
	return alpaca.DeviceInfo{
		Name:        deviceName,
		Description: fmt.Sprintf("Raspberry Pi camera (%s) using libcamera", d.profile.Name),
		Type:        alpaca.DeviceTypeCamera,
		Number:      d.number,
		UniqueID:    d.uniqueID,
	}
}

func (d *Driver) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:             driverName,
		Info:             driverInfo,
		Version:          driverVersion,
		InterfaceVersion: interfaceVersion,
	}
}

func (d *Driver) Info() alpaca.CameraInfo {
	return alpaca.CameraInfo{
		SensorName:  strings.ToUpper(d.profile.Name),
		SensorType:  alpaca.SensorRGGB,
		SizeX:       d.profile.SizeX,
		SizeY:       d.profile.SizeY,
		PixelSizeX:  d.profile.PixelSize,
		PixelSizeY:  d.profile.PixelSize,
		MaxBinX:     d.profile.MaxBinning,
		MaxBinY:     d.profile.MaxBinning,
		BayerX:      d.profile.Bayer.X,
		BayerY:      d.profile.Bayer.Y,
		GainMin:     d.profile.MinGain,
		GainMax:     d.profile.MaxGain,
		ExposureMin: d.profile.MinExposure,
		ExposureMax: d.profile.MaxExposure,
		MaxADU:      maxADU,
	}
}

func (d *Driver) GetState() []alpaca.StateProperty {
	props := []alpaca.StateProperty{
		{
			Name:  "TimeStamp",
			Value: d.now().UTC().Format(time.RFC3339),
		},
	}

	if d.Connected() {
		props = append(props,
			alpaca.StateProperty{Name: "CameraState", Value: d.CameraState()},
			alpaca.StateProperty{Name: "ImageReady", Value: d.ImageReady()},
			alpaca.StateProperty{Name: "PercentCompleted", Value: d.PercentCompleted()},
		)
	}

	return props
}

// Connected reports whether the capture engine is running.
func (d *Driver) Connected() bool {
	return d.engine.Started()
}

func (d *Driver) Connecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connecting
}

// Connect configures the engine for the full sensor frame and starts it.
func (d *Driver) Connect() error {
	d.engineMu.Lock()
	defer d.engineMu.Unlock()

	if d.engine.Started() {
		return nil
	}

	d.mu.Lock()
	d.connecting = true
	d.resetState()
	d.mu.Unlock()

	err := d.startEngine(1)

	d.mu.Lock()
	d.connecting = false
	d.mu.Unlock()

	if err != nil {
		return err
	}

	d.logger.Infof("Connected to %s (%s)", d.profile.Name, d.camera.ID)
	return nil
}

// Disconnect stops the engine and resets the device state. An exposure in
// progress is dropped.
func (d *Driver) Disconnect() error {
	d.engineMu.Lock()
	defer d.engineMu.Unlock()

	d.mu.Lock()
	var unclaimed []capture.Job
	if d.state.cameraState == alpaca.CameraExposing {
		unclaimed = append(unclaimed, d.state.activeJob)
	}
	if d.state.imageReady {
		unclaimed = append(unclaimed, d.state.completedJob)
	}
	d.resetState()
	d.mu.Unlock()

	if !d.engine.Started() {
		return nil
	}
	if err := d.engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	for _, job := range unclaimed {
		d.release(job)
	}

	d.logger.Info("Disconnected from camera")
	return nil
}

// resetState restores the connect time defaults. The exposure sequence keeps
// counting so completions of earlier exposures are discarded. Callers hold mu.
func (d *Driver) resetState() {
	seq := d.state.exposureSeq
	d.state = newDeviceState(&d.profile, d.initialGain())
	d.state.exposureSeq = seq + 1
}

// startEngine configures the raw stream for the given binning and starts the
// engine. Callers hold engineMu.
func (d *Driver) startEngine(binning int) error {
	cfg, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get camera config: %v", err)
	}

	width, height := d.profile.BinnedSize(binning)
	config := d.engine.CreateStillConfiguration(
		capture.Size{Width: cfg.PreviewWidth, Height: cfg.PreviewHeight},
		false,
		cfg.BufferCount,
		capture.RawSpec{
			Format: d.profile.RawFormat,
			Size:   capture.Size{Width: width, Height: height},
		},
	)

	if err := d.engine.Configure(config); err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}
	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// release collects the buffer of a job whose result is no longer wanted.
func (d *Driver) release(job capture.Job) {
	if _, err := d.engine.Wait(job); err != nil {
		d.logger.Debugf("Released capture job %d: %v", job, err)
	}
}

func (d *Driver) CameraState() alpaca.CameraState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.cameraState
}

func (d *Driver) ImageReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.imageReady
}

func (d *Driver) ElectronsPerADU() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile.ElectronsPerADU.At(d.state.gain)
}

func (d *Driver) FullWellCapacity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile.FullWellCapacity.At(d.state.gain)
}

func (d *Driver) Binning() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.binning
}

// SetBinning reconfigures the raw stream for the new binning factor and
// resets the subframe to the full binned frame.
func (d *Driver) SetBinning(bin int) error {
	if bin < 1 || bin > d.profile.MaxBinning {
		return alpaca.InvalidValue("Bin %d not in range 1 to %d", bin, d.profile.MaxBinning)
	}

	d.engineMu.Lock()
	defer d.engineMu.Unlock()

	if !d.engine.Started() {
		return alpaca.ErrNotConnected
	}

	d.mu.Lock()
	current := d.state.binning
	exposing := d.state.cameraState == alpaca.CameraExposing
	d.mu.Unlock()

	if bin == current {
		return nil
	}
	if exposing {
		return alpaca.InvalidOperation("Cannot change binning during an exposure")
	}

	if err := d.engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	if err := d.startEngine(bin); err != nil {
		return err
	}

	d.mu.Lock()
	d.state.binning = bin
	d.state.resetGeometry(&d.profile)
	d.mu.Unlock()

	d.logger.Debugf("Binning set to %d", bin)
	return nil
}

func (d *Driver) Gain() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.gain
}

// SetGain stores the gain. It is applied to the engine at the next exposure.
func (d *Driver) SetGain(gain int) error {
	if gain < d.profile.MinGain || gain > d.profile.MaxGain {
		return alpaca.InvalidValue("Gain %d is out of bounds.", gain)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if gain != d.state.gain {
		d.state.gain = gain
		d.state.needsReconfigure = true
	}
	return nil
}

func (d *Driver) Start(axis alpaca.Axis) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.start(axis)
}

// SetStart sets the subframe origin in binned pixels.
func (d *Driver) SetStart(axis alpaca.Axis, v int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := frameSize(&d.profile, d.state.binning, axis)
	if v < 0 || v >= size {
		return alpaca.InvalidValue("Start%s %d is out of bounds.", axis, v)
	}
	d.state.setStart(axis, v)
	return nil
}

func (d *Driver) Num(axis alpaca.Axis) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.num(axis)
}

// SetNum sets the subframe size in binned pixels.
func (d *Driver) SetNum(axis alpaca.Axis, v int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := frameSize(&d.profile, d.state.binning, axis)
	if v < 1 || v > size {
		return alpaca.InvalidValue("Num%s %d is out of bounds.", axis, v)
	}
	d.state.setNum(axis, v)
	return nil
}

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := d.parseSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.logger.Infof("Setting camera config: %+v", cfg)
		if err := d.store.SetConfig(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Number  int
		Sensor  sensor.Profile
		Success bool
		Error   string
	}{cfg, d.number, d.profile, success, err}

	if err := d.tmpl.ExecuteTemplate(w, "camera_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func (d *Driver) parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	var err error
	fields := []struct {
		name string
		dst  *int
	}{
		{"default-gain", &cfg.DefaultGain},
		{"preview-width", &cfg.PreviewWidth},
		{"preview-height", &cfg.PreviewHeight},
		{"buffer-count", &cfg.BufferCount},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.Atoi(r.FormValue(f.name)); err != nil {
			return cfg, fmt.Errorf("invalid %s: %q", f.name, r.FormValue(f.name))
		}
	}

	if cfg.DefaultGain < d.profile.MinGain || cfg.DefaultGain > d.profile.MaxGain {
		return cfg, fmt.Errorf("default gain must be between %d and %d", d.profile.MinGain, d.profile.MaxGain)
	}
	return cfg, cfg.validate()
}
