package alpaca

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// CameraState is the ICameraV3 CameraState enumeration.
type CameraState int

const (
	CameraIdle CameraState = iota
	CameraWaiting
	CameraExposing
	CameraReading
	CameraDownload
	CameraError
)

func (s CameraState) String() string {
	switch s {
	case CameraIdle:
		return "Idle"
	case CameraWaiting:
		return "Waiting"
	case CameraExposing:
		return "Exposing"
	case CameraReading:
		return "Reading"
	case CameraDownload:
		return "Download"
	case CameraError:
		return "Error"
	}
	return "Unknown"
}

type SensorType int

const (
	SensorMonochrome SensorType = iota
	SensorColor
	SensorRGGB
	SensorCMYG
	SensorCMYG2
	SensorLRGB
)

// Axis selects the X or Y member of a paired camera property.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "Y"
	}
	return "X"
}

// CameraInfo holds the properties of a camera that do not change while it is
// connected.
type CameraInfo struct {
	SensorName  string
	SensorType  SensorType
	SizeX       int
	SizeY       int
	PixelSizeX  float64
	PixelSizeY  float64
	MaxBinX     int
	MaxBinY     int
	BayerX      int
	BayerY      int
	GainMin     int
	GainMax     int
	ExposureMin float64
	ExposureMax float64
	MaxADU      int
}

func (c CameraInfo) size(a Axis) int {
	if a == AxisY {
		return c.SizeY
	}
	return c.SizeX
}

func (c CameraInfo) pixelSize(a Axis) float64 {
	if a == AxisY {
		return c.PixelSizeY
	}
	return c.PixelSizeX
}

func (c CameraInfo) maxBin(a Axis) int {
	if a == AxisY {
		return c.MaxBinY
	}
	return c.MaxBinX
}

func (c CameraInfo) bayerOffset(a Axis) int {
	if a == AxisY {
		return c.BayerY
	}
	return c.BayerX
}

type Camera interface {
	Device

	Info() CameraInfo
	CameraState() CameraState
	ImageReady() bool
	PercentCompleted() int
	ElectronsPerADU() float64
	FullWellCapacity() float64

	// Binning is symmetric; BinX and BinY read and write the same factor.
	Binning() int
	SetBinning(bin int) error

	Gain() int
	SetGain(gain int) error

	// Subframe geometry in binned pixels.
	Start(axis Axis) int
	SetStart(axis Axis, v int) error
	Num(axis Axis) int
	SetNum(axis Axis, v int) error

	LastExposureDuration() (float64, error)
	LastExposureStartTime() (time.Time, error)

	StartExposure(duration float64, light bool) error
	AbortExposure() error

	// ReadImage hands over the last completed exposure, once.
	ReadImage() (ImageArray, error)
}

// CameraHandler serves the ICameraV3 members on top of the common device
// members.
type CameraHandler struct {
	*DeviceHandler
	cam Camera
}

func NewCameraHandler(cam Camera, logger log.FieldLogger) *CameraHandler {
	h := &CameraHandler{
		DeviceHandler: NewDeviceHandler(cam, logger),
		cam:           cam,
	}
	h.registerCameraRoutes()
	h.registerAxisRoutes(AxisX)
	h.registerAxisRoutes(AxisY)
	return h
}

func value(v any) handlerFunc {
	return func(*Request) (any, error) {
		return v, nil
	}
}

func (h *CameraHandler) registerCameraRoutes() {
	h.handle("canabortexposure", route{get: value(true)})
	h.handle("canasymmetricbin", route{get: value(false)})
	h.handle("canfastreadout", route{get: value(false)})
	h.handle("cangetcoolerpower", route{get: value(false)})
	h.handle("canpulseguide", route{get: value(false)})
	h.handle("cansetccdtemperature", route{get: value(false)})
	h.handle("canstopexposure", route{get: value(false)})
	h.handle("exposureresolution", route{get: value(0.0)})

	unsupported := notImplemented(ErrPropertyNotImplemented)
	h.handle("ccdtemperature", route{get: unsupported})
	h.handle("cooleron", route{get: unsupported, put: unsupported})
	h.handle("coolerpower", route{get: unsupported})
	h.handle("fastreadout", route{get: unsupported, put: unsupported})
	h.handle("gains", route{get: unsupported})
	h.handle("heatsinktemperature", route{get: unsupported})
	h.handle("ispulseguiding", route{get: unsupported})
	h.handle("offset", route{get: unsupported, put: unsupported})
	h.handle("offsetmax", route{get: unsupported})
	h.handle("offsetmin", route{get: unsupported})
	h.handle("offsets", route{get: unsupported})
	h.handle("setccdtemperature", route{get: unsupported, put: unsupported})
	h.handle("subexposureduration", route{get: unsupported, put: unsupported})
	h.handle("pulseguide", route{put: notImplemented(ErrMethodNotImplemented)})
	h.handle("stopexposure", route{put: notImplemented(ErrMethodNotImplemented)})

	h.handle("camerastate", route{get: h.handleCameraState, connected: true})
	h.handle("imageready", route{get: h.handleImageReady, connected: true})
	h.handle("percentcompleted", route{get: h.handlePercentCompleted, connected: true})
	h.handle("electronsperadu", route{get: h.handleElectronsPerADU, connected: true})
	h.handle("fullwellcapacity", route{get: h.handleFullWellCapacity, connected: true})
	h.handle("exposuremax", route{get: h.handleExposureMax, connected: true})
	h.handle("exposuremin", route{get: h.handleExposureMin, connected: true})
	h.handle("gain", route{get: h.handleGain, put: h.handleSetGain, connected: true})
	h.handle("gainmax", route{get: h.handleGainMax, connected: true})
	h.handle("gainmin", route{get: h.handleGainMin, connected: true})
	h.handle("hasshutter", route{get: value(false), connected: true})
	h.handle("maxadu", route{get: h.handleMaxADU, connected: true})
	h.handle("readoutmode", route{get: value(0), put: h.handleSetReadoutMode, connected: true})
	h.handle("readoutmodes", route{get: value([]string{"default"}), connected: true})
	h.handle("sensorname", route{get: h.handleSensorName, connected: true})
	h.handle("sensortype", route{get: h.handleSensorType, connected: true})
	h.handle("lastexposureduration", route{get: h.handleLastExposureDuration, connected: true})
	h.handle("lastexposurestarttime", route{get: h.handleLastExposureStartTime, connected: true})

	h.handle("startexposure", route{put: h.handleStartExposure, connected: true})
	h.handle("abortexposure", route{put: h.handleAbortExposure, connected: true})
	h.handle("imagearray", route{image: h.handleImageArray, connected: true})
	h.handle("imagearrayvariant", route{image: h.handleImageArray, connected: true})
}

// registerAxisRoutes adds the X or Y member of each paired property.
func (h *CameraHandler) registerAxisRoutes(axis Axis) {
	name := axis.String()

	h.handle("bin"+name, route{get: h.handleBin, put: h.handleSetBin(axis), connected: true})
	h.handle("maxbin"+name, route{get: h.handleMaxBin(axis), connected: true})
	h.handle("bayeroffset"+name, route{get: h.handleBayerOffset(axis), connected: true})
	h.handle("camera"+name+"size", route{get: h.handleCameraSize(axis), connected: true})
	h.handle("pixelsize"+name, route{get: h.handlePixelSize(axis), connected: true})
	h.handle("start"+name, route{get: h.handleStart(axis), put: h.handleSetStart(axis), connected: true})
	h.handle("num"+name, route{get: h.handleNum(axis), put: h.handleSetNum(axis), connected: true})
}

func (h *CameraHandler) handleCameraState(*Request) (any, error) {
	return h.cam.CameraState(), nil
}

func (h *CameraHandler) handleImageReady(*Request) (any, error) {
	return h.cam.ImageReady(), nil
}

func (h *CameraHandler) handlePercentCompleted(*Request) (any, error) {
	return h.cam.PercentCompleted(), nil
}

func (h *CameraHandler) handleElectronsPerADU(*Request) (any, error) {
	return h.cam.ElectronsPerADU(), nil
}

func (h *CameraHandler) handleFullWellCapacity(*Request) (any, error) {
	return h.cam.FullWellCapacity(), nil
}

func (h *CameraHandler) handleExposureMax(*Request) (any, error) {
	return h.cam.Info().ExposureMax, nil
}

func (h *CameraHandler) handleExposureMin(*Request) (any, error) {
	return h.cam.Info().ExposureMin, nil
}

func (h *CameraHandler) handleGain(*Request) (any, error) {
	return h.cam.Gain(), nil
}

func (h *CameraHandler) handleSetGain(req *Request) (any, error) {
	gain, err := req.Int("Gain")
	if err != nil {
		return nil, err
	}
	return nil, asDriverError("Camera.Gain", h.cam.SetGain(gain))
}

func (h *CameraHandler) handleGainMax(*Request) (any, error) {
	return h.cam.Info().GainMax, nil
}

func (h *CameraHandler) handleGainMin(*Request) (any, error) {
	return h.cam.Info().GainMin, nil
}

func (h *CameraHandler) handleMaxADU(*Request) (any, error) {
	return h.cam.Info().MaxADU, nil
}

func (h *CameraHandler) handleSetReadoutMode(req *Request) (any, error) {
	mode, err := req.Int("ReadoutMode")
	if err != nil {
		return nil, err
	}
	if mode != 0 {
		return nil, InvalidValue("ReadoutMode %d is out of bounds.", mode)
	}
	return nil, nil
}

func (h *CameraHandler) handleSensorName(*Request) (any, error) {
	return h.cam.Info().SensorName, nil
}

func (h *CameraHandler) handleSensorType(*Request) (any, error) {
	return h.cam.Info().SensorType, nil
}

func (h *CameraHandler) handleLastExposureDuration(*Request) (any, error) {
	return h.cam.LastExposureDuration()
}

func (h *CameraHandler) handleLastExposureStartTime(*Request) (any, error) {
	start, err := h.cam.LastExposureStartTime()
	if err != nil {
		return nil, err
	}
	return start.UTC().Format("2006-01-02T15:04:05.000"), nil
}

func (h *CameraHandler) handleStartExposure(req *Request) (any, error) {
	duration, err := req.Float("Duration")
	if err != nil {
		return nil, err
	}
	light, err := req.Bool("Light")
	if err != nil {
		return nil, err
	}
	return nil, asDriverError("Camera.StartExposure", h.cam.StartExposure(duration, light))
}

func (h *CameraHandler) handleAbortExposure(*Request) (any, error) {
	return nil, asDriverError("Camera.AbortExposure", h.cam.AbortExposure())
}

func (h *CameraHandler) handleImageArray(*Request) (ImageArray, error) {
	img, err := h.cam.ReadImage()
	if err != nil {
		return ImageArray{}, asDriverError("Camera.ImageArray", err)
	}
	return img, nil
}

func (h *CameraHandler) handleBin(*Request) (any, error) {
	return h.cam.Binning(), nil
}

func (h *CameraHandler) handleSetBin(axis Axis) handlerFunc {
	field := "Bin" + axis.String()
	return func(req *Request) (any, error) {
		bin, err := req.Int(field)
		if err != nil {
			return nil, err
		}
		return nil, asDriverError("Camera."+field, h.cam.SetBinning(bin))
	}
}

func (h *CameraHandler) handleMaxBin(axis Axis) handlerFunc {
	return func(*Request) (any, error) {
		return h.cam.Info().maxBin(axis), nil
	}
}

func (h *CameraHandler) handleBayerOffset(axis Axis) handlerFunc {
	return func(*Request) (any, error) {
		return h.cam.Info().bayerOffset(axis), nil
	}
}

func (h *CameraHandler) handleCameraSize(axis Axis) handlerFunc {
	return func(*Request) (any, error) {
		return h.cam.Info().size(axis), nil
	}
}

func (h *CameraHandler) handlePixelSize(axis Axis) handlerFunc {
	return func(*Request) (any, error) {
		return h.cam.Info().pixelSize(axis), nil
	}
}

func (h *CameraHandler) handleStart(axis Axis) handlerFunc {
	return func(*Request) (any, error) {
		return h.cam.Start(axis), nil
	}
}

func (h *CameraHandler) handleSetStart(axis Axis) handlerFunc {
	field := "Start" + axis.String()
	return func(req *Request) (any, error) {
		v, err := req.Int(field)
		if err != nil {
			return nil, err
		}
		return nil, asDriverError("Camera."+field, h.cam.SetStart(axis, v))
	}
}

func (h *CameraHandler) handleNum(axis Axis) handlerFunc {
	return func(*Request) (any, error) {
		return h.cam.Num(axis), nil
	}
}

func (h *CameraHandler) handleSetNum(axis Axis) handlerFunc {
	field := "Num" + axis.String()
	return func(req *Request) (any, error) {
		v, err := req.Int(field)
		if err != nil {
			return nil, err
		}
		return nil, asDriverError("Camera."+field, h.cam.SetNum(axis, v))
	}
}
