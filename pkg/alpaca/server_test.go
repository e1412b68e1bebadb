package alpaca

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"rpicam-alpaca/templates"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCamera struct {
	mu        sync.Mutex
	connected bool
	binning   int
	gain      int
	start     [2]int
	num       [2]int
	image     *ImageArray
	exposure  struct {
		duration float64
		light    bool
		started  time.Time
	}
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{binning: 1, gain: 1, num: [2]int{4, 3}}
}

func (c *fakeCamera) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:        "Fake Camera",
		Description: "Camera used by the server tests",
		Type:        DeviceTypeCamera,
		Number:      0,
		UniqueID:    "3f1f6e5c-0d1a-5b4e-9f77-0c5a8e1c2d3e",
	}
}

func (c *fakeCamera) DriverInfo() DriverInfo {
	return DriverInfo{Name: "fake", Info: "Fake driver", Version: "0.1", InterfaceVersion: 3}
}

func (c *fakeCamera) GetState() []StateProperty {
	return []StateProperty{{Name: "CameraState", Value: c.CameraState()}}
}

func (c *fakeCamera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeCamera) Connecting() bool { return false }

func (c *fakeCamera) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeCamera) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeCamera) Info() CameraInfo {
	return CameraInfo{
		SensorName: "IMX477",
		SensorType: SensorRGGB,
		SizeX:      4,
		SizeY:      3,
		PixelSizeX: 1.55,
		PixelSizeY: 1.55,
		MaxBinX:    2,
		MaxBinY:    2,
		BayerX:     1,
		BayerY:     1,
		GainMin:    1,
		GainMax:    22,
		MaxADU:     65535,
	}
}

func (c *fakeCamera) CameraState() CameraState { return CameraIdle }

func (c *fakeCamera) ImageReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image != nil
}

func (c *fakeCamera) PercentCompleted() int     { return 100 }
func (c *fakeCamera) ElectronsPerADU() float64  { return 5.42 }
func (c *fakeCamera) FullWellCapacity() float64 { return 22200 }

func (c *fakeCamera) Binning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binning
}

func (c *fakeCamera) SetBinning(bin int) error {
	if bin < 1 || bin > 2 {
		return InvalidValue("Bin %d not in range 1 to 2", bin)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binning = bin
	return nil
}

func (c *fakeCamera) Gain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

func (c *fakeCamera) SetGain(gain int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = gain
	return nil
}

func (c *fakeCamera) Start(axis Axis) int { return c.start[axis] }

func (c *fakeCamera) SetStart(axis Axis, v int) error {
	if v < 0 || v >= c.Info().size(axis) {
		return InvalidValue("Start%s %d is out of bounds.", axis, v)
	}
	c.start[axis] = v
	return nil
}

func (c *fakeCamera) Num(axis Axis) int { return c.num[axis] }

func (c *fakeCamera) SetNum(axis Axis, v int) error {
	c.num[axis] = v
	return nil
}

func (c *fakeCamera) LastExposureDuration() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exposure.started.IsZero() {
		return 0, ErrValueNotSet
	}
	return c.exposure.duration, nil
}

func (c *fakeCamera) LastExposureStartTime() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exposure.started.IsZero() {
		return time.Time{}, ErrValueNotSet
	}
	return c.exposure.started, nil
}

// StartExposure completes immediately with a 4x3 test image.
func (c *fakeCamera) StartExposure(duration float64, light bool) error {
	if duration < 0 {
		return InvalidValue("Duration %g is out of bounds", duration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure.duration = duration
	c.exposure.light = light
	c.exposure.started = time.Date(2024, 3, 1, 21, 30, 0, 250_000_000, time.UTC)
	img := testImage(4, 3)
	c.image = &img
	return nil
}

func (c *fakeCamera) AbortExposure() error { return nil }

func (c *fakeCamera) ReadImage() (ImageArray, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.image == nil {
		return ImageArray{}, InvalidOperation("No image is ready")
	}
	img := *c.image
	c.image = nil
	return img, nil
}

func (c *fakeCamera) HandleSetup(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "fake camera setup")
}

type testServer struct {
	t      *testing.T
	camera *fakeCamera
	store  *Store
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	tmpl, err := templates.LoadTemplates()
	require.NoError(t, err)
	store, err := NewStore(openTestDB(t))
	require.NoError(t, err)

	camera := newFakeCamera()
	desc := ServerDescription{Name: "Test Server", Manufacturer: "rpicam-alpaca", ManufacturerVersion: "1.0"}
	server := NewServer(desc, []Device{camera}, store, tmpl, log.New())

	return &testServer{t: t, camera: camera, store: store, mux: server.AddRoutes()}
}

func (s *testServer) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) put(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) connect() {
	rec := s.put("/api/v1/camera/0/connected", url.Values{"ClientID": {"1"}, "Connected": {"true"}})
	require.Equal(s.t, http.StatusOK, rec.Code)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestManagementAPI(t *testing.T) {
	s := newTestServer(t)

	resp := decodeResponse(t, s.get("/management/apiversions?clienttransactionid=5", nil))
	assert.Equal(t, []any{1.0}, resp["Value"])
	assert.Equal(t, 5.0, resp["ClientTransactionID"])

	resp = decodeResponse(t, s.get("/management/v1/description", nil))
	assert.Equal(t, map[string]any{
		"ServerName":          "Test Server",
		"Manufacturer":        "rpicam-alpaca",
		"ManufacturerVersion": "1.0",
		"Location":            "Observatory",
	}, resp["Value"])

	resp = decodeResponse(t, s.get("/management/v1/configureddevices", nil))
	assert.Equal(t, []any{map[string]any{
		"DeviceName":   "Fake Camera",
		"DeviceType":   "Camera",
		"DeviceNumber": 0.0,
		"UniqueID":     "3f1f6e5c-0d1a-5b4e-9f77-0c5a8e1c2d3e",
	}}, resp["Value"])
}

func TestDeviceProperty(t *testing.T) {
	s := newTestServer(t)

	resp := decodeResponse(t, s.get("/api/v1/camera/0/name?ClientID=1&ClientTransactionID=2", nil))
	assert.Equal(t, "Fake Camera", resp["Value"])
	assert.Equal(t, 2.0, resp["ClientTransactionID"])
	assert.Equal(t, 0.0, resp["ErrorNumber"])

	// Member names are not case sensitive.
	resp = decodeResponse(t, s.get("/api/v1/camera/0/InterfaceVersion?ClientID=1", nil))
	assert.Equal(t, 3.0, resp["Value"])
	assert.Equal(t, 0.0, resp["ClientTransactionID"])
}

func TestMalformedRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		rec  func() *httptest.ResponseRecorder
		code int
	}{
		{"Missing ClientID", func() *httptest.ResponseRecorder {
			return s.get("/api/v1/camera/0/name?ClientTransactionID=1", nil)
		}, http.StatusBadRequest},
		{"Bad ClientTransactionID", func() *httptest.ResponseRecorder {
			return s.get("/api/v1/camera/0/name?ClientID=1&ClientTransactionID=x", nil)
		}, http.StatusBadRequest},
		{"Lower case GET ClientID", func() *httptest.ResponseRecorder {
			return s.get("/api/v1/camera/0/name?clientid=1", nil)
		}, http.StatusBadRequest},
		{"Device number out of range", func() *httptest.ResponseRecorder {
			return s.get("/api/v1/camera/1/name?ClientID=1", nil)
		}, http.StatusBadRequest},
		{"Unsupported device type", func() *httptest.ResponseRecorder {
			return s.get("/api/v1/telescope/0/name?ClientID=1", nil)
		}, http.StatusBadRequest},
		{"Unknown member", func() *httptest.ResponseRecorder {
			return s.get("/api/v1/camera/0/shutterspeed?ClientID=1", nil)
		}, http.StatusBadRequest},
		{"Missing PUT field", func() *httptest.ResponseRecorder {
			return s.put("/api/v1/camera/0/connected", url.Values{"ClientID": {"1"}})
		}, http.StatusBadRequest},
		{"Bad boolean", func() *httptest.ResponseRecorder {
			return s.put("/api/v1/camera/0/connected", url.Values{"ClientID": {"1"}, "Connected": {"maybe"}})
		}, http.StatusBadRequest},
		{"PUT field names are case sensitive", func() *httptest.ResponseRecorder {
			return s.put("/api/v1/camera/0/connected", url.Values{"ClientID": {"1"}, "connected": {"true"}})
		}, http.StatusBadRequest},
		{"PUT on a read only property", func() *httptest.ResponseRecorder {
			return s.put("/api/v1/camera/0/name", url.Values{"ClientID": {"1"}})
		}, http.StatusMethodNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := tc.rec()
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	assert.False(t, s.camera.Connected())
}

func TestBadRequestBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/api/v1/camera/0/name", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body BadRequestError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Bad Alpaca Request", body.Title)
	assert.Contains(t, body.Description, "ClientID")
}

func TestPutClientIDsIgnoreCase(t *testing.T) {
	s := newTestServer(t)

	rec := s.put("/api/v1/camera/0/connected", url.Values{
		"clientid":            {"1"},
		"clienttransactionid": {"77"},
		"Connected":           {"true"},
	})
	resp := decodeResponse(t, rec)
	assert.Equal(t, 77.0, resp["ClientTransactionID"])
	assert.NotContains(t, resp, "Value")
	assert.True(t, s.camera.Connected())

	rec = s.put("/api/v1/camera/0/disconnect", url.Values{"CLIENTID": {"1"}})
	decodeResponse(t, rec)
	assert.False(t, s.camera.Connected())
}

func TestCameraRequiresConnection(t *testing.T) {
	s := newTestServer(t)

	resp := decodeResponse(t, s.get("/api/v1/camera/0/camerastate?ClientID=1", nil))
	assert.Equal(t, float64(CodeNotConnected), resp["ErrorNumber"])
	assert.NotContains(t, resp, "Value")

	// Capabilities are answered while disconnected.
	resp = decodeResponse(t, s.get("/api/v1/camera/0/canabortexposure?ClientID=1", nil))
	assert.Equal(t, true, resp["Value"])

	s.connect()
	resp = decodeResponse(t, s.get("/api/v1/camera/0/camerastate?ClientID=1", nil))
	assert.Equal(t, 0.0, resp["Value"])
}

func TestCameraProperties(t *testing.T) {
	s := newTestServer(t)
	s.connect()

	tests := []struct {
		member   string
		expected any
	}{
		{"camerastate", 0.0},
		{"cameraxsize", 4.0},
		{"cameraysize", 3.0},
		{"binx", 1.0},
		{"biny", 1.0},
		{"maxbinx", 2.0},
		{"bayeroffsetx", 1.0},
		{"bayeroffsety", 1.0},
		{"pixelsizex", 1.55},
		{"sensorname", "IMX477"},
		{"sensortype", 2.0},
		{"maxadu", 65535.0},
		{"gainmin", 1.0},
		{"gainmax", 22.0},
		{"electronsperadu", 5.42},
		{"fullwellcapacity", 22200.0},
		{"readoutmode", 0.0},
		{"readoutmodes", []any{"default"}},
		{"canstopexposure", false},
		{"canasymmetricbin", false},
		{"hasshutter", false},
		{"numx", 4.0},
		{"numy", 3.0},
		{"supportedactions", []any{}},
		{"driverinfo", "Fake driver"},
	}

	for _, tc := range tests {
		t.Run(tc.member, func(t *testing.T) {
			resp := decodeResponse(t, s.get("/api/v1/camera/0/"+tc.member+"?ClientID=1", nil))
			assert.Equal(t, 0.0, resp["ErrorNumber"], resp["ErrorMessage"])
			assert.Equal(t, tc.expected, resp["Value"])
		})
	}
}

func TestCameraNotImplemented(t *testing.T) {
	s := newTestServer(t)
	s.connect()

	for _, member := range []string{"ccdtemperature", "cooleron", "gains", "offset", "ispulseguiding"} {
		resp := decodeResponse(t, s.get("/api/v1/camera/0/"+member+"?ClientID=1", nil))
		assert.Equal(t, float64(CodeNotImplemented), resp["ErrorNumber"], member)
	}

	resp := decodeResponse(t, s.put("/api/v1/camera/0/stopexposure", url.Values{"ClientID": {"1"}}))
	assert.Equal(t, float64(CodeNotImplemented), resp["ErrorNumber"])

	resp = decodeResponse(t, s.put("/api/v1/camera/0/action", url.Values{"ClientID": {"1"}}))
	assert.Equal(t, float64(CodeActionNotImplemented), resp["ErrorNumber"])
}

func TestCameraWrites(t *testing.T) {
	s := newTestServer(t)
	s.connect()

	resp := decodeResponse(t, s.put("/api/v1/camera/0/binx", url.Values{"ClientID": {"1"}, "BinX": {"2"}}))
	assert.Equal(t, 0.0, resp["ErrorNumber"])
	assert.Equal(t, 2, s.camera.Binning())

	resp = decodeResponse(t, s.get("/api/v1/camera/0/biny?ClientID=1", nil))
	assert.Equal(t, 2.0, resp["Value"])

	resp = decodeResponse(t, s.put("/api/v1/camera/0/biny", url.Values{"ClientID": {"1"}, "BinY": {"3"}}))
	assert.Equal(t, float64(CodeInvalidValue), resp["ErrorNumber"])

	resp = decodeResponse(t, s.put("/api/v1/camera/0/startx", url.Values{"ClientID": {"1"}, "StartX": {"5000"}}))
	assert.Equal(t, float64(CodeInvalidValue), resp["ErrorNumber"])

	resp = decodeResponse(t, s.put("/api/v1/camera/0/gain", url.Values{"ClientID": {"1"}, "Gain": {"eight"}}))
	assert.Equal(t, float64(CodeInvalidValue), resp["ErrorNumber"])

	resp = decodeResponse(t, s.put("/api/v1/camera/0/gain", url.Values{"ClientID": {"1"}, "Gain": {"8"}}))
	assert.Equal(t, 0.0, resp["ErrorNumber"])
	assert.Equal(t, 8, s.camera.Gain())

	resp = decodeResponse(t, s.put("/api/v1/camera/0/readoutmode", url.Values{"ClientID": {"1"}, "ReadoutMode": {"1"}}))
	assert.Equal(t, float64(CodeInvalidValue), resp["ErrorNumber"])
}

func TestStartExposureAndDownload(t *testing.T) {
	s := newTestServer(t)
	s.connect()

	resp := decodeResponse(t, s.get("/api/v1/camera/0/lastexposureduration?ClientID=1", nil))
	assert.Equal(t, float64(CodeValueNotSet), resp["ErrorNumber"])

	rec := s.put("/api/v1/camera/0/startexposure", url.Values{"ClientID": {"1"}, "Duration": {"2.5"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "Light is mandatory")

	resp = decodeResponse(t, s.put("/api/v1/camera/0/startexposure", url.Values{"ClientID": {"1"}, "Duration": {"long"}, "Light": {"true"}}))
	assert.Equal(t, float64(CodeInvalidValue), resp["ErrorNumber"])

	resp = decodeResponse(t, s.put("/api/v1/camera/0/startexposure", url.Values{"ClientID": {"1"}, "Duration": {"2.5"}, "Light": {"false"}}))
	assert.Equal(t, 0.0, resp["ErrorNumber"])
	assert.Equal(t, 2.5, s.camera.exposure.duration)
	assert.False(t, s.camera.exposure.light)

	resp = decodeResponse(t, s.get("/api/v1/camera/0/lastexposurestarttime?ClientID=1", nil))
	assert.Equal(t, "2024-03-01T21:30:00.250", resp["Value"])

	resp = decodeResponse(t, s.get("/api/v1/camera/0/imageready?ClientID=1", nil))
	assert.Equal(t, true, resp["Value"])

	rec = s.get("/api/v1/camera/0/imagearray?ClientID=1&ClientTransactionID=9",
		http.Header{"Accept": {"application/imagebytes"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/imagebytes", rec.Header().Get("Content-Type"))

	hdr, img, _, err := DecodeImageBytes(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(9), hdr.ClientTransactionID)
	assert.Equal(t, uint32(3), hdr.Dimension1)
	assert.Equal(t, uint32(4), hdr.Dimension2)
	assert.Equal(t, testImage(4, 3), img)

	// The image was handed over.
	rec = s.get("/api/v1/camera/0/imagearray?ClientID=1",
		http.Header{"Accept": {"application/imagebytes"}})
	hdr, _, payload, err := DecodeImageBytes(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(CodeInvalidOperation), hdr.ErrorNumber)
	assert.Equal(t, "No image is ready", string(payload))
}

func TestImageArrayJSON(t *testing.T) {
	s := newTestServer(t)
	s.connect()

	decodeResponse(t, s.put("/api/v1/camera/0/startexposure", url.Values{"ClientID": {"1"}, "Duration": {"1"}, "Light": {"true"}}))

	rec := s.get("/api/v1/camera/0/imagearray?ClientID=1", http.Header{"Accept": {"application/json"}})
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decodeResponse(t, rec)
	assert.Equal(t, 2.0, resp["Type"])
	assert.Equal(t, 2.0, resp["Rank"])

	rows, ok := resp["Value"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 4)
	assert.Equal(t, []any{300.0, 301.0, 302.0}, rows[3])
}

func TestImageArrayNotConnected(t *testing.T) {
	s := newTestServer(t)

	resp := decodeResponse(t, s.get("/api/v1/camera/0/imagearray?ClientID=1", nil))
	assert.Equal(t, float64(CodeNotConnected), resp["ErrorNumber"])
}

func TestSetupPages(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/setup", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Test Server")
	assert.Contains(t, rec.Body.String(), "/setup/v1/camera/0/setup")

	form := url.Values{
		"location":        {"Backyard"},
		"mqtt-host":       {"tcp://broker:1883"},
		"mqtt-topic-root": {"/obs/"},
	}
	req := httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "Settings saved")

	cfg, err := s.store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "Backyard", cfg.Location)
	assert.Equal(t, "obs", cfg.MQTT.TopicRoot)

	resp := decodeResponse(t, s.get("/management/v1/description", nil))
	assert.Equal(t, "Backyard", resp["Value"].(map[string]any)["Location"])

	rec = s.get("/setup/v1/camera/0/setup", nil)
	assert.Equal(t, "fake camera setup", rec.Body.String())

	rec = s.get("/setup/v1/camera/3/setup", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
