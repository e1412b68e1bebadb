// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// SetupHandler is implemented by devices that have their own setup page.
type SetupHandler interface {
	HandleSetup(w http.ResponseWriter, r *http.Request)
}

// Server is an Alpaca server that provides information about the server and
// routes device API calls to the devices it manages.
type Server struct {
	description ServerDescription
	devices     []Device
	logger      log.FieldLogger

	// handlers is keyed by device type path segment, then device number.
	handlers  map[string]map[int]*DeviceHandler
	maxDevice map[string]int

	db   *Store
	tmpl *template.Template
}

// NewServer creates a new Server instance.
func NewServer(description ServerDescription, devices []Device, db *Store, tmpl *template.Template, logger log.FieldLogger) *Server {
	server := Server{
		description: description,
		devices:     devices,
		logger:      logger,
		handlers:    make(map[string]map[int]*DeviceHandler),
		maxDevice:   make(map[string]int),
		db:          db,
		tmpl:        tmpl,
	}

	for _, dev := range devices {
		info := dev.DeviceInfo()
		devLogger := logger.WithField("device", fmt.Sprintf("%s/%d", info.Type.PathSegment(), info.Number))

		var handler *DeviceHandler
		switch d := dev.(type) {
		case Camera:
			logger.Infof("Creating new CameraHandler for %s", info.Name)
			handler = NewCameraHandler(d, devLogger).DeviceHandler
		default:
			logger.Warnf("No specific handler for device type %T", dev)
			handler = NewDeviceHandler(dev, devLogger)
		}

		devType := info.Type.PathSegment()
		if server.handlers[devType] == nil {
			server.handlers[devType] = make(map[int]*DeviceHandler)
		}
		server.handlers[devType][info.Number] = handler
		if n, ok := server.maxDevice[devType]; !ok || info.Number > n {
			server.maxDevice[devType] = info.Number
		}
	}

	return &server
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Add management routes
	r.Handle("GET /management/apiversions", s.handleMgm(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", s.handleMgm(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", s.handleMgm(s.handleConfiguredDevices))
	r.HandleFunc("/setup", s.handleSetup)
	r.HandleFunc("/setup/v1/{devtype}/{devnum}/setup", s.handleDeviceSetup)

	// Device API
	r.HandleFunc("GET /api/v1/{devtype}/{devnum}/{member}", s.handleAPI)
	r.HandleFunc("PUT /api/v1/{devtype}/{devnum}/{member}", s.handleAPI)

	return r
}

// handleAPI is the uniform validation wrapper in front of every device
// member: it logs the call, validates the Alpaca fields and hands the request
// to the device's route table.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		writeBadRequest(w, badRequest(badRequestTitle, "Cannot parse parameters: %v", err))
		return
	}
	s.logRequest(r, params)

	devType := r.PathValue("devtype")
	handlers, ok := s.handlers[devType]
	if !ok {
		writeBadRequest(w, badRequest(badRequestTitle, "Device type %q is not supported", devType))
		return
	}

	req, err := Validate(r.Method, r.PathValue("devnum"), s.maxDevice[devType], params)
	if err != nil {
		badReq := err.(*BadRequestError)
		s.logger.Error(badReq.Description)
		writeBadRequest(w, badReq)
		return
	}

	handler, ok := handlers[req.DeviceNumber]
	if !ok {
		writeBadRequest(w, badRequest(badRequestTitle, "Device number %d does not exist", req.DeviceNumber))
		return
	}

	handler.dispatch(w, r, req, r.PathValue("member"))
}

func (s *Server) logRequest(r *http.Request, params map[string][]string) {
	msg := fmt.Sprintf("%s -> %s %s", r.RemoteAddr, r.Method, r.URL.Path)
	if r.URL.RawQuery != "" {
		msg += "?" + r.URL.RawQuery
	}
	s.logger.Info(msg)

	if r.Method == http.MethodPut && len(params) > 0 {
		s.logger.Infof("%s -> %v", r.RemoteAddr, params)
	}
}

// handleMgm wraps a management handler. Management calls carry no device
// number and tolerate missing client fields.
func (s *Server) handleMgm(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logRequest(r, nil)

		var clientTxID uint32
		for key, v := range r.URL.Query() {
			if strings.EqualFold(key, "ClientTransactionID") && len(v) > 0 {
				if id, err := strconv.ParseUint(v[0], 10, 32); err == nil {
					clientTxID = uint32(id)
				}
			}
		}

		value, err := fn(r)
		if err := writeJSON(w, PropertyResponse(value, clientTxID, err)); err != nil {
			s.logger.Errorf("Error writing response: %v", err)
		}
	})
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	desc := s.description
	if cfg, err := s.db.GetConfig(); err == nil && cfg.Location != "" {
		desc.Location = cfg.Location
	}
	return desc, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request) (any, error) {
	deviceInfo := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		deviceInfo = append(deviceInfo, device.DeviceInfo())
	}

	return deviceInfo, nil
}

// handleSetup returns a user interface for setting up the server.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.db.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.logger.Infof("Setting server config: location=%q mqtt=%v", cfg.Location, cfg.MQTT.Enabled)
		if err := s.db.SetConfig(cfg); err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDeviceSetup(w http.ResponseWriter, r *http.Request) {
	devNum, err := strconv.Atoi(r.PathValue("devnum"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	handler, ok := s.handlers[r.PathValue("devtype")][devNum]
	if !ok {
		http.NotFound(w, r)
		return
	}

	setup, ok := handler.dev.(SetupHandler)
	if !ok {
		http.Error(w, "Device has no setup page", http.StatusNotFound)
		return
	}
	setup.HandleSetup(w, r)
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Server  ServerDescription
		Devices []Device
		Success bool
		Error   string
	}{cfg, s.description, s.devices, success, err}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := Config{
		Location: strings.TrimSpace(r.FormValue("location")),
		MQTT: MQTTConfig{
			Enabled:   r.FormValue("mqtt-enabled") == "true",
			Host:      strings.TrimSpace(r.FormValue("mqtt-host")),
			Username:  r.FormValue("mqtt-username"),
			Password:  r.FormValue("mqtt-password"),
			TopicRoot: strings.Trim(r.FormValue("mqtt-topic-root"), " /"),
		},
	}
	if cfg.Location == "" {
		return cfg, fmt.Errorf("location cannot be empty")
	}
	return cfg, nil
}
