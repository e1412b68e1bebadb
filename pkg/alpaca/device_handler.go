package alpaca

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// handlerFunc serves one Alpaca member. The returned value becomes the
// response Value; the error is translated into an Alpaca error body or, for
// a *BadRequestError, an HTTP 400.
type handlerFunc func(req *Request) (any, error)

// imageFunc serves an image download. The encoding is chosen from the Accept
// header by the dispatcher.
type imageFunc func(req *Request) (ImageArray, error)

type route struct {
	get   handlerFunc
	put   handlerFunc
	image imageFunc

	// connected rejects the call with NotConnected while the device is
	// disconnected.
	connected bool
}

// DeviceHandler dispatches /api/v1/<type>/<n>/<member> calls through a route
// table keyed by lower-case member name.
type DeviceHandler struct {
	dev    Device
	logger log.FieldLogger
	routes map[string]route
}

func NewDeviceHandler(dev Device, logger log.FieldLogger) *DeviceHandler {
	h := &DeviceHandler{
		dev:    dev,
		logger: logger,
		routes: make(map[string]route),
	}
	h.registerCommonRoutes()
	return h
}

func (h *DeviceHandler) handle(name string, rt route) {
	h.routes[strings.ToLower(name)] = rt
}

func (h *DeviceHandler) registerCommonRoutes() {
	h.handle("name", route{get: h.handleName})
	h.handle("description", route{get: h.handleDescription})
	h.handle("driverinfo", route{get: h.handleDriverInfo})
	h.handle("driverversion", route{get: h.handleDriverVersion})
	h.handle("interfaceversion", route{get: h.handleInterfaceVersion})
	h.handle("devicestate", route{get: h.handleState})
	h.handle("supportedactions", route{get: h.handleSupportedActions})

	h.handle("connected", route{get: h.handleConnected, put: h.handleSetConnected})
	h.handle("connecting", route{get: h.handleConnecting})
	h.handle("connect", route{put: h.handleConnect})
	h.handle("disconnect", route{put: h.handleDisconnect})

	h.handle("action", route{put: notImplemented(ErrActionNotImplemented)})
	h.handle("commandblind", route{put: notImplemented(ErrMethodNotImplemented)})
	h.handle("commandbool", route{put: notImplemented(ErrMethodNotImplemented)})
	h.handle("commandstring", route{put: notImplemented(ErrMethodNotImplemented)})
}

func notImplemented(err *Error) handlerFunc {
	return func(*Request) (any, error) {
		return nil, err
	}
}

// dispatch runs the named member for an already validated request.
func (h *DeviceHandler) dispatch(w http.ResponseWriter, r *http.Request, req *Request, member string) {
	rt, ok := h.routes[strings.ToLower(member)]
	if !ok {
		writeBadRequest(w, badRequest(badRequestTitle, "Unknown member %q", member))
		return
	}

	if rt.image != nil && r.Method == http.MethodGet {
		h.serveImage(w, r, req, rt)
		return
	}

	fn := rt.get
	if r.Method == http.MethodPut {
		fn = rt.put
	}
	if fn == nil {
		http.Error(w, fmt.Sprintf("%s not allowed on %s", r.Method, member), http.StatusMethodNotAllowed)
		return
	}

	var (
		value any
		err   error
	)
	if rt.connected && !h.dev.Connected() {
		err = ErrNotConnected
	} else {
		value, err = fn(req)
	}

	var badReq *BadRequestError
	if errors.As(err, &badReq) {
		h.logger.Errorf("%s: %s", badReq.Title, badReq.Description)
		writeBadRequest(w, badReq)
		return
	}

	var resp Response
	if r.Method == http.MethodPut {
		resp = MethodResponse(req.ClientTransactionID, err, value)
	} else {
		resp = PropertyResponse(value, req.ClientTransactionID, err)
	}
	h.logResult(r, member, resp)

	if err := writeJSON(w, resp); err != nil {
		h.logger.Errorf("Error writing response: %v", err)
	}
}

func (h *DeviceHandler) serveImage(w http.ResponseWriter, r *http.Request, req *Request, rt route) {
	var (
		img ImageArray
		err error
	)
	if rt.connected && !h.dev.Connected() {
		err = ErrNotConnected
	} else {
		img, err = rt.image(req)
	}

	alpacaErr := AsError(err)
	h.logError(r, alpacaErr)

	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "imagebytes") {
		serverTxID := uint32(txCounter.Next())
		frame := EncodeImageBytes(img, req.ClientTransactionID, serverTxID, alpacaErr)

		w.Header().Set("Content-Type", "application/imagebytes")
		if _, err := w.Write(frame); err != nil {
			h.logger.Errorf("Error writing image: %v", err)
		}
		h.logger.Debugf("%s <- %d bytes of imagebytes", r.RemoteAddr, len(frame))
		return
	}

	resp := NewImageArrayResponse(img, req.ClientTransactionID, err)
	if err := writeJSON(w, resp); err != nil {
		h.logger.Errorf("Error writing image: %v", err)
	}
	h.logger.Debugf("%s <- %dx%d JSON image array", r.RemoteAddr, img.Rows, img.Cols)
}

// logResult logs property values at info and method results at debug. Driver
// exceptions are always errors.
func (h *DeviceHandler) logResult(r *http.Request, member string, resp Response) {
	if resp.ErrorNumber != 0 {
		h.logError(r, &Error{resp.ErrorNumber, resp.ErrorMessage})
		return
	}
	if resp.Value == nil {
		return
	}

	msg := fmt.Sprintf("%v", resp.Value)
	if len(msg) > 100 {
		msg = msg[:100]
	}
	if r.Method == http.MethodPut {
		h.logger.Debugf("%s <- %s %s", r.RemoteAddr, member, msg)
	} else {
		h.logger.Infof("%s <- %s", r.RemoteAddr, msg)
	}
}

func (h *DeviceHandler) logError(r *http.Request, err *Error) {
	if err == nil {
		return
	}
	if err.Number >= CodeDriverBase {
		h.logger.Errorf("%s <- 0x%X %s", r.RemoteAddr, err.Number, err.Message)
		return
	}
	h.logger.Infof("%s <- 0x%X %s", r.RemoteAddr, err.Number, err.Message)
}

func (h *DeviceHandler) handleName(*Request) (any, error) {
	return h.dev.DeviceInfo().Name, nil
}

func (h *DeviceHandler) handleDescription(*Request) (any, error) {
	return h.dev.DeviceInfo().Description, nil
}

func (h *DeviceHandler) handleDriverInfo(*Request) (any, error) {
	return h.dev.DriverInfo().Info, nil
}

func (h *DeviceHandler) handleDriverVersion(*Request) (any, error) {
	return h.dev.DriverInfo().Version, nil
}

func (h *DeviceHandler) handleInterfaceVersion(*Request) (any, error) {
	return h.dev.DriverInfo().InterfaceVersion, nil
}

func (h *DeviceHandler) handleState(*Request) (any, error) {
	return h.dev.GetState(), nil
}

func (h *DeviceHandler) handleSupportedActions(*Request) (any, error) {
	return []string{}, nil
}

func (h *DeviceHandler) handleConnected(*Request) (any, error) {
	return h.dev.Connected(), nil
}

func (h *DeviceHandler) handleConnecting(*Request) (any, error) {
	return h.dev.Connecting(), nil
}

func (h *DeviceHandler) handleSetConnected(req *Request) (any, error) {
	connect, err := req.Bool("Connected")
	if err != nil {
		return nil, err
	}

	if connect {
		return h.handleConnect(req)
	}
	return h.handleDisconnect(req)
}

func (h *DeviceHandler) handleConnect(*Request) (any, error) {
	if err := h.dev.Connect(); err != nil {
		return nil, asDriverError("Connect", err)
	}
	return nil, nil
}

func (h *DeviceHandler) handleDisconnect(*Request) (any, error) {
	if err := h.dev.Disconnect(); err != nil {
		return nil, asDriverError("Disconnect", err)
	}
	return nil, nil
}

// asDriverError keeps Alpaca errors as they are and reports anything else as
// a driver exception for op.
func asDriverError(op string, err error) error {
	if err == nil {
		return nil
	}
	var alpacaErr *Error
	if errors.As(err, &alpacaErr) {
		return alpacaErr
	}
	return NewDriverError(op, err)
}
