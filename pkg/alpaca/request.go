package alpaca

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const badRequestTitle = "Bad Alpaca Request"

// Request holds the validated Alpaca fields of an inbound call together with
// its parameters (query string for GET, form body for PUT).
type Request struct {
	DeviceNumber        int
	ClientID            uint32
	ClientTransactionID uint32

	params url.Values
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

func requestParams(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodPut {
		return parseBodyParams(r)
	}
	return r.URL.Query(), nil
}

// lookupID finds ClientID or ClientTransactionID. GET query keys must match
// exactly, PUT form keys are compared without case.
func lookupID(method string, params url.Values, name string) (string, bool) {
	if method != http.MethodPut {
		if v, ok := params[name]; ok && len(v) > 0 {
			return v[0], true
		}
		return "", false
	}

	for key, v := range params {
		if strings.EqualFold(key, name) && len(v) > 0 {
			return v[0], true
		}
	}
	return "", false
}

func parseID(s string) (uint32, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// Validate checks the device number and client identifiers of a call. Every
// failure is a *BadRequestError. A missing ClientTransactionID is accepted and
// reads as 0, but a malformed one is rejected.
func Validate(method, deviceNumber string, maxDevice int, params url.Values) (*Request, error) {
	devNum, err := strconv.Atoi(deviceNumber)
	if err != nil || devNum < 0 {
		return nil, badRequest(badRequestTitle, "Device number %q is not valid", deviceNumber)
	}
	if devNum > maxDevice {
		return nil, badRequest(badRequestTitle,
			"Device number %d does not exist. Maximum device number is %d.", devNum, maxDevice)
	}

	req := &Request{DeviceNumber: devNum, params: params}

	clientID, ok := lookupID(method, params, "ClientID")
	if !ok {
		return nil, badRequest(badRequestTitle, "Request has missing Alpaca ClientID value")
	}
	if req.ClientID, ok = parseID(clientID); !ok {
		return nil, badRequest(badRequestTitle, "Request has bad Alpaca ClientID value %s", clientID)
	}

	if txID, found := lookupID(method, params, "ClientTransactionID"); found {
		if req.ClientTransactionID, ok = parseID(txID); !ok {
			return nil, badRequest(badRequestTitle, "Request has bad Alpaca ClientTransactionID value %s", txID)
		}
	}

	return req, nil
}

// Field returns a mandatory PUT form field. Names are case sensitive and an
// empty value counts as missing.
func (r *Request) Field(name string) (string, error) {
	v := r.params.Get(name)
	if v == "" {
		return "", badRequest(badRequestTitle, "Missing, empty, or misspelled parameter %q", name)
	}
	return v, nil
}

// Bool parses a JSON style boolean field. Anything other than true or false is
// a malformed request.
func (r *Request) Bool(name string) (bool, error) {
	v, err := r.Field(name)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, badRequest(badRequestTitle, "Bad boolean value %q", v)
}

// Int parses an integer field. A value that is not a number is an Alpaca
// InvalidValue error rather than a malformed request.
func (r *Request) Int(name string) (int, error) {
	v, err := r.Field(name)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, InvalidValue("%s %s not a valid number.", name, v)
	}
	return n, nil
}

// Float parses a floating point field with the same rules as Int.
func (r *Request) Float(name string) (float64, error) {
	v, err := r.Field(name)
	if err != nil {
		return 0, err
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, InvalidValue("%s %s not a valid number.", name, v)
	}
	return f, nil
}
