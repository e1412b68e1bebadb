package alpaca

import "strings"

// DeviceType is the Alpaca device type as it appears in configured device
// lists. Its lower-case form is the URL path segment.
type DeviceType string

const DeviceTypeCamera DeviceType = "Camera"

func (t DeviceType) String() string {
	return string(t)
}

// PathSegment returns the form used in /api/v1/<type>/<n> URLs.
func (t DeviceType) PathSegment() string {
	return strings.ToLower(string(t))
}

type DeviceInfo struct {
	Name        string     `json:"DeviceName"`
	Description string     `json:"-"`
	Type        DeviceType `json:"DeviceType"`
	Number      int        `json:"DeviceNumber"`
	UniqueID    string     `json:"UniqueID"`
}

type DriverInfo struct {
	Name             string
	Info             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value interface{}
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}
