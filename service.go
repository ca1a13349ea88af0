package ssdp

import (
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
)

// Version of this library, reported in the SERVER and USER-AGENT fields.
const Version = "1.0.0"

// ServiceTarget identifies the remote RPC service type this endpoint
// advertises and discovers. It appears verbatim in the ST, NT, and USN
// fields of every message exchanged with peers.
const ServiceTarget = "urn:schemas-pothosware-com:service:soapyRemote:1"

// searchTargetAll matches every service type in an M-SEARCH request.
const searchTargetAll = "ssdp:all"

// Notification sub-types carried in the NTS field.
const (
	ntsAlive  = "ssdp:alive"
	ntsByeBye = "ssdp:byebye"
)

// ServiceIdentity is the locally registered service instance: a unique
// identifier and the service port it is reachable on.
type ServiceIdentity struct {
	UUID    string
	Service string
}

// USN returns the Unique Service Name advertised for this instance.
func (s ServiceIdentity) USN() string {
	return "uuid:" + s.UUID + "::" + ServiceTarget
}

// Location returns the LOCATION field value advertised for this instance,
// built from the local host name and the registered service port.
func (s ServiceIdentity) Location() string {
	return NewURL("tcp", localHostName(), s.Service).String()
}

// GenerateUUID returns a fresh identifier suitable for RegisterService.
func GenerateUUID() string {
	return uuid.New().String()
}

func localHostName() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

// userAgent is the identity string sent in SERVER and USER-AGENT fields.
func userAgent() string {
	return fmt.Sprintf("%s/%s UPnP/1.1 elum-ssdp/%s", runtime.GOOS, runtime.Version(), Version)
}
