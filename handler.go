package ssdp

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// triggerInterval is the period between self-triggered search and
	// notify bursts, measured independently per handler.
	triggerInterval = 60 * time.Second

	// recvTimeout bounds each receive wait so the loop observes the
	// shutdown flag with low latency.
	recvTimeout = 100 * time.Millisecond

	// maxDatagramSize is the receive buffer size for SSDP datagrams.
	maxDatagramSize = 8192
)

// handler owns one multicast socket bound to one address family and runs
// the receive loop for it. At most two exist per endpoint, one for IPv4
// and one for IPv6, each with its own discovery cache.
type handler struct {
	ipVer     int
	conn      packetConn
	group     *net.UDPAddr
	groupHost string // host:port form for the HOST field

	lastSearch time.Time
	lastNotify time.Time

	cache discoveryCache
}

// handlerLoop receives inbound SSDP traffic and performs the per-iteration
// housekeeping until the endpoint shuts down. A receive failure other than
// a timeout is terminal for this handler; that address family simply goes
// dark. On ordinary shutdown a byebye notification is sent if a service
// is registered.
func (e *Endpoint) handlerLoop(h *handler) {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for !e.done.Load() {
		_ = h.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, src, err := h.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				if e.done.Load() {
					break
				}
				log.Errorf("ssdp: IPv%d receive failed: %v", h.ipVer, err)
				return
			}
		} else {
			e.mu.Lock()
			e.handleDatagram(h, buf[:n], src)
			e.mu.Unlock()
		}

		e.mu.Lock()
		e.housekeeping(h)
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.sendNotify(h, ntsByeBye)
	e.mu.Unlock()
}

// handleDatagram dispatches one received datagram by its start line.
// Unrelated SSDP traffic and malformed datagrams are ignored.
func (e *Endpoint) handleDatagram(h *handler, data []byte, src net.Addr) {
	header, err := ParseHeader(data)
	if err != nil {
		return
	}
	switch header.Line0() {
	case searchRequestLine:
		e.handleSearchRequest(h, header, src)
	case searchResponseLine:
		e.handleSearchResponse(h, header, src)
	case notifyRequestLine:
		e.handleNotifyRequest(h, header, src)
	}
}

// housekeeping sweeps expired cache entries and fires the periodic search
// and notify triggers when their interval has elapsed.
func (e *Endpoint) housekeeping(h *handler) {
	now := e.clock.Now()

	h.cache.sweep(now)

	if e.periodicSearchEnabled && now.Sub(h.lastSearch) >= triggerInterval {
		e.sendSearch(h)
	}
	if e.periodicNotifyEnabled && now.Sub(h.lastNotify) >= triggerInterval {
		e.sendNotify(h, ntsAlive)
	}
}

// handleSearchRequest answers an M-SEARCH aimed at this service with a
// unicast response to the requester.
//
// The unicast response may not be received when the destination host has
// multiple SSDP clients sharing one socket, because only one of them gets
// the datagram. A multicast alive notification follows so the remaining
// clients, and other hosts, see the service as well.
func (e *Endpoint) handleSearchRequest(h *handler, req *Header, src net.Addr) {
	if !e.serviceRegistered {
		return
	}

	if req.Field("MAN") != `"ssdp:discover"` {
		return
	}
	st := req.Field("ST")
	if st != searchTargetAll && st != ServiceTarget && st != "uuid:"+e.service.UUID {
		return
	}

	resp := NewHeader(searchResponseLine)
	resp.AddField("CACHE-CONTROL", fmt.Sprintf("max-age=%d", int(defaultCacheDuration/time.Second)))
	resp.AddField("DATE", time.Now().UTC().Format(time.RFC1123))
	resp.AddField("EXT", "")
	resp.AddField("LOCATION", e.service.Location())
	resp.AddField("SERVER", userAgent())
	resp.AddField("ST", ServiceTarget)
	resp.AddField("USN", e.service.USN())
	e.sendHeader(h, resp, src)

	e.sendNotify(h, ntsAlive)
}

// handleSearchResponse registers a server that answered one of our searches.
func (e *Endpoint) handleSearchResponse(h *handler, header *Header, src net.Addr) {
	if header.Field("ST") != ServiceTarget {
		return
	}
	e.registerServiceEntry(h, header, src)
}

// handleNotifyRequest registers a server that announced itself.
func (e *Endpoint) handleNotifyRequest(h *handler, header *Header, src net.Addr) {
	if header.Field("NT") != ServiceTarget {
		return
	}
	e.registerServiceEntry(h, header, src)
}

// registerServiceEntry updates the handler's discovery cache from an
// accepted search response or notification.
func (e *Endpoint) registerServiceEntry(h *handler, header *Header, src net.Addr) {
	usn := header.Field("USN")
	if usn == "" {
		return
	}

	if header.Field("NTS") == ntsByeBye {
		h.cache.remove(usn)
		return
	}

	location := header.Field("LOCATION")
	if location == "" {
		return
	}

	// The host part comes from the datagram's source address, not from
	// LOCATION, whose host is easily spoofed. Only its port is used.
	serverURL := NewURL("tcp", ParseURL(src.String()).Host, ParseURL(location).Service).String()
	log.Debugf("ssdp: discovered %s (USN %s)", serverURL, usn)

	deadline := e.clock.Now().Add(parseCacheDuration(header.Field("CACHE-CONTROL")))
	h.cache.register(usn, serverURL, deadline)
}

// sendSearch multicasts an M-SEARCH for the service type and updates the
// handler's last-search timestamp.
func (e *Endpoint) sendSearch(h *handler) {
	header := NewHeader(searchRequestLine)
	header.AddField("HOST", h.groupHost)
	header.AddField("MAN", `"ssdp:discover"`)
	header.AddField("MX", "2")
	header.AddField("ST", ServiceTarget)
	header.AddField("USER-AGENT", userAgent())
	e.sendHeader(h, header, h.group)
	h.lastSearch = e.clock.Now()
}

// sendNotify multicasts a NOTIFY with the given notification sub-type and
// updates the handler's last-notify timestamp. No-op when no service is
// registered.
func (e *Endpoint) sendNotify(h *handler, nts string) {
	if !e.serviceRegistered {
		return
	}

	header := NewHeader(notifyRequestLine)
	header.AddField("HOST", h.groupHost)
	if nts == ntsAlive {
		header.AddField("CACHE-CONTROL", fmt.Sprintf("max-age=%d", int(defaultCacheDuration/time.Second)))
		header.AddField("LOCATION", e.service.Location())
	}
	header.AddField("SERVER", userAgent())
	header.AddField("NT", ServiceTarget)
	header.AddField("USN", e.service.USN())
	header.AddField("NTS", nts)
	e.sendHeader(h, header, h.group)
	h.lastNotify = e.clock.Now()
}

// sendHeader transmits one envelope and verifies the byte count. Send
// failures are logged and tolerated; discovery is best-effort and the next
// periodic trigger retries.
func (e *Endpoint) sendHeader(h *handler, header *Header, dst net.Addr) {
	data := header.Bytes()
	n, err := h.conn.WriteTo(data, dst)
	if err != nil {
		log.Warnf("ssdp: send to %s failed: %v", dst, err)
		return
	}
	if n != len(data) {
		log.Warnf("ssdp: short send to %s: %d of %d bytes", dst, n, len(data))
	}
}
