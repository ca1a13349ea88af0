package ssdp

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	data []byte
	dst  net.Addr
}

// fakeConn is an in-memory packetConn. Reads always time out after a short
// delay; writes are recorded for inspection.
type fakeConn struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	time.Sleep(time.Millisecond)
	return 0, nil, timeoutError{}
}

func (c *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, len(b))
	copy(data, b)
	c.sent = append(c.sent, sentPacket{data: data, dst: dst})
	return len(b), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) packets() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentPacket, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// failConn reports a non-timeout receive error, which is fatal to a
// handler loop.
type failConn struct {
	fakeConn
}

func (c *failConn) ReadFrom(b []byte) (int, net.Addr, error) {
	return 0, nil, errors.New("receive failed")
}

// newTestEndpoint builds an endpoint with a single IPv4 handler backed by a
// fake connection, without spawning any loop goroutine.
func newTestEndpoint(clk clock.Clock) (*Endpoint, *handler, *fakeConn) {
	e := &Endpoint{clock: clk}
	fc := &fakeConn{}
	h := &handler{
		ipVer:     4,
		conn:      fc,
		group:     ipv4Addr,
		groupHost: "239.255.255.250:1900",
		cache:     make(discoveryCache),
	}
	e.handlers = append(e.handlers, h)
	return e, h, fc
}

func deliver(e *Endpoint, h *handler, msg string, src net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleDatagram(h, []byte(msg), src)
}

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}

func mustParse(t *testing.T, data []byte) *Header {
	t.Helper()
	header, err := ParseHeader(data)
	require.NoError(t, err)
	return header
}

func TestHandleSearchRequest(t *testing.T) {
	e, h, fc := newTestEndpoint(clock.NewMock())
	e.RegisterService("abc", "1234")

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 41000}

	for _, st := range []string{searchTargetAll, ServiceTarget, "uuid:abc"} {
		t.Run(st, func(t *testing.T) {
			fc.reset()
			deliver(e, h, crlf(
				"M-SEARCH * HTTP/1.1",
				"HOST: 239.255.255.250:1900",
				`MAN: "ssdp:discover"`,
				"MX: 2",
				"ST: "+st,
			), src)

			packets := fc.packets()
			require.Len(t, packets, 2)

			// Unicast response back to the requester.
			resp := mustParse(t, packets[0].data)
			assert.Equal(t, src, packets[0].dst)
			assert.Equal(t, searchResponseLine, resp.Line0())
			assert.Equal(t, ServiceTarget, resp.Field("ST"))
			assert.Equal(t, "uuid:abc::"+ServiceTarget, resp.Field("USN"))
			assert.Equal(t, "max-age=120", resp.Field("CACHE-CONTROL"))
			assert.Equal(t, "1234", ParseURL(resp.Field("LOCATION")).Service)
			assert.NotEmpty(t, resp.Field("DATE"))
			assert.Contains(t, string(packets[0].data), "EXT:\r\n")

			// Multicast alive follow-up for listeners sharing the port.
			notify := mustParse(t, packets[1].data)
			assert.Equal(t, h.group, packets[1].dst)
			assert.Equal(t, notifyRequestLine, notify.Line0())
			assert.Equal(t, ntsAlive, notify.Field("NTS"))
			assert.Equal(t, "uuid:abc::"+ServiceTarget, notify.Field("USN"))
			assert.Equal(t, ServiceTarget, notify.Field("NT"))
		})
	}
}

func TestHandleSearchRequestIgnored(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 41000}

	t.Run("NoServiceRegistered", func(t *testing.T) {
		e, h, fc := newTestEndpoint(clock.NewMock())
		deliver(e, h, crlf(
			"M-SEARCH * HTTP/1.1",
			`MAN: "ssdp:discover"`,
			"ST: ssdp:all",
		), src)
		assert.Empty(t, fc.packets())
	})

	t.Run("MissingMAN", func(t *testing.T) {
		e, h, fc := newTestEndpoint(clock.NewMock())
		e.RegisterService("abc", "1234")
		deliver(e, h, crlf(
			"M-SEARCH * HTTP/1.1",
			"ST: ssdp:all",
		), src)
		assert.Empty(t, fc.packets())
	})

	t.Run("UnquotedMAN", func(t *testing.T) {
		e, h, fc := newTestEndpoint(clock.NewMock())
		e.RegisterService("abc", "1234")
		deliver(e, h, crlf(
			"M-SEARCH * HTTP/1.1",
			"MAN: ssdp:discover",
			"ST: ssdp:all",
		), src)
		assert.Empty(t, fc.packets())
	})

	t.Run("ForeignTarget", func(t *testing.T) {
		e, h, fc := newTestEndpoint(clock.NewMock())
		e.RegisterService("abc", "1234")
		deliver(e, h, crlf(
			"M-SEARCH * HTTP/1.1",
			`MAN: "ssdp:discover"`,
			"ST: urn:schemas-upnp-org:device:MediaRenderer:1",
		), src)
		assert.Empty(t, fc.packets())
	})

	t.Run("OtherUUID", func(t *testing.T) {
		e, h, fc := newTestEndpoint(clock.NewMock())
		e.RegisterService("abc", "1234")
		deliver(e, h, crlf(
			"M-SEARCH * HTTP/1.1",
			`MAN: "ssdp:discover"`,
			"ST: uuid:somebody-else",
		), src)
		assert.Empty(t, fc.packets())
	})
}

func TestRegisterFromSearchResponse(t *testing.T) {
	e, h, _ := newTestEndpoint(clock.NewMock())
	src := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1900}

	t.Run("SenderHostWins", func(t *testing.T) {
		// LOCATION points at a different host; only its port is trusted.
		deliver(e, h, crlf(
			"HTTP/1.1 200 OK",
			"CACHE-CONTROL: max-age=120",
			"ST: "+ServiceTarget,
			"USN: uuid:xyz::"+ServiceTarget,
			"LOCATION: tcp://192.168.9.9:5555",
		), src)

		entry, ok := h.cache["uuid:xyz::"+ServiceTarget]
		require.True(t, ok)
		assert.Equal(t, "tcp://10.1.2.3:5555", entry.url)
	})

	t.Run("ForeignST", func(t *testing.T) {
		deliver(e, h, crlf(
			"HTTP/1.1 200 OK",
			"ST: urn:schemas-upnp-org:device:MediaServer:1",
			"USN: uuid:other::thing",
			"LOCATION: tcp://192.168.9.9:5555",
		), src)
		_, ok := h.cache["uuid:other::thing"]
		assert.False(t, ok)
	})

	t.Run("MissingUSN", func(t *testing.T) {
		before := len(h.cache)
		deliver(e, h, crlf(
			"HTTP/1.1 200 OK",
			"ST: "+ServiceTarget,
			"LOCATION: tcp://192.168.9.9:5555",
		), src)
		assert.Len(t, h.cache, before)
	})

	t.Run("MissingLocation", func(t *testing.T) {
		deliver(e, h, crlf(
			"HTTP/1.1 200 OK",
			"ST: "+ServiceTarget,
			"USN: uuid:nowhere::"+ServiceTarget,
		), src)
		_, ok := h.cache["uuid:nowhere::"+ServiceTarget]
		assert.False(t, ok)
	})

	t.Run("ReplaceSameUSN", func(t *testing.T) {
		deliver(e, h, crlf(
			"HTTP/1.1 200 OK",
			"ST: "+ServiceTarget,
			"USN: uuid:xyz::"+ServiceTarget,
			"LOCATION: tcp://192.168.9.9:7777",
		), src)

		entry, ok := h.cache["uuid:xyz::"+ServiceTarget]
		require.True(t, ok)
		assert.Equal(t, "tcp://10.1.2.3:7777", entry.url)
		assert.Len(t, h.cache, 1)
	})
}

func TestNotifyRegistersAndByeByeRemoves(t *testing.T) {
	e, h, _ := newTestEndpoint(clock.NewMock())
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1900}
	usn := "uuid:peer::" + ServiceTarget

	deliver(e, h, crlf(
		"NOTIFY * HTTP/1.1",
		"HOST: 239.255.255.250:1900",
		"CACHE-CONTROL: max-age=120",
		"LOCATION: tcp://10.0.0.9:2020",
		"NT: "+ServiceTarget,
		"NTS: ssdp:alive",
		"USN: "+usn,
	), src)

	entry, ok := h.cache[usn]
	require.True(t, ok)
	assert.Equal(t, "tcp://10.0.0.9:2020", entry.url)

	// byebye needs no LOCATION.
	deliver(e, h, crlf(
		"NOTIFY * HTTP/1.1",
		"HOST: 239.255.255.250:1900",
		"NT: "+ServiceTarget,
		"NTS: ssdp:byebye",
		"USN: "+usn,
	), src)

	_, ok = h.cache[usn]
	assert.False(t, ok)

	// A byebye for an unknown USN is harmless.
	deliver(e, h, crlf(
		"NOTIFY * HTTP/1.1",
		"NT: "+ServiceTarget,
		"NTS: ssdp:byebye",
		"USN: uuid:never-seen::"+ServiceTarget,
	), src)
	assert.Empty(t, h.cache)
}

func TestCacheExpiry(t *testing.T) {
	mock := clock.NewMock()
	e, h, _ := newTestEndpoint(mock)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1900}

	deliver(e, h, crlf(
		"HTTP/1.1 200 OK",
		"CACHE-CONTROL: max-age=0",
		"ST: "+ServiceTarget,
		"USN: uuid:gone::"+ServiceTarget,
		"LOCATION: tcp://10.0.0.9:1000",
	), src)
	deliver(e, h, crlf(
		"HTTP/1.1 200 OK",
		"CACHE-CONTROL: max-age=300",
		"ST: "+ServiceTarget,
		"USN: uuid:stays::"+ServiceTarget,
		"LOCATION: tcp://10.0.0.9:2000",
	), src)

	e.mu.Lock()
	e.housekeeping(h)
	e.mu.Unlock()

	_, gone := h.cache["uuid:gone::"+ServiceTarget]
	_, stays := h.cache["uuid:stays::"+ServiceTarget]
	assert.False(t, gone)
	assert.True(t, stays)

	mock.Add(301 * time.Second)
	e.mu.Lock()
	e.housekeeping(h)
	e.mu.Unlock()

	_, stays = h.cache["uuid:stays::"+ServiceTarget]
	assert.False(t, stays)
}

func TestPeriodicTriggers(t *testing.T) {
	mock := clock.NewMock()
	e, h, fc := newTestEndpoint(mock)
	e.RegisterService("abc", "1234")

	countLine0 := func(line0 string) int {
		n := 0
		for _, p := range fc.packets() {
			if mustParse(t, p.data).Line0() == line0 {
				n++
			}
		}
		return n
	}

	e.EnablePeriodicSearch(true)
	e.EnablePeriodicNotify(true)
	assert.Equal(t, 1, countLine0(searchRequestLine))
	assert.Equal(t, 1, countLine0(notifyRequestLine))

	// Within the interval nothing new fires.
	e.mu.Lock()
	e.housekeeping(h)
	e.mu.Unlock()
	assert.Equal(t, 1, countLine0(searchRequestLine))
	assert.Equal(t, 1, countLine0(notifyRequestLine))

	mock.Add(triggerInterval)
	e.mu.Lock()
	e.housekeeping(h)
	e.mu.Unlock()
	assert.Equal(t, 2, countLine0(searchRequestLine))
	assert.Equal(t, 2, countLine0(notifyRequestLine))

	// Disabled triggers stay quiet even after the interval.
	e.EnablePeriodicSearch(false)
	e.EnablePeriodicNotify(false)
	mock.Add(triggerInterval)
	e.mu.Lock()
	e.housekeeping(h)
	e.mu.Unlock()
	assert.Equal(t, 2, countLine0(searchRequestLine))
	assert.Equal(t, 2, countLine0(notifyRequestLine))
}

func TestShutdownSendsByeBye(t *testing.T) {
	e, h, fc := newTestEndpoint(clock.New())
	e.RegisterService("abc", "1234")

	e.wg.Add(1)
	go e.handlerLoop(h)

	time.Sleep(10 * time.Millisecond)
	e.done.Store(true)
	e.wg.Wait()

	var byebyes int
	for _, p := range fc.packets() {
		header := mustParse(t, p.data)
		if header.Line0() == notifyRequestLine && header.Field("NTS") == ntsByeBye {
			byebyes++
			assert.Equal(t, h.group, p.dst)
			assert.Equal(t, "uuid:abc::"+ServiceTarget, header.Field("USN"))
		}
	}
	assert.Equal(t, 1, byebyes)
}

func TestReceiveFailureStopsLoop(t *testing.T) {
	e := &Endpoint{clock: clock.New()}
	fc := &failConn{}
	h := &handler{
		ipVer:     4,
		conn:      fc,
		group:     ipv4Addr,
		groupHost: "239.255.255.250:1900",
		cache:     make(discoveryCache),
	}
	e.handlers = append(e.handlers, h)
	e.RegisterService("abc", "1234")

	e.wg.Add(1)
	go e.handlerLoop(h)
	e.wg.Wait()

	// The loop died without a departure notification.
	assert.Empty(t, fc.packets())
}
