// Package ssdp implements a service discovery endpoint speaking a subset of
// the Simple Service Discovery Protocol over IPv4 and IPv6 multicast.
//
// The endpoint advertises a locally registered service instance, answers
// search requests for it, and keeps a time-bounded cache of remote instances
// of the same service type discovered on the local network. One handler runs
// per usable address family; their caches are merged on query with a
// configurable family preference.
package ssdp

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Endpoint coordinates the per-family handlers and carries the shared state
// they operate on: the registered service identity, the periodic behavior
// flags, and the single mutex guarding all of it.
type Endpoint struct {
	mu    sync.Mutex
	clock clock.Clock

	serviceRegistered bool
	service           ServiceIdentity

	periodicSearchEnabled bool
	periodicNotifyEnabled bool

	done     atomic.Bool
	handlers []*handler
	wg       sync.WaitGroup
}

var (
	instanceMu   sync.Mutex
	instance     *Endpoint
	instanceRefs int

	// blacklistedGroups holds multicast groups that failed to join. It
	// outlives the endpoint instance so re-creating the singleton does not
	// retry a known-bad group. Mutated only under instanceMu.
	blacklistedGroups = make(map[string]struct{})
)

// GetInstance returns the process-wide shared endpoint, creating it on
// first use. Every call must be paired with a Release; the endpoint shuts
// down when the last holder releases it.
func GetInstance() *Endpoint {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		instance = newEndpoint(clock.New())
	}
	instanceRefs++
	return instance
}

// Release drops one reference to the endpoint. The last release signals all
// handlers to stop, waits for them to send their departure notifications
// and exit, then closes the sockets. Shutdown is synchronous.
func (e *Endpoint) Release() {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if e != instance || instanceRefs == 0 {
		return
	}
	instanceRefs--
	if instanceRefs > 0 {
		return
	}
	instance = nil
	e.shutdown()
}

// newEndpoint starts one handler per usable address family. IPv6 is probed
// before its handler is spawned; a family whose socket setup fails is
// simply not served.
func newEndpoint(clk clock.Clock) *Endpoint {
	e := &Endpoint{clock: clk}
	e.spawnHandler(4)
	if isIPv6Supported() {
		e.spawnHandler(6)
	}
	return e
}

func (e *Endpoint) spawnHandler(ipVer int) {
	groupAddr := multicastAddrIPv4
	group := ipv4Addr
	join := joinUDP4Multicast
	if ipVer == 6 {
		groupAddr = multicastAddrIPv6
		group = ipv6Addr
		join = joinUDP6Multicast
	}

	if _, bad := blacklistedGroups[groupAddr]; bad {
		log.Debugf("ssdp: group %s blacklisted due to previous error", groupAddr)
		return
	}

	conn, err := join(nil)
	if err != nil {
		if errors.Is(err, errJoinGroup) {
			blacklistedGroups[groupAddr] = struct{}{}
			log.Warnf("ssdp: failed to join group %s: %v", groupAddr, err)
		} else {
			log.Errorf("ssdp: IPv%d socket setup failed: %v", ipVer, err)
		}
		return
	}

	h := &handler{
		ipVer:     ipVer,
		conn:      conn,
		group:     group,
		groupHost: net.JoinHostPort(groupAddr, strconv.Itoa(ssdpPort)),
		cache:     make(discoveryCache),
	}
	e.handlers = append(e.handlers, h)
	e.wg.Add(1)
	go e.handlerLoop(h)
}

func (e *Endpoint) shutdown() {
	e.done.Store(true)
	e.wg.Wait()
	for _, h := range e.handlers {
		h.conn.Close()
	}
}

// RegisterService sets the local service identity and enables
// advertisement. Intended to be called once by the owning application;
// the identity stays fixed for the endpoint's lifetime.
func (e *Endpoint) RegisterService(uuid, service string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serviceRegistered = true
	e.service = ServiceIdentity{UUID: uuid, Service: service}
}

// EnablePeriodicSearch toggles the periodic search trigger. Enabling fires
// an immediate search burst on every handler.
func (e *Endpoint) EnablePeriodicSearch(enable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.periodicSearchEnabled = enable
	if !enable {
		return
	}
	for _, h := range e.handlers {
		e.sendSearch(h)
	}
}

// EnablePeriodicNotify toggles the periodic notify trigger. Enabling fires
// an immediate alive notification on every handler if a service is
// registered.
func (e *Endpoint) EnablePeriodicNotify(enable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.periodicNotifyEnabled = enable
	if !enable {
		return
	}
	for _, h := range e.handlers {
		e.sendNotify(h, ntsAlive)
	}
}

// ServerURLs returns a snapshot of the discovered server URLs merged across
// both address families.
//
// The same service can be discovered under IPv4 and IPv6. When only is
// false, ipVer states the preferred family for entries present in both
// caches, and the other family fills the gaps. When only is true, entries
// from the non-matching family are skipped entirely.
func (e *Endpoint) ServerURLs(ipVer int, only bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	merged := make(map[string]string)
	for _, h := range e.handlers {
		ipVerMatch := h.ipVer == ipVer
		if only && !ipVerMatch {
			continue
		}
		for usn, entry := range h.cache {
			if !entry.deadline.After(now) {
				continue
			}
			if _, present := merged[usn]; present && !ipVerMatch {
				continue
			}
			merged[usn] = entry.url
		}
	}

	urls := make([]string, 0, len(merged))
	for _, url := range merged {
		urls = append(urls, url)
	}
	return urls
}
