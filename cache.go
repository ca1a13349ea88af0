package ssdp

import (
	"strconv"
	"strings"
	"time"
)

// defaultCacheDuration is how long a discovered entry stays valid when the
// peer's message carries no usable max-age.
const defaultCacheDuration = 120 * time.Second

type cacheEntry struct {
	url      string
	deadline time.Time
}

// discoveryCache maps Unique Service Names to discovered server URLs with
// their expiration deadlines. Each handler owns one cache; all access goes
// through the endpoint mutex.
type discoveryCache map[string]cacheEntry

// register inserts or replaces the entry for usn.
func (c discoveryCache) register(usn, url string, deadline time.Time) {
	c[usn] = cacheEntry{url: url, deadline: deadline}
}

// remove drops the entry for usn if present.
func (c discoveryCache) remove(usn string) {
	delete(c, usn)
}

// sweep drops every entry whose deadline has passed.
func (c discoveryCache) sweep(now time.Time) {
	for usn, entry := range c {
		if !entry.deadline.After(now) {
			delete(c, usn)
		}
	}
}

// parseCacheDuration extracts the max-age value from a CACHE-CONTROL field.
// A missing field, a field without "max-age", or an unparseable value all
// fall back to the default duration; whitespace around "=" is tolerated.
func parseCacheDuration(cacheControl string) time.Duration {
	if cacheControl == "" {
		return defaultCacheDuration
	}

	maxAgePos := strings.Index(cacheControl, "max-age")
	equalsPos := strings.Index(cacheControl, "=")
	if maxAgePos < 0 || equalsPos < 0 || maxAgePos > equalsPos {
		return defaultCacheDuration
	}

	value := strings.TrimSpace(cacheControl[equalsPos+1:])
	end := 0
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == 0 {
		return defaultCacheDuration
	}

	secs, err := strconv.Atoi(value[:end])
	if err != nil {
		return defaultCacheDuration
	}
	return time.Duration(secs) * time.Second
}
