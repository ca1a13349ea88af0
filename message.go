// Package ssdp message envelope handling. SSDP messages are HTTP-style
// headers carried in single UDP datagrams: a request or status line followed
// by colon-separated fields and a terminating blank line, all CRLF framed.
package ssdp

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
)

// Start lines of the three message kinds the endpoint understands. Datagrams
// with any other start line are unrelated SSDP traffic and are ignored.
const (
	searchRequestLine  = "M-SEARCH * HTTP/1.1"
	searchResponseLine = "HTTP/1.1 200 OK"
	notifyRequestLine  = "NOTIFY * HTTP/1.1"
)

type headerField struct {
	key   string
	value string
}

// Header is a parsed or under-construction SSDP message envelope.
//
// Fields added with AddField keep their insertion order and exact key
// spelling when rendered, while lookups through Field are case-insensitive.
type Header struct {
	line0  string
	added  []headerField
	fields textproto.MIMEHeader
}

// NewHeader starts a new envelope with the given request or status line.
func NewHeader(line0 string) *Header {
	return &Header{
		line0:  line0,
		fields: make(textproto.MIMEHeader),
	}
}

// AddField appends a field to the envelope.
func (h *Header) AddField(key, value string) {
	h.added = append(h.added, headerField{key: key, value: value})
	h.fields.Add(key, value)
}

// Field returns the value of the named field, or "" when absent.
// The lookup is case-insensitive.
func (h *Header) Field(key string) string {
	return h.fields.Get(key)
}

// Line0 returns the request or status line of the envelope.
func (h *Header) Line0() string {
	return h.line0
}

// Bytes renders the envelope ready to send: start line, fields in insertion
// order, and the terminating blank line, all CRLF separated. Fields with an
// empty value render as a bare "KEY:" line, which is how SSDP writes EXT.
func (h *Header) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString(h.line0)
	b.WriteString("\r\n")
	for _, f := range h.added {
		b.WriteString(f.key)
		b.WriteByte(':')
		if f.value != "" {
			b.WriteByte(' ')
			b.WriteString(f.value)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// ParseHeader decodes a received datagram into an envelope. A datagram that
// ends without the terminating blank line is still accepted with the fields
// read so far; anything else malformed returns an error.
func ParseHeader(data []byte) (*Header, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))

	line0, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	fields, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	if fields == nil {
		fields = make(textproto.MIMEHeader)
	}

	return &Header{line0: line0, fields: fields}, nil
}
