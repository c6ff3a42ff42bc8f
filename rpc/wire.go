// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// maxJSONSize bounds the JSON section of a frame. The JSON part is
	// metadata plus small payloads; file content travels in the binary
	// section.
	maxJSONSize = 16 << 20

	// maxBinarySize bounds the binary section of a frame. File transfer is
	// chunked at 1 MiB so anything near this bound is a protocol error.
	maxBinarySize = 64 << 20

	// idLength is the length of message identifiers.
	idLength = 16
)

// Message is one frame of the wire protocol. On the wire it is encoded as a
// 4 byte big-endian length of the JSON section, the JSON object itself, an
// optional binary section of exactly BinaryLen bytes, and a trailing "\r\n".
//
// A request carries Method and Data; a response carries Data and optionally
// Error, echoing the request's ID. When a binary section is present its
// length is declared in the __binary field so that payload bytes can never
// forge the terminator.
type Message struct {
	ID        string          `json:"__id"`
	Method    string          `json:"__method,omitempty"`
	Data      json.RawMessage `json:"__data,omitempty"`
	Error     string          `json:"__error,omitempty"`
	BinaryLen int             `json:"__binary,omitempty"`

	// Binary is the raw binary section; it is not part of the JSON object.
	Binary []byte `json:"-"`
}

// IsRequest reports whether the frame is a request.
func (m *Message) IsRequest() bool { return m.Method != "" }

var nullData = json.RawMessage("null")

// EncodeFrame renders a message into its wire form.
func EncodeFrame(m *Message) ([]byte, error) {
	m.BinaryLen = len(m.Binary)
	if m.BinaryLen > maxBinarySize {
		return nil, fmt.Errorf("binary section of %d bytes exceeds limit", m.BinaryLen)
	}
	if m.Data == nil {
		// Responses always carry __data, null when the method returned
		// nothing.
		m.Data = nullData
	}
	js, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	if len(js) > maxJSONSize {
		return nil, fmt.Errorf("JSON section of %d bytes exceeds limit", len(js))
	}

	buf := make([]byte, 0, 4+len(js)+len(m.Binary)+2)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(js)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, js...)
	buf = append(buf, m.Binary...)
	buf = append(buf, '\r', '\n')
	return buf, nil
}

// ReadFrame decodes the next frame from the stream. On a malformed frame it
// skips ahead to the next terminator and returns ErrMalformedFrame so the
// caller can keep the connection; io errors are returned as-is and are
// fatal to the connection.
func ReadFrame(br *bufio.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxJSONSize {
		if err := resync(br); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: JSON section of %d bytes exceeds limit", ErrMalformedFrame, length)
	}

	js := make([]byte, length)
	if _, err := io.ReadFull(br, js); err != nil {
		return nil, err
	}

	m := &Message{}
	if err := json.Unmarshal(js, m); err != nil {
		if rerr := resync(br); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.ID == "" {
		if rerr := resync(br); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: missing __id", ErrMalformedFrame)
	}

	if m.BinaryLen > 0 {
		if m.BinaryLen > maxBinarySize {
			if err := resync(br); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: binary section of %d bytes exceeds limit", ErrMalformedFrame, m.BinaryLen)
		}
		m.Binary = make([]byte, m.BinaryLen)
		if _, err := io.ReadFull(br, m.Binary); err != nil {
			return nil, err
		}
	}

	var term [2]byte
	if _, err := io.ReadFull(br, term[:]); err != nil {
		return nil, err
	}
	if term[0] != '\r' || term[1] != '\n' {
		if err := resync(br); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
	}
	return m, nil
}

// resync discards stream bytes up to and including the next "\r\n" so that
// one malformed frame does not poison the connection.
func resync(br *bufio.Reader) error {
	for {
		chunk, err := br.ReadBytes('\n')
		if err != nil {
			return err
		}
		if len(chunk) >= 2 && chunk[len(chunk)-2] == '\r' {
			return nil
		}
	}
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewMessageID returns a fresh 16 character alphanumeric identifier. The
// format is part of the wire contract, which is why this does not reuse a
// UUID generator.
func NewMessageID() string {
	var raw [idLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	id := make([]byte, idLength)
	for i, b := range raw {
		id[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(id)
}
