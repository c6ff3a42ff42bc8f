// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdown is returned by calls attempted after the service began
	// shutting down.
	ErrShutdown = errors.New("service is shutting down")

	// ErrNotConnected is returned by calls attempted while the transport
	// to the remote coordinate is down. Callers treat it like any other
	// transport failure; the connection is redialed in the background.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected fails every call that was in flight when its
	// connection was lost. A reply may still be computed remotely but it
	// will never be delivered.
	ErrDisconnected = errors.New("connection lost before reply")

	// ErrMalformedFrame is returned by the decoder when a frame cannot be
	// parsed; the stream has been resynchronized to the next terminator.
	ErrMalformedFrame = errors.New("malformed frame")
)

// RemoteError is a failure reported by the remote side in the __error field
// of a response. It is terminal: the request was delivered and rejected, so
// retrying verbatim is pointless unless the remote state changes.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.Method, e.Msg)
}

// IsRemoteError reports whether err is a RemoteError and returns it.
func IsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
