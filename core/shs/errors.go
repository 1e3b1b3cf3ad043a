// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package shs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadHandshake is matched by every handshake failure.
var ErrBadHandshake = errors.New("shs: bad handshake")

// HandshakeState names the step at which a handshake failed.
type HandshakeState string

const (
	HandshakeStateInit           HandshakeState = "initialization"
	HandshakeStateMsg1Send       HandshakeState = "message_1_send"
	HandshakeStateMsg1Receive    HandshakeState = "message_1_receive"
	HandshakeStateMsg2Send       HandshakeState = "message_2_send"
	HandshakeStateMsg2Receive    HandshakeState = "message_2_receive"
	HandshakeStateMsg3Send       HandshakeState = "message_3_send"
	HandshakeStateMsg3Receive    HandshakeState = "message_3_receive"
	HandshakeStateMsg4Send       HandshakeState = "message_4_send"
	HandshakeStateMsg4Receive    HandshakeState = "message_4_receive"
	HandshakeStateAuthentication HandshakeState = "peer_authentication"
)

// HandshakeError describes a failed handshake.
type HandshakeError struct {
	State           HandshakeState
	Message         string
	UnderlyingError error
	IsInitiator     bool
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "shs: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}
	return b.String()
}

// Is reports every HandshakeError as ErrBadHandshake.
func (e *HandshakeError) Is(target error) bool {
	return target == ErrBadHandshake
}

// Unwrap returns the underlying I/O or crypto error, if any.
func (e *HandshakeError) Unwrap() error {
	return e.UnderlyingError
}
