// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import "errors"

var (
	// ErrAssociationLimit is returned when the endpoint cannot allocate another association.
	ErrAssociationLimit = errors.New("engine: association limit reached")
	// ErrStreamAlreadyExists is returned when opening a stream whose identifier is in use.
	ErrStreamAlreadyExists = errors.New("engine: stream already exists")
	// ErrStreamNotFound is returned when a stream identifier has no stream.
	ErrStreamNotFound = errors.New("engine: stream not found")
	// ErrStreamClosed is returned when the requested direction of a stream is already shut.
	ErrStreamClosed = errors.New("engine: stream closed")
	// ErrStreamLimit is returned when a stream identifier exceeds the negotiated stream count.
	ErrStreamLimit = errors.New("engine: stream identifier exceeds negotiated outbound streams")
	// ErrNotEstablished is returned for stream writes before the handshake completes.
	ErrNotEstablished = errors.New("engine: association not established")
	// ErrEmptyPayload is returned when writing a zero-length message.
	ErrEmptyPayload = errors.New("engine: empty payload")
	// ErrMessageTooLarge is returned when a message exceeds the configured maximum size.
	ErrMessageTooLarge = errors.New("engine: message exceeds max message size")
	// ErrShortBuffer is returned when a read buffer cannot hold the whole message.
	ErrShortBuffer = errors.New("engine: buffer too small for message")

	// ErrAborted is the loss reason when the peer sent ABORT.
	ErrAborted = errors.New("engine: association aborted by peer")
	// ErrHandshakeTimeout is the loss reason when INIT or COOKIE-ECHO was never answered.
	ErrHandshakeTimeout = errors.New("engine: handshake retransmission limit reached")
	// ErrRetransmissionLimit is the loss reason when DATA or RE-CONFIG was never acknowledged.
	ErrRetransmissionLimit = errors.New("engine: retransmission limit reached")
	// ErrCookieExpired is the loss reason when a server handshake never saw COOKIE-ECHO.
	ErrCookieExpired = errors.New("engine: state cookie expired")
	// ErrClosed is the loss reason after a local Close.
	ErrClosed = errors.New("engine: association closed")

	errPacketTooShort    = errors.New("engine: packet too short")
	errChecksumMismatch  = errors.New("engine: checksum mismatch")
	errNoChunks          = errors.New("engine: packet has no chunks")
	errChunkTooShort     = errors.New("engine: chunk too short")
	errChunkOverrun      = errors.New("engine: chunk overruns packet")
	errPaddingOverrun    = errors.New("engine: padding overruns packet")
	errNonZeroPadding    = errors.New("engine: non-zero padding")
	errParamTooShort     = errors.New("engine: parameter too short")
	errInitTagZero       = errors.New("engine: INIT with zero initiate tag")
	errInitNotAlone      = errors.New("engine: INIT bundled with other chunks")
	errUnexpectedZeroTag = errors.New("engine: zero verification tag without INIT")
	errMissingCookie     = errors.New("engine: INIT ACK without state cookie")
)
