// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package adapter

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live association.
	ErrNotConnected = errors.New("adapter: not connected")
	// ErrAlreadyExists is returned when opening a stream whose id is in use.
	ErrAlreadyExists = errors.New("adapter: stream already exists")
	// ErrUnableToCreate is returned when the engine refuses a new stream.
	ErrUnableToCreate = errors.New("adapter: unable to create stream")
	// ErrInvalidID is returned for stream ids the adapter or engine does not know.
	ErrInvalidID = errors.New("adapter: invalid stream id")
	// ErrUnableToStop is returned when the engine refuses to shut a stream.
	ErrUnableToStop = errors.New("adapter: unable to stop stream")
	// ErrUnableToSend is returned when the engine refuses a write.
	ErrUnableToSend = errors.New("adapter: unable to send")
	// ErrAssociationExists is returned when a second peer tries to associate.
	ErrAssociationExists = errors.New("adapter: association already exists")
	// ErrAlreadyConnected is returned by Connect while an association is live.
	ErrAlreadyConnected = errors.New("adapter: already connected")
)
