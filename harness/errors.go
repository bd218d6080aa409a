// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import "errors"

var (
	errNoCases            = errors.New("harness: no cases specified")
	errUnknownCase        = errors.New("harness: unknown scenario case")
	errInvalidRepeat      = errors.New("harness: repeat must be >= 1")
	errInvalidTimeout     = errors.New("harness: timeout must be a valid duration")
	errUnknownLink        = errors.New("harness: unknown link")
	errScenarioFailed     = errors.New("harness: scenario failed")
	errScenarioSchema     = errors.New("harness: unsupported scenario schema")
	errScenarioRequires   = errors.New("harness: scenario requires a different adapter version")
	errScenarioCaseName   = errors.New("harness: scenario case needs a name")
	errStalled            = errors.New("harness: no progress and no pending timer")
	errUnexpectedEvent    = errors.New("harness: unexpected event")
	errOutOfOrder         = errors.New("harness: message delivered out of order")
	errShortPayload       = errors.New("harness: payload too short")
	errAssociationLost    = errors.New("harness: association lost")
	errUnexpectedRejected = errors.New("harness: association rejected without an intruder")
)
