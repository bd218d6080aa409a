// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package adapter

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion/sctpadapter/engine"
)

// Version is the adapter release, checked by harness scenario files.
const Version = "0.3.0"

// Config configures an Adapter. The zero value is usable.
type Config struct {
	LoggerFactory logging.LoggerFactory
	// Clock supplies the instants handed to the engine. Defaults to time.Now.
	Clock    func() time.Time
	Endpoint engine.EndpointConfig
	Client   engine.ClientConfig
	Server   engine.ServerConfig
}

func (c Config) withDefaults() Config {
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Endpoint.LoggerFactory == nil {
		c.Endpoint.LoggerFactory = c.LoggerFactory
	}

	return c
}
