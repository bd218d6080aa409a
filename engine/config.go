// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package engine

import (
	"math/rand/v2"
	"time"

	"github.com/pion/logging"
)

const (
	defaultMaxAssociations      = 1024
	defaultPort                 = 5000
	defaultMTU                  = 1228
	defaultMaxReceiveBufferSize = 128 * 1024
	defaultMaxMessageSize       = 64 * 1024
	defaultNumStreams           = 1024
	defaultRTOInitial           = 3 * time.Second
	defaultRTOMin               = time.Second
	defaultRTOMax               = 60 * time.Second
	defaultMaxInitRetransmits   = 8
	defaultMaxPathRetransmits   = 10
	defaultCookieLifetime       = 60 * time.Second
)

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// MaxAssociations caps live associations. Zero selects the default; a
	// negative value refuses every association.
	MaxAssociations int
	// Port is used as the SCTP source port for packets the endpoint builds.
	Port uint16
	// Rand supplies verification tags, initial TSNs and cookies. Nil uses
	// the runtime's random source.
	Rand          *rand.Rand
	LoggerFactory logging.LoggerFactory
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.MaxAssociations == 0 {
		c.MaxAssociations = defaultMaxAssociations
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return c
}

// TransportConfig holds the per-association protocol knobs.
type TransportConfig struct {
	MTU                  uint32
	MaxReceiveBufferSize uint32
	MaxMessageSize       uint32
	// NumStreams is advertised as both the outbound and inbound stream count.
	NumStreams         uint16
	RTOInitial         time.Duration
	RTOMin             time.Duration
	RTOMax             time.Duration
	MaxInitRetransmits int
	MaxPathRetransmits int
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.MTU == 0 {
		c.MTU = defaultMTU
	}
	if c.MaxReceiveBufferSize == 0 {
		c.MaxReceiveBufferSize = defaultMaxReceiveBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.NumStreams == 0 {
		c.NumStreams = defaultNumStreams
	}
	if c.RTOInitial == 0 {
		c.RTOInitial = defaultRTOInitial
	}
	if c.RTOMin == 0 {
		c.RTOMin = defaultRTOMin
	}
	if c.RTOMax == 0 {
		c.RTOMax = defaultRTOMax
	}
	if c.MaxInitRetransmits == 0 {
		c.MaxInitRetransmits = defaultMaxInitRetransmits
	}
	if c.MaxPathRetransmits == 0 {
		c.MaxPathRetransmits = defaultMaxPathRetransmits
	}

	return c
}

// ClientConfig configures an outbound association.
type ClientConfig struct {
	// DestinationPort is the peer's SCTP port. Zero uses the endpoint port.
	DestinationPort uint16
	Transport       TransportConfig
}

// ServerConfig enables inbound associations.
type ServerConfig struct {
	Transport TransportConfig
	// CookieLifetime bounds the wait between INIT ACK and COOKIE ECHO.
	CookieLifetime time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	c.Transport = c.Transport.withDefaults()
	if c.CookieLifetime == 0 {
		c.CookieLifetime = defaultCookieLifetime
	}

	return c
}
