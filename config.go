// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2rpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bufbuild/h2rpc/picker"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type rawServerConfig struct {
	Address              string `yaml:"address"`
	ConcurrencyLimit     int    `yaml:"concurrency_limit"`
	MaxQueuedStreams     int    `yaml:"max_queued_streams"`
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
	Backlog              int    `yaml:"backlog"`
	ReuseAddress         *bool  `yaml:"reuse_address"`
	TCPNoDelay           *bool  `yaml:"tcp_nodelay"`
	TCPKeepAlive         string `yaml:"tcp_keepalive"`
	HandshakeTimeout     string `yaml:"handshake_timeout"`
	ShutdownGracePeriod  string `yaml:"shutdown_grace_period"`
}

type rawChannelConfig struct {
	Endpoints         []string `yaml:"endpoints"`
	Picker            string   `yaml:"picker"`
	ConcurrencyLimit  int      `yaml:"concurrency_limit"`
	RateLimit         float64  `yaml:"rate_limit"`
	RateBurst         int      `yaml:"rate_burst"`
	ConnectTimeout    string   `yaml:"connect_timeout"`
	RequestTimeout    string   `yaml:"request_timeout"`
	KeepAliveInterval string   `yaml:"keepalive_interval"`
	KeepAliveTimeout  string   `yaml:"keepalive_timeout"`
	TCPNoDelay        *bool    `yaml:"tcp_nodelay"`
	TCPKeepAlive      string   `yaml:"tcp_keepalive"`
}

// ServerConfig is the declarative form of a server's settings. TLS is
// not part of it; pass WithServerTLS alongside Options.
type ServerConfig struct {
	Address              string
	ConcurrencyLimit     int
	MaxQueuedStreams     int
	MaxConcurrentStreams uint32
	Backlog              int
	ReuseAddress         bool
	TCPNoDelay           bool
	TCPKeepAlive         time.Duration
	HandshakeTimeout     time.Duration
	ShutdownGracePeriod  time.Duration
}

// ParseServerConfig decodes a YAML document such as:
//
//	address: ":8443"
//	concurrency_limit: 64
//	max_queued_streams: 256
//	tcp_keepalive: 30s
//	shutdown_grace_period: 10s
//
// Unknown keys are rejected.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	var raw rawServerConfig
	if err := decodeStrict(data, &raw); err != nil {
		return nil, err
	}
	config := &ServerConfig{
		Address:              strings.TrimSpace(raw.Address),
		ConcurrencyLimit:     raw.ConcurrencyLimit,
		MaxQueuedStreams:     raw.MaxQueuedStreams,
		MaxConcurrentStreams: raw.MaxConcurrentStreams,
		Backlog:              raw.Backlog,
		ReuseAddress:         boolOr(raw.ReuseAddress, true),
		TCPNoDelay:           boolOr(raw.TCPNoDelay, true),
	}
	if config.Address == "" {
		return nil, errors.New("address is required")
	}
	if raw.ConcurrencyLimit < 0 || raw.MaxQueuedStreams < 0 || raw.Backlog < 0 {
		return nil, errors.New("concurrency_limit, max_queued_streams, and backlog must not be negative")
	}
	var err error
	if config.TCPKeepAlive, err = parseDuration("tcp_keepalive", raw.TCPKeepAlive, true); err != nil {
		return nil, err
	}
	if config.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout, false); err != nil {
		return nil, err
	}
	if config.ShutdownGracePeriod, err = parseDuration("shutdown_grace_period", raw.ShutdownGracePeriod, false); err != nil {
		return nil, err
	}
	return config, nil
}

// Options converts the configuration into server options.
func (c *ServerConfig) Options() []ServerOption {
	return []ServerOption{
		WithConcurrencyLimit(c.ConcurrencyLimit),
		WithMaxQueuedStreams(c.MaxQueuedStreams),
		WithMaxConcurrentStreams(c.MaxConcurrentStreams),
		WithBacklog(c.Backlog),
		WithReuseAddress(c.ReuseAddress),
		WithTCPNoDelay(c.TCPNoDelay),
		WithTCPKeepAlive(c.TCPKeepAlive),
		WithHandshakeTimeout(c.HandshakeTimeout),
		WithShutdownGracePeriod(c.ShutdownGracePeriod),
	}
}

// ChannelConfig is the declarative form of a channel's settings. The
// timeouts and socket settings are defaults for every endpoint.
type ChannelConfig struct {
	Endpoints         []Endpoint
	Picker            picker.Factory
	ConcurrencyLimit  int
	RateLimit         rate.Limit
	RateBurst         int
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	TCPNoDelay        bool
	TCPKeepAlive      time.Duration
}

// ParseChannelConfig decodes a YAML document such as:
//
//	endpoints:
//	  - https://backend-1.internal:8443
//	  - https://backend-2.internal:8443
//	picker: least_loaded
//	concurrency_limit: 100
//	request_timeout: 2s
//
// The picker is "round_robin" (the default), "least_loaded",
// "power_of_two", or "random". Unknown keys are rejected.
func ParseChannelConfig(data []byte) (*ChannelConfig, error) {
	var raw rawChannelConfig
	if err := decodeStrict(data, &raw); err != nil {
		return nil, err
	}
	config := &ChannelConfig{
		ConcurrencyLimit: raw.ConcurrencyLimit,
		RateLimit:        rate.Limit(raw.RateLimit),
		RateBurst:        raw.RateBurst,
		TCPNoDelay:       boolOr(raw.TCPNoDelay, true),
	}
	if raw.ConcurrencyLimit < 0 || raw.RateLimit < 0 || raw.RateBurst < 0 {
		return nil, errors.New("concurrency_limit, rate_limit, and rate_burst must not be negative")
	}
	for i, uri := range raw.Endpoints {
		endpoint, err := NewEndpoint(strings.TrimSpace(uri))
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		config.Endpoints = append(config.Endpoints, endpoint)
	}
	switch strings.ToLower(strings.TrimSpace(raw.Picker)) {
	case "", "round_robin":
		config.Picker = picker.RoundRobinFactory
	case "least_loaded":
		config.Picker = picker.LeastLoadedRoundRobinFactory
	case "power_of_two":
		config.Picker = picker.PowerOfTwoFactory
	case "random":
		config.Picker = picker.RandomFactory
	default:
		return nil, fmt.Errorf("picker: unknown policy %q", raw.Picker)
	}
	var err error
	if config.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout, false); err != nil {
		return nil, err
	}
	if config.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout, false); err != nil {
		return nil, err
	}
	if config.KeepAliveInterval, err = parseDuration("keepalive_interval", raw.KeepAliveInterval, false); err != nil {
		return nil, err
	}
	if config.KeepAliveTimeout, err = parseDuration("keepalive_timeout", raw.KeepAliveTimeout, false); err != nil {
		return nil, err
	}
	if config.TCPKeepAlive, err = parseDuration("tcp_keepalive", raw.TCPKeepAlive, true); err != nil {
		return nil, err
	}
	return config, nil
}

// Options converts the configuration into channel options. Endpoints
// are not included; pass them to NewStaticChannel.
func (c *ChannelConfig) Options() []ChannelOption {
	opts := []ChannelOption{
		WithPicker(c.Picker),
		WithConcurrencyLimit(c.ConcurrencyLimit),
		WithConnectTimeout(c.ConnectTimeout),
		WithRequestTimeout(c.RequestTimeout),
		WithKeepAlive(c.KeepAliveInterval, c.KeepAliveTimeout),
		WithTCPNoDelay(c.TCPNoDelay),
		WithTCPKeepAlive(c.TCPKeepAlive),
	}
	if c.RateLimit > 0 {
		opts = append(opts, WithRateLimit(c.RateLimit, c.RateBurst))
	}
	return opts
}

func decodeStrict(data []byte, into any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml: %w", err)
	}
	return nil
}

// parseDuration parses an optional duration field. Negative values are
// accepted only where they have a meaning (disabling a feature).
func parseDuration(field, value string, allowNegative bool) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 && !allowNegative {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
