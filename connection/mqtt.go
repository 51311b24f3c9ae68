// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"fmt"
	"strconv"
	"time"
)

// Specific config keys understood by MQTT connections.
const (
	KeyReconnectForRedelivery      = "reconnectForRedelivery"
	KeyReconnectForRedeliveryDelay = "reconnectForRedeliveryDelay"
	KeyBrokerDisconnectMinDelay    = "reconnectMinTimeoutForBrokerInitiatedDisconnect"
	KeySeparatePublisherClient     = "separatePublisherClient"
	KeyCleanSession                = "cleanSession"
	KeyClientID                    = "clientId"
	KeyPublisherID                 = "publisherId"
	KeyKeepAlive                   = "keepAlive"
	KeyLastWillTopic               = "lastWillTopic"
	KeyLastWillQoS                 = "lastWillQos"
	KeyLastWillMessage             = "lastWillMessage"
	KeyLastWillRetain              = "lastWillRetain"
)

// MQTT defaults.
const (
	DefaultRedeliveryDelay = 10 * time.Second
	MinRedeliveryDelay     = 1 * time.Second
	DefaultKeepAlive       = 60 * time.Second
)

// LastWill is the message the broker publishes when a client is lost.
type LastWill struct {
	Topic   string
	QoS     byte
	Message string
	Retain  bool
}

// MQTTConfig holds the MQTT options of a connection's specific config.
type MQTTConfig struct {
	ReconnectForRedelivery      bool
	ReconnectForRedeliveryDelay time.Duration
	// BrokerDisconnectMinDelay overrides the service floor for broker-initiated
	// disconnects when non-zero.
	BrokerDisconnectMinDelay time.Duration
	SeparatePublisherClient  bool
	CleanSession             bool
	ClientID                 string
	PublisherID              string
	KeepAlive                time.Duration
	LastWill                 *LastWill
}

// ParseMQTTConfig reads MQTT options from a connection's specific config.
func ParseMQTTConfig(m map[string]string) (MQTTConfig, error) {
	cfg := MQTTConfig{
		ReconnectForRedeliveryDelay: DefaultRedeliveryDelay,
		SeparatePublisherClient:     true,
		KeepAlive:                   DefaultKeepAlive,
		ClientID:                    m[KeyClientID],
		PublisherID:                 m[KeyPublisherID],
	}

	var err error
	if cfg.ReconnectForRedelivery, err = boolOption(m, KeyReconnectForRedelivery, false); err != nil {
		return MQTTConfig{}, err
	}
	if cfg.SeparatePublisherClient, err = boolOption(m, KeySeparatePublisherClient, true); err != nil {
		return MQTTConfig{}, err
	}
	if cfg.CleanSession, err = boolOption(m, KeyCleanSession, false); err != nil {
		return MQTTConfig{}, err
	}
	if cfg.ReconnectForRedeliveryDelay, err = durationOption(m, KeyReconnectForRedeliveryDelay, DefaultRedeliveryDelay); err != nil {
		return MQTTConfig{}, err
	}
	if cfg.ReconnectForRedeliveryDelay < MinRedeliveryDelay {
		cfg.ReconnectForRedeliveryDelay = MinRedeliveryDelay
	}
	if cfg.BrokerDisconnectMinDelay, err = durationOption(m, KeyBrokerDisconnectMinDelay, 0); err != nil {
		return MQTTConfig{}, err
	}
	if cfg.KeepAlive, err = durationOption(m, KeyKeepAlive, DefaultKeepAlive); err != nil {
		return MQTTConfig{}, err
	}

	if topic := m[KeyLastWillTopic]; topic != "" {
		will := &LastWill{Topic: topic, Message: m[KeyLastWillMessage]}
		if v, ok := m[KeyLastWillQoS]; ok {
			qos, err := strconv.ParseUint(v, 10, 8)
			if err != nil || qos > 2 {
				return MQTTConfig{}, fmt.Errorf("%s must be 0, 1 or 2", KeyLastWillQoS)
			}
			will.QoS = byte(qos)
		}
		if will.Retain, err = boolOption(m, KeyLastWillRetain, false); err != nil {
			return MQTTConfig{}, err
		}
		cfg.LastWill = will
	}

	return cfg, nil
}

func boolOption(m map[string]string, key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

// durationOption accepts Go duration strings or plain seconds.
func durationOption(m map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return def, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%s cannot be negative", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s cannot be negative", key)
	}
	return d, nil
}
