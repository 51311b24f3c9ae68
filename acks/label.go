// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import (
	"fmt"
	"regexp"
)

// labelPattern forbids control characters, the Latin-1 supplement and slashes.
var labelPattern = regexp.MustCompile(`^[^\x{00}-\x{1F}\x{7F}-\x{FF}/]+$`)

// Label identifies a class of acknowledgements.
type Label string

// Validate checks the label syntax.
func (l Label) Validate() error {
	if !labelPattern.MatchString(string(l)) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, string(l))
	}
	return nil
}

// Declaration is one subscriber's claim on a label.
type Declaration struct {
	Label      Label  `json:"label"`
	Subscriber string `json:"subscriber"`
	Group      string `json:"group,omitempty"`
}

// Request asks the registry to declare Labels for Subscriber.
// A successful request replaces every label previously declared by Subscriber.
type Request struct {
	Labels      []Label `json:"labels"`
	Subscriber  string  `json:"subscriber"`
	Group       string  `json:"group,omitempty"`
	Resubscribe bool    `json:"resubscribe,omitempty"`
}

// Validate checks the request before it reaches any backend.
func (r Request) Validate() error {
	if r.Subscriber == "" {
		return ErrEmptySubscriber
	}
	for _, l := range r.Labels {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Declared is the successful outcome of a Request.
type Declared struct {
	Labels     []Label `json:"labels"`
	Subscriber string  `json:"subscriber"`
}
