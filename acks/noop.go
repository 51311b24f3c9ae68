// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import "context"

var _ Registry = Noop{}

// Noop is the registry of nodes that do not route acknowledgements.
// It refuses every declaration and is always empty.
type Noop struct{}

func (Noop) Declare(context.Context, Request) (Declared, error) {
	return Declared{}, ErrUnsupported
}

func (Noop) Lookup(context.Context, Label) ([]Declaration, error) {
	return nil, nil
}

func (Noop) RemoveSubscriber(context.Context, string) error {
	return nil
}

func (Noop) RemoveDeclaration(context.Context, string) error {
	return nil
}

func (Noop) ReceiveDeclared(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- NewTable().Snapshot(0)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (Noop) Close() error {
	return nil
}
