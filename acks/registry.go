// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acks provides the cluster-wide acknowledgement label registry.
// At most one non-grouped subscriber owns a label at any time.
package acks

import "context"

// Registry maps acknowledgement labels to the subscribers that own them.
type Registry interface {
	// Declare claims req.Labels for req.Subscriber. It fails with a
	// *ConflictError when another subscriber owns one of the labels.
	Declare(ctx context.Context, req Request) (Declared, error)

	// Lookup returns the current owners of label.
	Lookup(ctx context.Context, label Label) ([]Declaration, error)

	// RemoveSubscriber forgets the subscriber and all of its labels.
	RemoveSubscriber(ctx context.Context, subscriber string) error

	// RemoveDeclaration releases every label held by subscriber.
	RemoveDeclaration(ctx context.Context, subscriber string) error

	// ReceiveDeclared streams snapshots of the mapping until ctx is done.
	// The current state is delivered first. Slow receivers only see the latest snapshot.
	ReceiveDeclared(ctx context.Context) <-chan Snapshot

	Close() error
}
