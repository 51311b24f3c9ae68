// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package etcd stores the acknowledgement label registry in etcd.
// Each subscriber owns one key bound to the declaring node's lease, so the
// declarations of a crashed node expire with its lease.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxlink/acks"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultPrefix is the key space of the registry.
const DefaultPrefix = "/fluxlink/acks/"

// ErrTooManyRetries is returned when optimistic transactions keep losing races.
var ErrTooManyRetries = errors.New("acknowledgement registry transaction retries exhausted")

// Config configures an etcd-backed registry.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	// LeaseTTL is the lifetime, in seconds, of declarations from a silent node.
	LeaseTTL   int
	MaxRetries int
	// Client is used instead of dialing Endpoints. It is not closed by the registry.
	Client *clientv3.Client
	Logger *slog.Logger
}

// Registry implements acks.Registry with etcd transactions.
type Registry struct {
	client     *clientv3.Client
	ownsClient bool
	session    *concurrency.Session
	prefix     string
	maxRetries int

	mu       sync.Mutex
	table    *acks.Table
	watchers *acks.Broadcaster

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ acks.Registry = (*Registry)(nil)

// New connects to etcd, creates the node lease and starts watching the registry.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 16
	}

	r := &Registry{
		client:     cfg.Client,
		prefix:     cfg.Prefix,
		maxRetries: cfg.MaxRetries,
		table:      acks.NewTable(),
		watchers:   acks.NewBroadcaster(),
		logger:     cfg.Logger,
	}

	if r.client == nil {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		r.client = client
		r.ownsClient = true
	}

	session, err := concurrency.NewSession(r.client, concurrency.WithTTL(cfg.LeaseTTL))
	if err != nil {
		r.closeClient()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	r.session = session

	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		session.Close()
		r.closeClient()
		return nil, fmt.Errorf("failed to load acknowledgement registry: %w", err)
	}
	table, err := r.decodeTable(resp.Kvs)
	if err != nil {
		session.Close()
		r.closeClient()
		return nil, err
	}
	r.table = table
	r.watchers.Publish(table.Snapshot(uint64(resp.Header.Revision)))

	wctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.watch(wctx, resp.Header.Revision+1)

	return r, nil
}

func (r *Registry) Declare(ctx context.Context, req acks.Request) (acks.Declared, error) {
	if err := req.Validate(); err != nil {
		return acks.Declared{}, err
	}

	for range r.maxRetries {
		resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
		if err != nil {
			return acks.Declared{}, fmt.Errorf("failed to read acknowledgement registry: %w", err)
		}
		before, err := r.decodeTable(resp.Kvs)
		if err != nil {
			return acks.Declared{}, err
		}

		after := before.Clone()
		declared, err := after.Declare(req)
		if err != nil {
			return acks.Declared{}, err
		}

		cmps := []clientv3.Cmp{
			clientv3.Compare(clientv3.ModRevision(r.prefix).WithPrefix(), "<", resp.Header.Revision+1),
		}
		var ops []clientv3.Op
		for sub, e := range after.Subscribers {
			if sub != req.Subscriber && equalEntry(before.Subscribers[sub], e) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				return acks.Declared{}, fmt.Errorf("failed to encode declaration: %w", err)
			}
			key := r.key(sub)
			if sub == req.Subscriber {
				ops = append(ops, clientv3.OpPut(key, string(data), clientv3.WithLease(r.session.Lease())))
				continue
			}
			// Ownership transfer keeps the previous owner's lease.
			cmps = append(cmps, clientv3.Compare(clientv3.Version(key), ">", 0))
			ops = append(ops, clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease()))
		}

		txn, err := r.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return acks.Declared{}, fmt.Errorf("failed to commit declaration: %w", err)
		}
		if txn.Succeeded {
			return declared, nil
		}
		r.logger.Debug("acknowledgement declaration raced, retrying",
			slog.String("subscriber", req.Subscriber))
	}

	return acks.Declared{}, ErrTooManyRetries
}

// Lookup performs a linearizable read of the registry.
func (r *Registry) Lookup(ctx context.Context, label acks.Label) ([]acks.Declaration, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to read acknowledgement registry: %w", err)
	}
	table, err := r.decodeTable(resp.Kvs)
	if err != nil {
		return nil, err
	}
	return table.Lookup(label), nil
}

func (r *Registry) RemoveSubscriber(ctx context.Context, subscriber string) error {
	if _, err := r.client.Delete(ctx, r.key(subscriber)); err != nil {
		return fmt.Errorf("failed to remove subscriber %s: %w", subscriber, err)
	}
	return nil
}

func (r *Registry) RemoveDeclaration(ctx context.Context, subscriber string) error {
	key := r.key(subscriber)
	for range r.maxRetries {
		resp, err := r.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read subscriber %s: %w", subscriber, err)
		}
		if len(resp.Kvs) == 0 {
			return nil
		}
		kv := resp.Kvs[0]

		var e acks.Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return fmt.Errorf("failed to decode subscriber %s: %w", subscriber, err)
		}
		if len(e.Labels) == 0 {
			return nil
		}
		e.Labels = nil
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		txn, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to release declaration of %s: %w", subscriber, err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return ErrTooManyRetries
}

func (r *Registry) ReceiveDeclared(ctx context.Context) <-chan acks.Snapshot {
	return r.watchers.Subscribe(ctx)
}

// Close revokes the node lease, which drops every declaration made through
// this registry.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.watchers.Close()

	var errs []error
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close etcd session: %w", err))
		}
	}
	if err := r.closeClient(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) closeClient() error {
	if !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Registry) watch(ctx context.Context, rev int64) {
	defer r.wg.Done()

	wch := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			r.logger.Warn("acknowledgement registry watch error", slog.String("error", err.Error()))
			continue
		}

		r.mu.Lock()
		for _, ev := range resp.Events {
			r.applyEvent(ev)
		}
		snap := r.table.Snapshot(uint64(resp.Header.Revision))
		r.mu.Unlock()

		r.watchers.Publish(snap)
	}
}

func (r *Registry) applyEvent(ev *clientv3.Event) {
	sub := strings.TrimPrefix(string(ev.Kv.Key), r.prefix)
	switch ev.Type {
	case clientv3.EventTypePut:
		var e acks.Entry
		if err := json.Unmarshal(ev.Kv.Value, &e); err != nil {
			r.logger.Warn("skipping malformed declaration",
				slog.String("subscriber", sub),
				slog.String("error", err.Error()))
			return
		}
		r.table.Subscribers[sub] = e
	case clientv3.EventTypeDelete:
		delete(r.table.Subscribers, sub)
	}
}

func (r *Registry) key(subscriber string) string {
	return r.prefix + subscriber
}
