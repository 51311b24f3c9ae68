// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxlink/acks"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ApplyProcedure is the connect procedure a follower calls on the leader to
// apply a registry operation.
const ApplyProcedure = "/fluxlink.acks.v1.RegistryService/Apply"

// Error kinds carried in an apply response.
const (
	errKindConflict        = "conflict"
	errKindInvalidLabel    = "invalid_label"
	errKindEmptySubscriber = "empty_subscriber"
	errKindNotLeader       = "not_leader"
	errKindOther           = "other"
)

// jsonCodec lets connect carry the registry's plain Go types.
type jsonCodec struct{}

func (jsonCodec) Name() string                    { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

type applyResponse struct {
	Declared acks.Declared `json:"declared"`
	Error    *applyError   `json:"error,omitempty"`
}

type applyError struct {
	Kind       string     `json:"kind"`
	Message    string     `json:"message"`
	Label      acks.Label `json:"label,omitempty"`
	Subscriber string     `json:"subscriber,omitempty"`
	Owner      string     `json:"owner,omitempty"`
}

func encodeError(err error) *applyError {
	if err == nil {
		return nil
	}
	ae := &applyError{Kind: errKindOther, Message: err.Error()}
	var conflict *acks.ConflictError
	switch {
	case errors.As(err, &conflict):
		ae.Kind = errKindConflict
		ae.Label = conflict.Label
		ae.Subscriber = conflict.Subscriber
		ae.Owner = conflict.Owner
	case errors.Is(err, acks.ErrInvalidLabel):
		ae.Kind = errKindInvalidLabel
	case errors.Is(err, acks.ErrEmptySubscriber):
		ae.Kind = errKindEmptySubscriber
	case errors.Is(err, acks.ErrNotLeader):
		ae.Kind = errKindNotLeader
	}
	return ae
}

func (ae *applyError) decode() error {
	if ae == nil {
		return nil
	}
	switch ae.Kind {
	case errKindConflict:
		return &acks.ConflictError{Label: ae.Label, Subscriber: ae.Subscriber, Owner: ae.Owner}
	case errKindInvalidLabel:
		return fmt.Errorf("%w: %s", acks.ErrInvalidLabel, ae.Message)
	case errKindEmptySubscriber:
		return acks.ErrEmptySubscriber
	case errKindNotLeader:
		return fmt.Errorf("%w: %s", acks.ErrNotLeader, ae.Message)
	default:
		return errors.New(ae.Message)
	}
}

// ForwardHandler returns the connect handler that applies operations
// forwarded by followers. It never forwards again: a node that lost
// leadership answers with acks.ErrNotLeader.
func (r *Registry) ForwardHandler() (string, http.Handler) {
	handler := connect.NewUnaryHandler(ApplyProcedure,
		func(_ context.Context, req *connect.Request[Operation]) (*connect.Response[applyResponse], error) {
			op := req.Msg
			if op.Type == OpDeclare && op.Request == nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("declare operation without request"))
			}
			res, err := r.applyLocal(*op)
			if err != nil {
				return connect.NewResponse(&applyResponse{Error: encodeError(err)}), nil
			}
			return connect.NewResponse(&applyResponse{Declared: res.Declared, Error: encodeError(res.Err)}), nil
		},
		connect.WithCodec(jsonCodec{}),
	)
	return ApplyProcedure, handler
}

// forwarder sends operations to the leader's forward endpoint.
type forwarder struct {
	httpClient *http.Client
	timeout    time.Duration

	mu      sync.Mutex
	clients map[string]*connect.Client[Operation, applyResponse]
}

func newForwarder(timeout time.Duration) *forwarder {
	return &forwarder{
		httpClient: &http.Client{},
		timeout:    timeout,
		clients:    make(map[string]*connect.Client[Operation, applyResponse]),
	}
}

func (f *forwarder) client(addr string) *connect.Client[Operation, applyResponse] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[addr]; ok {
		return c
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := connect.NewClient[Operation, applyResponse](f.httpClient, strings.TrimSuffix(base, "/")+ApplyProcedure, connect.WithCodec(jsonCodec{}))
	f.clients[addr] = c
	return c
}

func (f *forwarder) forward(ctx context.Context, addr string, op Operation) (*ApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.client(addr).CallUnary(ctx, connect.NewRequest(&op))
	if err != nil {
		if connect.CodeOf(err) == connect.CodeUnavailable {
			return nil, fmt.Errorf("%w: leader at %q unreachable: %w", acks.ErrNotLeader, addr, err)
		}
		return nil, fmt.Errorf("forward to leader at %q: %w", addr, err)
	}
	return &ApplyResult{Declared: resp.Msg.Declared, Err: resp.Msg.Error.decode()}, nil
}

// serveForward listens on addr for operations forwarded by followers.
func (r *Registry) serveForward(addr string) {
	mux := http.NewServeMux()
	path, handler := r.ForwardHandler()
	mux.Handle(path, handler)

	r.forwardServer = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		r.logger.Info("acknowledgement registry forward endpoint listening", slog.String("address", addr))
		if err := r.forwardServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("acknowledgement registry forward endpoint failed", slog.String("error", err.Error()))
		}
	}()
}
