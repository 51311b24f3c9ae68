// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/absmach/fluxlink/acks"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

func (r *Registry) decodeTable(kvs []*mvccpb.KeyValue) (*acks.Table, error) {
	t := acks.NewTable()
	for _, kv := range kvs {
		var e acks.Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("failed to decode declaration %s: %w", kv.Key, err)
		}
		t.Subscribers[strings.TrimPrefix(string(kv.Key), r.prefix)] = e
	}
	return t, nil
}

func equalEntry(a, b acks.Entry) bool {
	return a.Group == b.Group && slices.Equal(a.Labels, b.Labels)
}
