package config

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// PolicySource reads policy override documents from etcd.
type PolicySource struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	client  *clientv3.Client
	key     string
	logger  *log.Logger
}

// NewPolicySource connects to etcd.
func NewPolicySource(endpoints []string, key string, dialTimeout time.Duration, logger *log.Logger) (*PolicySource, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	src := newPolicySource(client, client, key, logger)
	src.client = client
	return src, nil
}

func newPolicySource(kv clientv3.KV, w clientv3.Watcher, key string, logger *log.Logger) *PolicySource {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &PolicySource{kv: kv, watcher: w, key: key, logger: logger}
}

// Close releases the etcd client.
func (s *PolicySource) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Apply merges the stored override document into base. A missing key
// returns base unchanged.
func (s *PolicySource) Apply(ctx context.Context, base Policy) (Policy, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy override %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return base, nil
	}
	merged, err := base.Merge(resp.Kvs[0].Value)
	if err != nil {
		return Policy{}, fmt.Errorf("policy override %s: %w", s.key, err)
	}
	s.logger.Printf("config: applied policy override %s at revision %d", s.key, resp.Kvs[0].ModRevision)
	return merged, nil
}

// Watch calls fn with base merged with every new override document until
// ctx is done. Invalid documents are logged and skipped.
func (s *PolicySource) Watch(ctx context.Context, base Policy, fn func(Policy)) {
	if s.watcher == nil {
		return
	}
	for resp := range s.watcher.Watch(ctx, s.key) {
		if err := resp.Err(); err != nil {
			s.logger.Printf("config: policy watch on %s: %v", s.key, err)
			continue
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				fn(base)
				continue
			}
			merged, err := base.Merge(ev.Kv.Value)
			if err != nil {
				s.logger.Printf("config: rejected policy override at revision %d: %v", ev.Kv.ModRevision, err)
				continue
			}
			fn(merged)
		}
	}
}
