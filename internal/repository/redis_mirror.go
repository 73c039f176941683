package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultMirrorPrefix is the key prefix used when none is configured
const DefaultMirrorPrefix = "registry:instance:"

// RedisMirror keeps a lease-bound copy of every registration in Redis so a
// restarted registry can warm its store. It is an EventSink: the in-memory
// store stays authoritative and Redis is only written after the fact.
type RedisMirror struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

// NewRedisMirror creates a mirror on top of an existing client
func NewRedisMirror(client *redis.Client, prefix string, log *logger.Logger) *RedisMirror {
	if prefix == "" {
		prefix = DefaultMirrorPrefix
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RedisMirror{
		client: client,
		prefix: prefix,
		logger: log.EventsLogger("redis"),
	}
}

// Name identifies the sink in logs and metrics
func (m *RedisMirror) Name() string {
	return "redis"
}

func (m *RedisMirror) key(service, id string) string {
	return m.prefix + service + ":" + id
}

// Publish applies one registry event to the mirror
func (m *RedisMirror) Publish(ctx context.Context, event domain.RegistryEvent) error {
	rec := event.Instance
	key := m.key(rec.ServiceName, rec.InstanceID)

	switch event.Type {
	case domain.EventRenewed:
		if leaseOf(rec) <= 0 {
			return nil
		}
		ok, err := m.client.Expire(ctx, key, leaseOf(rec)).Result()
		if err != nil {
			return fmt.Errorf("redis expire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		// key vanished (Redis restarted or evicted it); write it again
		return m.set(ctx, key, rec)

	case domain.EventRegistered:
		return m.set(ctx, key, rec)

	case domain.EventStatusChanged:
		return m.updateStatus(ctx, key, rec, event.OccurredAt)

	case domain.EventDeregistered, domain.EventExpired:
		if err := m.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
		return nil

	default:
		return nil
	}
}

func (m *RedisMirror) set(ctx context.Context, key string, rec domain.InstanceRecord) error {
	lease := leaseOf(rec)
	if lease <= 0 {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.client.Set(ctx, key, payload, lease).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// updateStatus rewrites the record without touching the key's remaining TTL.
// A status change does not renew the lease, so neither may the mirror.
func (m *RedisMirror) updateStatus(ctx context.Context, key string, rec domain.InstanceRecord, at time.Time) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = m.client.SetArgs(ctx, key, payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	// key vanished; write it again with whatever is left of the lease
	remaining := rec.LastHeartbeat.Add(leaseOf(rec)).Sub(at)
	if remaining <= 0 {
		return nil
	}
	if err := m.client.Set(ctx, key, payload, remaining).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Restore returns every mirrored instance whose key has not expired yet
func (m *RedisMirror) Restore(ctx context.Context) ([]domain.ServiceInstance, error) {
	var instances []domain.ServiceInstance

	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := m.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", key, err)
		}

		var rec domain.InstanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable mirrored instance")
			continue
		}
		if rec.ServiceName == "" || rec.InstanceID == "" {
			rec.ServiceName, rec.InstanceID = m.splitKey(key)
		}
		instances = append(instances, rec.ToInstance())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	domain.SortInstances(instances)
	return instances, nil
}

func (m *RedisMirror) splitKey(key string) (string, string) {
	rest := strings.TrimPrefix(key, m.prefix)
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

// Close closes the underlying client
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func leaseOf(rec domain.InstanceRecord) time.Duration {
	return time.Duration(rec.LeaseSeconds) * time.Second
}
