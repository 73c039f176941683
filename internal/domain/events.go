package domain

import (
	"context"
	"time"
)

// EventType names a registry mutation
type EventType string

const (
	EventRegistered    EventType = "REGISTERED"
	EventRenewed       EventType = "RENEWED"
	EventStatusChanged EventType = "STATUS_CHANGED"
	EventDeregistered  EventType = "DEREGISTERED"
	EventExpired       EventType = "EXPIRED"
)

// RegistryEvent describes one change to the registry
type RegistryEvent struct {
	Type           EventType      `json:"type"`
	Instance       InstanceRecord `json:"instance"`
	PreviousStatus InstanceStatus `json:"previousStatus,omitempty"`
	Replaced       bool           `json:"replaced,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// NewRegistryEvent builds an event for the given instance
func NewRegistryEvent(t EventType, instance ServiceInstance, at time.Time) RegistryEvent {
	return RegistryEvent{
		Type:       t,
		Instance:   NewInstanceRecord(instance),
		OccurredAt: at,
	}
}

// EventSink receives registry events. Publish must not block for long; the
// registry calls sinks after the store mutation has completed.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, event RegistryEvent) error
	Close() error
}
