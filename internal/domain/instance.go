package domain

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InstanceStatus represents the health status an instance reports for itself
type InstanceStatus string

const (
	StatusUp       InstanceStatus = "UP"
	StatusStarting InstanceStatus = "STARTING"
	StatusDown     InstanceStatus = "DOWN"
	StatusUnknown  InstanceStatus = "UNKNOWN"
)

// ParseInstanceStatus parses a status case-insensitively. An empty string
// parses as StatusUp.
func ParseInstanceStatus(s string) (InstanceStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(StatusUp):
		return StatusUp, nil
	case string(StatusStarting):
		return StatusStarting, nil
	case string(StatusDown):
		return StatusDown, nil
	case string(StatusUnknown):
		return StatusUnknown, nil
	default:
		return "", fmt.Errorf("unknown instance status %q", s)
	}
}

// InstanceKey identifies an instance within the registry
type InstanceKey struct {
	Service string
	ID      string
}

func (k InstanceKey) String() string {
	return k.Service + "/" + k.ID
}

// ServiceInstance is one running process of a named service
type ServiceInstance struct {
	ServiceName   string
	InstanceID    string
	Host          string
	Port          int
	Status        InstanceStatus
	Metadata      map[string]string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Lease         time.Duration
}

// Key returns the registry key of the instance
func (i ServiceInstance) Key() InstanceKey {
	return InstanceKey{Service: i.ServiceName, ID: i.InstanceID}
}

// Address returns host:port, bracketing IPv6 hosts
func (i ServiceInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// ExpiresAt returns the moment the lease lapses without another heartbeat
func (i ServiceInstance) ExpiresAt() time.Time {
	return i.LastHeartbeat.Add(i.Lease)
}

// IsExpired reports whether more than one lease has passed since the last heartbeat
func (i ServiceInstance) IsExpired(now time.Time) bool {
	return now.Sub(i.LastHeartbeat) > i.Lease
}

// IsRoutable reports whether the gateway may send traffic to the instance
func (i ServiceInstance) IsRoutable() bool {
	return i.Status == StatusUp
}

// Clone returns a copy that shares no mutable state with the receiver
func (i ServiceInstance) Clone() ServiceInstance {
	if i.Metadata != nil {
		md := make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			md[k] = v
		}
		i.Metadata = md
	}
	return i
}

// Snapshot maps a service name to its non-expired instances. A known service
// with no live instances maps to an empty slice.
type Snapshot map[string][]ServiceInstance

// Services returns the service names in lexical order
func (s Snapshot) Services() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstanceCount returns the number of instances across all services
func (s Snapshot) InstanceCount() int {
	n := 0
	for _, instances := range s {
		n += len(instances)
	}
	return n
}

// SortInstances orders instances by instance id
func SortInstances(instances []ServiceInstance) {
	sort.Slice(instances, func(a, b int) bool {
		return instances[a].InstanceID < instances[b].InstanceID
	})
}
