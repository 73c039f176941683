package domain

import "time"

// InstanceRecord is the wire form of a ServiceInstance in the registry protocol
type InstanceRecord struct {
	ServiceName   string            `json:"serviceName"`
	InstanceID    string            `json:"instanceId"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Status        InstanceStatus    `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	LeaseSeconds  int64             `json:"leaseSeconds"`
}

// NewInstanceRecord converts an instance to its wire form
func NewInstanceRecord(i ServiceInstance) InstanceRecord {
	return InstanceRecord{
		ServiceName:   i.ServiceName,
		InstanceID:    i.InstanceID,
		Host:          i.Host,
		Port:          i.Port,
		Status:        i.Status,
		Metadata:      i.Clone().Metadata,
		LastHeartbeat: i.LastHeartbeat,
		LeaseSeconds:  int64(i.Lease / time.Second),
	}
}

// ToInstance converts a wire record back to a ServiceInstance
func (r InstanceRecord) ToInstance() ServiceInstance {
	return ServiceInstance{
		ServiceName:   r.ServiceName,
		InstanceID:    r.InstanceID,
		Host:          r.Host,
		Port:          r.Port,
		Status:        r.Status,
		Metadata:      r.Metadata,
		LastHeartbeat: r.LastHeartbeat,
		Lease:         time.Duration(r.LeaseSeconds) * time.Second,
	}
}

// RegisterRequest is the body of a REGISTER call
type RegisterRequest struct {
	InstanceID   string            `json:"instanceId"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	LeaseSeconds int64             `json:"leaseSeconds,omitempty"`
	Status       string            `json:"status,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse acknowledges a REGISTER call
type RegisterResponse struct {
	Registered bool           `json:"registered"`
	Replaced   bool           `json:"replaced"`
	Instance   InstanceRecord `json:"instance"`
}

// StatusRequest is the body of a STATUS call
type StatusRequest struct {
	Status string `json:"status"`
}

// AckResponse acknowledges HEARTBEAT, STATUS and DEREGISTER calls
type AckResponse struct {
	Service    string         `json:"service"`
	InstanceID string         `json:"instanceId"`
	Status     InstanceStatus `json:"status,omitempty"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
}

// SnapshotResponse is the body returned by SNAPSHOT
type SnapshotResponse struct {
	Services    map[string][]InstanceRecord `json:"services"`
	GeneratedAt time.Time                   `json:"generatedAt"`
}

// NewSnapshotResponse converts a snapshot to its wire form. Services with no
// live instances are kept with an empty list.
func NewSnapshotResponse(s Snapshot, at time.Time) SnapshotResponse {
	resp := SnapshotResponse{
		Services:    make(map[string][]InstanceRecord, len(s)),
		GeneratedAt: at,
	}
	for name, instances := range s {
		records := make([]InstanceRecord, 0, len(instances))
		for _, inst := range instances {
			records = append(records, NewInstanceRecord(inst))
		}
		resp.Services[name] = records
	}
	return resp
}

// ToSnapshot converts the wire form back to a Snapshot
func (r SnapshotResponse) ToSnapshot() Snapshot {
	s := make(Snapshot, len(r.Services))
	for name, records := range r.Services {
		instances := make([]ServiceInstance, 0, len(records))
		for _, rec := range records {
			inst := rec.ToInstance()
			if inst.ServiceName == "" {
				inst.ServiceName = name
			}
			instances = append(instances, inst)
		}
		s[name] = instances
	}
	return s
}
