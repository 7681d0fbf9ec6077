// Package protocol defines the coordinator/worker wire messages.
// Every message is a JSON object carrying a "type" discriminator;
// unknown types must be logged and ignored by receivers so that either
// side can be upgraded independently.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type discriminators.
const (
	// Worker to coordinator.
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeJobStatus = "job_status"
	TypeReady     = "ready"

	// Coordinator to worker.
	TypeRegistrationAck = "registration_ack"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeJobAssignment   = "job_assignment"
)

// Envelope carries only the discriminator; receivers decode it first,
// then decode the full payload based on Type.
type Envelope struct {
	Type string `json:"type"`
}

// Register announces a worker and its capabilities. Sent once after
// connecting. The worker identity comes from the connection URL, not
// from this message.
type Register struct {
	Type         string   `json:"type"`
	WorkerID     string   `json:"worker_id,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// NewRegister creates a register message.
func NewRegister(workerID string, capabilities []string) Register {
	return Register{Type: TypeRegister, WorkerID: workerID, Capabilities: capabilities}
}

// Heartbeat is the periodic keep-alive.
type Heartbeat struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
}

// NewHeartbeat creates a heartbeat message.
func NewHeartbeat(workerID string) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, WorkerID: workerID}
}

// JobStatus reports job progress or outcome.
type JobStatus struct {
	Type     string         `json:"type"`
	JobID    string         `json:"job_id"`
	Status   string         `json:"status"`
	WorkerID string         `json:"worker_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// NewJobStatus creates a job status message.
func NewJobStatus(jobID, status, workerID string) JobStatus {
	return JobStatus{Type: TypeJobStatus, JobID: jobID, Status: status, WorkerID: workerID}
}

// Ready signals the worker is idle and accepting assignments again.
type Ready struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
}

// NewReady creates a ready message.
func NewReady(workerID string) Ready {
	return Ready{Type: TypeReady, WorkerID: workerID}
}

// RegistrationAck confirms registration back to the worker.
type RegistrationAck struct {
	Type      string    `json:"type"`
	WorkerID  string    `json:"worker_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRegistrationAck creates a registration ack with status "registered".
func NewRegistrationAck(workerID string) RegistrationAck {
	return RegistrationAck{
		Type:      TypeRegistrationAck,
		WorkerID:  workerID,
		Status:    "registered",
		Timestamp: time.Now(),
	}
}

// HeartbeatAck confirms a heartbeat.
type HeartbeatAck struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHeartbeatAck creates a heartbeat ack.
func NewHeartbeatAck() HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: time.Now()}
}

// JobAssignment dispatches a job to a worker. Parameters are forwarded
// verbatim from the workflow definition.
type JobAssignment struct {
	Type       string         `json:"type"`
	JobID      string         `json:"job_id"`
	JobType    string         `json:"job_type"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewJobAssignment creates a job assignment message.
func NewJobAssignment(jobID, jobType string, parameters map[string]any) JobAssignment {
	return JobAssignment{
		Type:       TypeJobAssignment,
		JobID:      jobID,
		JobType:    jobType,
		Parameters: parameters,
		Timestamp:  time.Now(),
	}
}

// DecodeType extracts the type discriminator from a raw message.
func DecodeType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode message envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message has no type field")
	}
	return env.Type, nil
}
