package logger

import (
	"time"

	"go.uber.org/zap"
)

// Audit outcomes
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditDenied  = "denied"
)

// AuditEvent is one administrative or credential event
type AuditEvent struct {
	EventType   string                 `json:"event_type"`
	Actor       string                 `json:"actor,omitempty"`
	Action      string                 `json:"action"`
	Resource    string                 `json:"resource"`
	ResourceID  string                 `json:"resource_id"`
	DirectoryID string                 `json:"directory_id,omitempty"`
	Status      string                 `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditLogger writes audit events to a dedicated log stream
type AuditLogger struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
		now:    time.Now,
	}
}

// Log logs an audit event at a level matching its status
func (a *AuditLogger) Log(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("resource_id", event.ResourceID),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.Actor != "" {
		fields = append(fields, zap.String("actor", event.Actor))
	}
	if event.DirectoryID != "" {
		fields = append(fields, zap.String("directory_id", event.DirectoryID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Status {
	case AuditFailure:
		a.logger.Error("Audit event", fields...)
	case AuditDenied:
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogDirectoryChanged records a descriptor create, update or delete
func (a *AuditLogger) LogDirectoryChanged(action, directoryID, name, directoryType string) {
	a.Log(&AuditEvent{
		EventType:   "directory." + action + "d",
		Action:      action,
		Resource:    "directory",
		ResourceID:  directoryID,
		DirectoryID: directoryID,
		Status:      AuditSuccess,
		Metadata:    map[string]interface{}{"name": name, "type": directoryType},
	})
}

// LogPasswordResetInitiated records that a security code was issued
func (a *AuditLogger) LogPasswordResetInitiated(directoryID, username string) {
	a.Log(&AuditEvent{
		EventType:   "password.reset_initiated",
		Action:      "initiate_reset",
		Resource:    "user",
		ResourceID:  username,
		DirectoryID: directoryID,
		Status:      AuditSuccess,
	})
}

// LogPasswordReset records the outcome of a code-verified password reset
func (a *AuditLogger) LogPasswordReset(directoryID, username, status, reason string) {
	a.Log(&AuditEvent{
		EventType:   "password.reset",
		Action:      "reset",
		Resource:    "user",
		ResourceID:  username,
		DirectoryID: directoryID,
		Status:      status,
		Reason:      reason,
	})
}
