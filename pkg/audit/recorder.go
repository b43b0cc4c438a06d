// Package audit records the append-only trail of change request activity.
//
// Append is the only write. Records reference entities by id and are
// partitioned by tenant; a mistaken record is never edited, a correction is
// appended with Corrects pointing at it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/stores"
)

// Recorder appends and reads audit records.
type Recorder struct {
	log    stores.AuditLog
	clock  engine.Clock
	logger zerolog.Logger
	newID  func() string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock used to timestamp records.
func WithClock(c engine.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = l.With().Str("component", "audit").Logger() }
}

// NewRecorder creates a recorder over log.
func NewRecorder(log stores.AuditLog, opts ...Option) *Recorder {
	r := &Recorder{
		log:    log,
		clock:  engine.SystemClock{},
		logger: zerolog.Nop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append stores rec, assigning its ID, timestamp and sequence.
func (r *Recorder) Append(ctx context.Context, rec *engine.AuditRecord) error {
	if rec.TenantID == "" {
		return engine.NewValidationError("audit record requires a tenant")
	}
	if rec.Kind == "" {
		return engine.NewValidationError("audit record requires a kind")
	}
	if rec.ID == "" {
		rec.ID = r.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	entry := &stores.AuditEntry{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		Kind:            string(rec.Kind),
		ChangeRequestID: rec.ChangeRequestID,
		WorkspaceID:     rec.WorkspaceID,
		ActorID:         rec.ActorID,
		State:           string(rec.ToState),
		Timestamp:       rec.Timestamp,
		Payload:         payload,
	}
	if err := r.log.AppendAudit(ctx, entry); err != nil {
		return engine.NewInternalError("failed to append audit record", err)
	}
	rec.Sequence = entry.Sequence

	r.logger.Debug().
		Str("tenant_id", rec.TenantID).
		Str("change_request_id", rec.ChangeRequestID).
		Str("kind", string(rec.Kind)).
		Int64("sequence", rec.Sequence).
		Msg("audit record appended")
	return nil
}

// Correct appends a correction of the record original. The original stays
// untouched.
func (r *Recorder) Correct(ctx context.Context, original *engine.AuditRecord, actorID string, reasons ...string) (*engine.AuditRecord, error) {
	if original == nil || original.ID == "" {
		return nil, engine.NewValidationError("correction requires the record being corrected")
	}
	rec := &engine.AuditRecord{
		TenantID:        original.TenantID,
		Kind:            engine.AuditCorrection,
		ChangeRequestID: original.ChangeRequestID,
		WorkspaceID:     original.WorkspaceID,
		ActorID:         actorID,
		Reasons:         reasons,
		Corrects:        original.ID,
	}
	if err := r.Append(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns the tenant's records matching filter in append order. The
// requester filter matches the acting identity of each record; lifecycle
// steps nobody else triggered are attributed to the requester.
func (r *Recorder) List(ctx context.Context, tenantID string, filter engine.AuditFilter) ([]*engine.AuditRecord, error) {
	if tenantID == "" {
		return nil, engine.NewValidationError("tenant is required")
	}
	entries, err := r.log.QueryAudit(ctx, stores.AuditQuery{
		TenantID:        tenantID,
		Since:           filter.Since,
		Until:           filter.Until,
		ActorID:         filter.RequesterID,
		WorkspaceID:     filter.WorkspaceID,
		State:           string(filter.State),
		Kind:            string(filter.Kind),
		ChangeRequestID: filter.ChangeRequestID,
		Limit:           filter.Limit,
	})
	if err != nil {
		return nil, engine.NewInternalError("failed to query audit log", err)
	}

	records := make([]*engine.AuditRecord, 0, len(entries))
	for _, e := range entries {
		rec := &engine.AuditRecord{}
		if err := json.Unmarshal(e.Payload, rec); err != nil {
			return nil, engine.NewInternalError("failed to decode audit record "+e.ID, err)
		}
		rec.Sequence = e.Sequence
		records = append(records, rec)
	}
	return records, nil
}
