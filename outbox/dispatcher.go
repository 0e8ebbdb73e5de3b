package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"signflow/crm"
	"signflow/metrics"
	"signflow/signing"
	"signflow/storage"
)

// Sync targets recorded in the audit log.
const (
	TargetStorage = "storage"
	TargetCRM     = "crm"
	TargetWebhook = "webhook"
)

var errNoEnvelope = errors.New("outbox: request has no CRM envelope id")

// SinkError reports a sink that still failed after its retries. The message
// that triggered it is not redelivered.
type SinkError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("outbox: %s failed after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Requests is the part of signing.Service the dispatcher needs.
type Requests interface {
	Get(ctx context.Context, ref signing.Ref) (signing.Request, error)
	RecordSync(ctx context.Context, id string, res signing.SyncResult) error
}

// CRM updates the envelope document record.
type CRM interface {
	UpdateEnvelope(ctx context.Context, recordID string, upd crm.EnvelopeUpdate) error
}

// Notifier posts a chat message.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LocalPaths maps a stored artifact path to a file on disk.
type LocalPaths interface {
	Path(rel string) (string, error)
}

// Dispatcher turns one outbox message into calls to the configured sinks.
// Nil sinks are skipped.
type Dispatcher struct {
	requests Requests
	paths    LocalPaths
	uploader storage.Uploader
	crm      CRM
	notifier Notifier
	retry    RetryPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Sinks groups the optional delivery targets.
type Sinks struct {
	Uploader storage.Uploader
	CRM      CRM
	Notifier Notifier
}

func NewDispatcher(requests Requests, paths LocalPaths, sinks Sinks, retry RetryPolicy, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		requests: requests,
		paths:    paths,
		uploader: sinks.Uploader,
		crm:      sinks.CRM,
		notifier: sinks.Notifier,
		retry:    retry,
		logger:   logger,
		metrics:  m,
	}
}

// Dispatch delivers msg. A *SinkError means a sink gave up; any other error
// is transient and the message should be retried later.
func (d *Dispatcher) Dispatch(ctx context.Context, msg signing.OutboxMessage) error {
	req, err := d.requests.Get(ctx, signing.ByID(msg.RequestID))
	if err != nil {
		return fmt.Errorf("outbox: load request %s: %w", msg.RequestID, err)
	}

	var payload struct {
		Reason string `json:"reason"`
	}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return &SinkError{Target: "decode", Attempts: 1, Err: err}
		}
	}

	switch msg.Topic {
	case signing.TopicInitiated:
		return d.notify(ctx, req, fmt.Sprintf("Signature request sent to %s for %s (case %s)",
			req.ClientName, req.TemplateType, req.ExternalCaseID))

	case signing.TopicCompleted:
		return d.completed(ctx, req)

	case signing.TopicDeclined:
		if err := d.updateCRM(ctx, req, crm.EnvelopeUpdate{Status: req.Status.Label()}); err != nil {
			return err
		}
		return d.notify(ctx, req, fmt.Sprintf("%s declined %s (case %s): %s",
			req.ClientName, req.TemplateType, req.ExternalCaseID, orNone(payload.Reason)))

	case signing.TopicDeliveryFailed:
		if err := d.updateCRM(ctx, req, crm.EnvelopeUpdate{Status: req.Status.Label()}); err != nil {
			return err
		}
		return d.notify(ctx, req, fmt.Sprintf("Signing link for %s (case %s) could not be delivered: %s",
			req.ClientName, req.ExternalCaseID, orNone(payload.Reason)))

	default:
		return &SinkError{Target: "dispatch", Attempts: 1, Err: fmt.Errorf("unknown topic %q", msg.Topic)}
	}
}

// completed uploads the signed document, links it in the CRM and announces
// it, in that order. A failed upload still lets the CRM learn the status.
func (d *Dispatcher) completed(ctx context.Context, req signing.Request) error {
	var errs []error

	remote := syncedRemote(req, TargetStorage)
	if d.uploader != nil && remote == "" {
		r, err := d.upload(ctx, req)
		if err != nil {
			errs = append(errs, err)
		}
		remote = r
	}

	upd := crm.EnvelopeUpdate{
		StoragePath: remote,
		Status:      req.Status.Label(),
		SignedAt:    req.SignedAt,
		ExpiresAt:   &req.ExpiresAt,
	}
	if err := d.updateCRM(ctx, req, upd); err != nil {
		errs = append(errs, err)
	}

	text := fmt.Sprintf("%s signed %s (case %s)", req.ClientName, req.TemplateType, req.ExternalCaseID)
	if remote != "" {
		text += ", stored at " + remote
	}
	if err := d.notify(ctx, req, text); err != nil {
		errs = append(errs, err)
	}

	return firstSinkError(errs)
}

func (d *Dispatcher) upload(ctx context.Context, req signing.Request) (string, error) {
	if req.PDFPath == "" {
		return "", d.giveUp(ctx, req, TargetStorage, 1, permanentErr("no signed document path"))
	}

	local, err := d.paths.Path(req.PDFPath)
	if err != nil {
		return "", d.giveUp(ctx, req, TargetStorage, 1, err)
	}
	name := strings.TrimPrefix(req.PDFPath, "signed/")

	var remote string
	n, err := d.retry.run(ctx, func(ctx context.Context) error {
		r, err := d.uploader.Upload(ctx, local, name)
		if errors.Is(err, storage.ErrInvalidName) {
			return permanent(err)
		}
		remote = r
		return err
	})
	if err != nil {
		return "", d.giveUp(ctx, req, TargetStorage, n, err)
	}
	if err := d.requests.RecordSync(ctx, req.ID, signing.SyncResult{Target: TargetStorage, Remote: remote, Attempts: n}); err != nil {
		return remote, err
	}
	d.logger.InfoContext(ctx, "signed document uploaded", "request_id", req.ID, "remote", remote, "attempts", n)
	return remote, nil
}

func (d *Dispatcher) updateCRM(ctx context.Context, req signing.Request, upd crm.EnvelopeUpdate) error {
	if d.crm == nil {
		return nil
	}
	if req.ExternalEnvelopeID == "" {
		return d.giveUp(ctx, req, TargetCRM, 0, errNoEnvelope)
	}

	n, err := d.retry.run(ctx, func(ctx context.Context) error {
		return d.crm.UpdateEnvelope(ctx, req.ExternalEnvelopeID, upd)
	})
	if err != nil {
		return d.giveUp(ctx, req, TargetCRM, n, err)
	}
	if err := d.requests.RecordSync(ctx, req.ID, signing.SyncResult{Target: TargetCRM, Remote: req.ExternalEnvelopeID, Attempts: n}); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "crm envelope updated", "request_id", req.ID, "envelope_id", req.ExternalEnvelopeID, "status", upd.Status)
	return nil
}

// notify failures are logged and counted but not written to the audit log.
func (d *Dispatcher) notify(ctx context.Context, req signing.Request, text string) error {
	if d.notifier == nil {
		return nil
	}
	n, err := d.retry.run(ctx, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, text)
	})
	d.metrics.Sync(TargetWebhook, err == nil)
	if err != nil {
		d.logger.ErrorContext(ctx, "webhook notification failed", "request_id", req.ID, "attempts", n, "error", err)
		return &SinkError{Target: TargetWebhook, Attempts: n, Err: err}
	}
	return nil
}

// giveUp records a final sink failure and raises an alert on the webhook.
func (d *Dispatcher) giveUp(ctx context.Context, req signing.Request, target string, attempts int, cause error) error {
	serr := &SinkError{Target: target, Attempts: attempts, Err: cause}
	d.logger.ErrorContext(ctx, "sync failed", "request_id", req.ID, "target", target, "attempts", attempts, "error", cause)

	if err := d.requests.RecordSync(ctx, req.ID, signing.SyncResult{Target: target, Attempts: attempts, Err: cause}); err != nil {
		d.logger.ErrorContext(ctx, "could not record sync failure", "request_id", req.ID, "error", err)
	}
	if d.notifier != nil {
		alert := fmt.Sprintf("Sync to %s failed for %s (case %s) after %d attempt(s): %v",
			target, req.ClientName, req.ExternalCaseID, attempts, cause)
		if err := d.notifier.Notify(ctx, alert); err != nil {
			d.logger.WarnContext(ctx, "could not send failure alert", "request_id", req.ID, "error", err)
		}
	}
	return serr
}

// syncedRemote returns the remote path of an earlier successful sync to
// target, so redelivered messages do not upload twice.
func syncedRemote(req signing.Request, target string) string {
	for i := len(req.AuditLog) - 1; i >= 0; i-- {
		e := req.AuditLog[i]
		if e.Event != signing.EventSyncSucceeded {
			continue
		}
		ev, err := e.Decode()
		if err != nil {
			continue
		}
		if s, ok := ev.(signing.SyncSucceeded); ok && s.Target == target {
			return s.Remote
		}
	}
	return ""
}

// firstSinkError returns the first error, preferring a transient one so the
// message is retried rather than buried.
func firstSinkError(errs []error) error {
	var sinkErr error
	for _, err := range errs {
		var se *SinkError
		if !errors.As(err, &se) {
			return err
		}
		if sinkErr == nil {
			sinkErr = err
		}
	}
	return sinkErr
}

func permanentErr(msg string) error { return errors.New("outbox: " + msg) }

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "no reason given"
	}
	return s
}
