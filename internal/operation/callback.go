package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// Callback reports a processed operation back into its request. File
// statuses are reconciled (Done for transferred files, Failed otherwise) and,
// for transfers, one RegisterReplica operation per target is inserted right
// before this operation. Nothing is written unless the request is Scheduled
// and waiting on this operation. A canceled operation ends Canceled instead
// of Finished. Calling it on a Finished or Canceled operation is a no-op.
func (o *Operation) Callback(ctx context.Context, env Env) error {
	if o.Status == StatusFinished || o.Status == StatusCanceled {
		return nil
	}
	if !o.IsTotallyProcessed() {
		return fmt.Errorf("operation %s is not processed yet", o.ID)
	}
	logger := env.Logger.With().
		Str("operation_id", o.ID.String()).
		Int64("request_id", o.RMSReqID).
		Logger()

	status, err := env.Store.GetRequestStatus(ctx, o.RMSReqID)
	if err != nil {
		return o.callbackFailed(env, fmt.Errorf("get request status: %w", err))
	}
	if status != rms.StatusScheduled {
		return o.reject(env, &NoScheduledOperationError{RequestID: o.RMSReqID, OperationID: o.RMSOpID, Status: status})
	}

	req, err := env.Store.GetRequest(ctx, o.RMSReqID)
	if err != nil {
		return o.callbackFailed(env, fmt.Errorf("get request: %w", err))
	}
	rmsOp, ok := req.Operation(o.RMSOpID)
	if !ok {
		return o.reject(env, &NoScheduledOperationError{
			RequestID: o.RMSReqID, OperationID: o.RMSOpID, Status: status,
			Message: "operation no longer in request",
		})
	}
	if cur := req.CurrentOperation(); cur != rmsOp {
		return o.reject(env, &NoScheduledOperationError{
			RequestID: o.RMSReqID, OperationID: o.RMSOpID, Status: status,
			Message: "request is waiting on another operation",
		})
	}

	o.reconcileFiles(rmsOp)

	if o.Kind == KindTransfer {
		regOps, err := o.registrationOperations(ctx, env)
		if err != nil {
			return o.callbackFailed(env, err)
		}
		for _, regOp := range regOps {
			if err := req.InsertBefore(regOp, rmsOp); err != nil {
				return o.callbackFailed(env, err)
			}
		}
	}

	if _, err := env.Store.PutRequest(ctx, req); err != nil {
		return o.callbackFailed(env, fmt.Errorf("put request: %w", err))
	}

	result := "applied"
	o.Status = StatusFinished
	o.LastUpdate = time.Now()
	o.Error = o.failureSummary()
	if o.CancelReason != "" {
		result = "canceled"
		o.Status = StatusCanceled
		o.Error = o.CancelReason
	}

	env.Audit.LogCallback(o.ID.String(), o.RMSReqID, result, o.Error)
	if env.Metrics != nil {
		env.Metrics.Callbacks.WithLabelValues(result).Inc()
	}
	logger.Info().Str("error", o.Error).Msg("Operation callback applied")
	return nil
}

// reconcileFiles sets the status of the request files from the transfer
// files. A request file is Done only if every one of its targets succeeded.
func (o *Operation) reconcileFiles(rmsOp *rms.Operation) {
	byRMSFile := make(map[int64][]*transfer.File)
	for _, f := range o.Files {
		byRMSFile[f.RMSFileID] = append(byRMSFile[f.RMSFileID], f)
	}

	for _, rf := range rmsOp.Files {
		files, ok := byRMSFile[rf.ID]
		if !ok {
			continue
		}
		rf.Status = rms.StatusDone
		rf.Error = ""
		for _, f := range files {
			if f.Attempt > rf.Attempt {
				rf.Attempt = f.Attempt
			}
			if !f.Status.IsSuccess() {
				rf.Status = rms.StatusFailed
				rf.Error = fmt.Sprintf("%s at %s: %s", f.Status, f.TargetSE, f.Error)
			}
		}
	}
}

// registrationOperations builds one RegisterReplica operation per target
// that received at least one file, sorted by target.
func (o *Operation) registrationOperations(ctx context.Context, env Env) ([]*rms.Operation, error) {
	byTarget := make(map[string][]*transfer.File)
	for _, f := range o.Files {
		if f.Status.IsSuccess() {
			byTarget[f.TargetSE] = append(byTarget[f.TargetSE], f)
		}
	}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	var ops []*rms.Operation
	for _, target := range targets {
		regOp := &rms.Operation{
			Type:     rms.OpRegisterReplica,
			Status:   rms.StatusWaiting,
			TargetSE: []string{target},
			Catalog:  o.Catalog,
		}
		for _, f := range byTarget[target] {
			pfn, err := o.resolvePFN(ctx, env, target, f.LFN)
			if err != nil {
				return nil, err
			}
			regOp.Files = append(regOp.Files, &rms.File{
				LFN:      f.LFN,
				PFN:      pfn,
				Checksum: f.Checksum,
				Size:     f.Size,
				Status:   rms.StatusWaiting,
			})
		}
		ops = append(ops, regOp)
	}
	return ops, nil
}

func (o *Operation) resolvePFN(ctx context.Context, env Env, se, lfn string) (string, error) {
	protocols := env.RegistrationProtocols
	if len(protocols) == 0 {
		protocols = []string{""}
	}
	var errs []error
	for _, p := range protocols {
		pfn, err := env.URLs.TransferURL(ctx, se, lfn, p)
		if err == nil {
			return pfn, nil
		}
		errs = append(errs, err)
	}
	return "", fmt.Errorf("resolve PFN of %s at %s: %w", lfn, se, errors.Join(errs...))
}

// failureSummary describes an operation in which no file succeeded.
func (o *Operation) failureSummary() string {
	counts := o.Counts()
	if counts[transfer.StatusFinished]+counts[transfer.StatusChecksumMatch] > 0 {
		return ""
	}
	return fmt.Sprintf("no file transferred: %d defunct, %d canceled, %d checksum mismatch",
		counts[transfer.StatusDefunct], counts[transfer.StatusCanceled], counts[transfer.StatusChecksumFail])
}

// reject handles a request that moved on without this operation.
func (o *Operation) reject(env Env, err *NoScheduledOperationError) error {
	o.Status = StatusFailed
	o.Error = err.Error()
	o.LastUpdate = time.Now()

	env.Audit.LogCallback(o.ID.String(), o.RMSReqID, "rejected", err.Error())
	if env.Metrics != nil {
		env.Metrics.Callbacks.WithLabelValues("rejected").Inc()
	}
	env.Logger.Error().Err(err).Str("operation_id", o.ID.String()).Msg("Operation callback rejected")
	return err
}

// callbackFailed records a retryable callback failure. The operation stays
// Processed so the callback runs again next cycle.
func (o *Operation) callbackFailed(env Env, err error) error {
	o.Error = err.Error()
	if env.Metrics != nil {
		env.Metrics.Callbacks.WithLabelValues("error").Inc()
	}
	return err
}
