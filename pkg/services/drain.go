package services

import (
	"context"
	"errors"
	"time"

	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/remote"
	"github.com/retailpoint/storesync/pkg/syncinfo"
)

// DrainReport summarizes one replay pass over the pending queue.
type DrainReport struct {
	Confirmed int // operations the remote service acknowledged
	Failed    int // operations rejected and left queued
	Skipped   int // operations not attempted (blocked table or lost connectivity)
}

// DrainQueue replays pending operations strictly in enqueue order, per
// table. It no-ops when offline or when a drain is already running. A
// failing operation blocks later operations on the same table in this pass
// but unrelated tables continue. Losing connectivity mid-pass lets the
// in-flight call finish and skips the rest until the next online transition.
func (s *Service) DrainQueue(ctx context.Context) (DrainReport, error) {
	if !s.monitor.Online() {
		return DrainReport{}, nil
	}

	s.drainMu.Lock()
	if s.draining {
		s.drainMu.Unlock()
		return DrainReport{}, nil
	}
	s.draining = true
	s.drainMu.Unlock()
	defer func() {
		s.drainMu.Lock()
		s.draining = false
		s.drainMu.Unlock()
	}()

	ops, err := s.keeper.ListOrdered(ctx)
	if err != nil {
		return DrainReport{}, err
	}
	if len(ops) == 0 {
		return DrainReport{}, nil
	}

	var report DrainReport
	blocked := make(map[string]bool)
	// Server-assigned keys of placeholder rows confirmed earlier in this
	// pass. The queued rows were rewritten durably; the copies already
	// loaded here still carry the placeholder.
	renamed := make(map[string]string)

	for i, op := range ops {
		if !s.monitor.Online() {
			report.Skipped += len(ops) - i
			break
		}
		if blocked[op.Table] {
			report.Skipped++
			continue
		}
		if key := models.KeyString(op.Payload["id"]); models.IsTempKey(key) {
			if real, ok := renamed[op.Table+"\x00"+key]; ok {
				op.Payload["id"] = real
			}
		}

		rename, err := s.replay(ctx, op)
		switch {
		case err == nil:
			if rename != nil {
				renamed[op.Table+"\x00"+rename.temp] = rename.real
			}
			report.Confirmed++
		case errors.Is(err, remote.ErrNetworkUnavailable):
			// Connectivity, not rejection: the operation stays queued and
			// the rest of the pass is abandoned.
			s.monitor.Set(false)
			s.log.Warnf("drain interrupted by connectivity loss at op %d (%s %s): %v",
				op.ID, op.Action, op.Table, err)
			report.Skipped += len(ops) - i
			return report, nil
		default:
			report.Failed++
			blocked[op.Table] = true
			s.log.Errorf("failed to sync op %d (%s %s), leaving queued: %v",
				op.ID, op.Action, op.Table, err)
		}
	}

	if report.Failed == 0 && report.Skipped == 0 && s.syncMgr != nil {
		if err := s.syncMgr.Update(syncinfo.SyncInfo{LastSync: time.Now().UTC(), Drained: report.Confirmed}); err != nil {
			s.log.Warnf("failed to record last sync time: %v", err)
		}
	}
	if report.Failed > 0 {
		s.notify("Some offline changes could not be synced and will be retried.")
	}
	return report, nil
}

// keyRename records a placeholder key confirmed as a server-assigned one.
type keyRename struct {
	temp string
	real string
}

// replay applies one queued operation remotely and reconciles the cache. A
// confirmed insert of a placeholder row reports the key rename.
func (s *Service) replay(ctx context.Context, op models.PendingOperation) (*keyRename, error) {
	lock := s.lockTable(op.Table)
	lock.Lock()
	defer lock.Unlock()

	key := models.KeyString(op.Payload["id"])

	callCtx, cancel := s.remoteCtx(ctx)
	defer cancel()

	switch op.Action {
	case models.ActionInsert:
		row := op.Payload
		tempKey := ""
		if models.IsTempKey(key) {
			tempKey = key
			row = withoutKey(op.Payload)
		}
		authoritative, err := s.remote.Insert(callCtx, op.Table, row)
		if err != nil {
			return nil, err
		}
		realKey := models.KeyString(authoritative["id"])
		s.cacheWrite(func() error {
			return s.keeper.UpsertRecord(ctx, models.Record{Table: op.Table, Key: realKey, Fields: authoritative})
		})
		var rename *keyRename
		if tempKey != "" {
			// The placeholder row and every queued reference to it are
			// rewritten to the server-assigned key.
			s.cacheWrite(func() error { return s.keeper.DeleteRecord(ctx, op.Table, tempKey) })
			if err := s.keeper.RewriteQueuedKey(ctx, op.Table, tempKey, realKey); err != nil {
				return nil, err
			}
			rename = &keyRename{temp: tempKey, real: realKey}
		}
		return rename, s.keeper.Remove(ctx, op.ID)

	case models.ActionUpdate:
		if models.IsTempKey(key) {
			// The insert that creates this row has not been confirmed.
			// Per-table ordering makes this unreachable unless the queue was
			// tampered with; refuse rather than create a phantom row.
			return nil, errors.New("update targets an unconfirmed placeholder key")
		}
		authoritative, err := s.remote.Update(callCtx, op.Table, key, withoutKey(op.Payload))
		if err != nil {
			return nil, err
		}
		s.cacheWrite(func() error {
			return s.keeper.UpsertRecord(ctx, models.Record{
				Table: op.Table, Key: models.KeyString(authoritative["id"]), Fields: authoritative,
			})
		})
		return nil, s.keeper.Remove(ctx, op.ID)

	case models.ActionDelete:
		if models.IsTempKey(key) {
			return nil, errors.New("delete targets an unconfirmed placeholder key")
		}
		if err := s.remote.Delete(callCtx, op.Table, key); err != nil {
			return nil, err
		}
		s.cacheWrite(func() error { return s.keeper.DeleteRecord(ctx, op.Table, key) })
		return nil, s.keeper.Remove(ctx, op.ID)
	}
	return nil, errors.New("unknown queued action " + string(op.Action))
}

// ReportAbandoned surfaces a request the network edge gave up on after the
// retention window. The entry is gone from the outbox; the user has to act.
func (s *Service) ReportAbandoned(entry models.OutboxEntry) {
	s.log.Errorf("abandoned outbox request %s %s after retention window (last error: %s)",
		entry.Method, entry.URL, entry.LastError)
	s.notify("A change saved offline could not be delivered and was dropped. Please re-enter it.")
}
