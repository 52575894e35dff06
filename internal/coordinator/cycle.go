package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/queue"
	"github.com/agentworkforce/nexussync/internal/syncstate"
)

type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration

	Pushed            int
	Accepted          int
	Conflicts         int
	RejectedDeletions int
	Dropped           int
	Requeued          int
	UploadsSettled    int
	UploadsFailed     int

	Pulled          int
	Pages           int
	Downloaded      int
	DownloadsFailed int
	Cursor          int64
}

// RunCycle pushes then pulls. Cycles never overlap; a caller waits for the
// running one or gives up when ctx ends.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: c.opts.Now()}
	if err := c.acquire(ctx); err != nil {
		return report, err
	}
	defer c.release()

	pushErr := c.pushPhase(ctx, &report)
	if pushErr != nil && !pullsAfterPushError(pushErr) {
		report.Duration = c.opts.Now().Sub(report.StartedAt)
		return report, pushErr
	}
	pullErr := c.pullPhase(ctx, &report)
	report.Duration = c.opts.Now().Sub(report.StartedAt)
	if err := errors.Join(pushErr, pullErr); err != nil {
		return report, err
	}
	if err := c.deps.State.RecordSync(c.deps.Queue.Len()); err != nil {
		return report, err
	}
	return report, nil
}

// A rejected batch says nothing about the pull path; transport and auth
// failures would fail the pull the same way.
func pullsAfterPushError(err error) bool {
	return errors.Is(err, errs.ErrServer) || errors.Is(err, errs.ErrDecode)
}

func (c *Coordinator) pushPhase(ctx context.Context, report *CycleReport) error {
	c.collect(ctx)

	batch, err := c.deps.Queue.DequeueAll()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	report.Pushed = len(batch)

	req := nexus.PushRequest{Changes: make([]nexus.PushChange, 0, len(batch))}
	byEntity := make(map[string]queue.QueuedChange, len(batch))
	for _, qc := range batch {
		byEntity[qc.EntityID] = qc
		change := qc.PushChange()
		if c.deps.Describer != nil && qc.Operation != nexus.OperationDelete {
			refs, err := c.deps.Describer.Describe(qc.EntityID)
			if err != nil {
				c.log.Warn("failed to describe attachments", zap.String("entity_id", qc.EntityID), zap.Error(err))
			} else if len(refs) > 0 {
				change.Attachments = refs
			}
		}
		req.Changes = append(req.Changes, change)
	}

	resp, err := c.deps.Client.Push(ctx, req)
	if err != nil {
		if rqErr := c.deps.Queue.Requeue(batch); rqErr != nil {
			return errors.Join(err, fmt.Errorf("requeue after failed push: %w", rqErr))
		}
		report.Requeued = len(batch)
		return err
	}

	retry := c.settlePush(ctx, resp, byEntity, report)

	if c.deps.Uploader != nil && len(resp.PendingUploads) > 0 {
		for _, outcome := range c.deps.Uploader.UploadPending(ctx, resp.PendingUploads) {
			if outcome.Settled() {
				report.UploadsSettled++
				continue
			}
			report.UploadsFailed++
			if _, ok := byEntity[outcome.EntityID]; ok {
				retry[outcome.EntityID] = struct{}{}
			}
		}
	}

	requeue := make([]queue.QueuedChange, 0, len(retry))
	for _, qc := range batch {
		if _, ok := retry[qc.EntityID]; ok {
			requeue = append(requeue, qc)
		}
	}
	if err := c.deps.Queue.Requeue(requeue); err != nil {
		return fmt.Errorf("requeue unsettled changes: %w", err)
	}
	report.Requeued = len(requeue)
	return c.deps.State.RecordPush(c.deps.Queue.Len())
}

// settlePush applies the server's verdict per entity and returns the entities
// that must be pushed again. Entities the response does not mention are retried.
func (c *Coordinator) settlePush(ctx context.Context, resp nexus.PushResponse, byEntity map[string]queue.QueuedChange, report *CycleReport) map[string]struct{} {
	settled := make(map[string]struct{}, len(byEntity))
	retry := map[string]struct{}{}

	for _, a := range resp.Accepted {
		settled[a.EntityID] = struct{}{}
		report.Accepted++
		if err := c.deps.Versions.Observe(a.EntityID, a.Version); err != nil {
			c.log.Warn("failed to record accepted version", zap.String("entity_id", a.EntityID), zap.Error(err))
		}
	}

	for _, conflict := range resp.Conflicts {
		settled[conflict.EntityID] = struct{}{}
		report.Conflicts++
		c.settleConflict(ctx, conflict, byEntity[conflict.EntityID])
	}

	for _, rd := range resp.RejectedDeletions {
		settled[rd.EntityID] = struct{}{}
		report.RejectedDeletions++
		c.log.Warn("server rejected deletion", zap.String("entity_id", rd.EntityID), zap.String("reason", rd.Reason))
	}

	for _, ce := range resp.Errors {
		if ce.Retryable {
			retry[ce.EntityID] = struct{}{}
			c.log.Info("server asked to retry change", zap.String("entity_id", ce.EntityID), zap.String("message", ce.Message))
			continue
		}
		settled[ce.EntityID] = struct{}{}
		report.Dropped++
		c.log.Error("server refused change", zap.String("entity_id", ce.EntityID), zap.String("message", ce.Message))
	}

	for entityID := range byEntity {
		if _, ok := settled[entityID]; !ok {
			retry[entityID] = struct{}{}
		}
	}
	return retry
}

func (c *Coordinator) settleConflict(ctx context.Context, conflict nexus.Conflict, local queue.QueuedChange) {
	entityType := conflict.EntityType
	if entityType == "" {
		entityType = local.EntityType
	}
	c.log.Info("sync conflict resolved by server",
		zap.String("entity_id", conflict.EntityID),
		zap.String("entity_type", entityType),
		zap.String("resolution", conflict.Resolution),
		zap.Int64("server_version", conflict.ServerVersion),
	)
	clientData := conflict.ClientData
	if clientData == nil {
		clientData = local.Data
	}
	if err := c.deps.State.AppendConflict(syncstate.ConflictEntry{
		EntityType: entityType,
		EntityID:   conflict.EntityID,
		Resolution: conflict.Resolution,
		ServerData: conflict.ServerData,
		ClientData: clientData,
	}); err != nil {
		c.log.Warn("failed to log conflict", zap.String("entity_id", conflict.EntityID), zap.Error(err))
	}

	if conflict.Resolution != nexus.ResolutionClientWins && conflict.ServerData != nil {
		resolved := nexus.PullChange{
			DataCategory: local.DataCategory,
			EntityType:   entityType,
			EntityID:     conflict.EntityID,
			PatientID:    local.PatientID,
			Operation:    nexus.OperationUpdate,
			Version:      conflict.ServerVersion,
			Data:         conflict.ServerData,
			Timestamp:    nexus.Timestamp{Time: c.opts.Now().UTC()},
		}
		if err := c.apply(ctx, resolved); err != nil {
			c.log.Error("failed to apply server resolution", zap.String("entity_id", conflict.EntityID), zap.Error(err))
		}
	}
	if conflict.ServerVersion > 0 {
		if err := c.deps.Versions.Observe(conflict.EntityID, conflict.ServerVersion); err != nil {
			c.log.Warn("failed to record server version", zap.String("entity_id", conflict.EntityID), zap.Error(err))
		}
	}
}

func (c *Coordinator) pullPhase(ctx context.Context, report *CycleReport) error {
	cursor := c.deps.State.LastPullVersion()
	report.Cursor = cursor
	for page := 0; page < c.opts.MaxPullPages; page++ {
		resp, err := c.deps.Client.Pull(ctx, cursor, c.opts.PullPageSize)
		if err != nil {
			return err
		}
		report.Pages++
		for _, change := range resp.Changes {
			if err := c.apply(ctx, change); err != nil {
				return fmt.Errorf("apply pulled change %s: %w", change.EntityID, err)
			}
			if err := c.deps.Versions.Observe(change.EntityID, change.Version); err != nil {
				c.log.Warn("failed to record pulled version", zap.String("entity_id", change.EntityID), zap.Error(err))
			}
			report.Pulled++
		}
		if c.deps.Downloader != nil {
			for _, outcome := range c.deps.Downloader.DownloadForChanges(ctx, resp.Changes) {
				if outcome.Err != nil {
					report.DownloadsFailed++
					continue
				}
				report.Downloaded++
			}
		}

		next, err := c.deps.State.AdvanceCursor(resp.Cursor())
		if err != nil {
			return err
		}
		c.log.Debug("pulled page",
			zap.Int64("since_version", cursor),
			zap.Int64("next_version", next),
			zap.Int("changes", len(resp.Changes)),
			zap.Bool("has_more", resp.HasMore),
		)
		report.Cursor = next
		if !resp.HasMore {
			return nil
		}
		if next <= cursor {
			return fmt.Errorf("%w: pull cursor did not advance past %d", errs.ErrDecode, cursor)
		}
		cursor = next
	}
	c.log.Info("pull page limit reached", zap.Int("max_pull_pages", c.opts.MaxPullPages), zap.Int64("next_version", cursor))
	return nil
}

func (c *Coordinator) apply(ctx context.Context, change nexus.PullChange) error {
	store := c.storeFor(change.DataCategory)
	if store == nil {
		c.log.Debug("no store bound for pulled change",
			zap.String("entity_id", change.EntityID),
			zap.String("data_category", change.DataCategory),
		)
		return nil
	}
	return store.Apply(ctx, change)
}

func (c *Coordinator) collect(ctx context.Context) {
	for _, col := range c.collectors() {
		changes, err := col.CollectPending(ctx)
		if err != nil {
			c.log.Warn("failed to collect pending changes", zap.Error(err))
			continue
		}
		for i := range changes {
			if changes[i].Version > 0 {
				continue
			}
			version, err := c.deps.Versions.Bump(changes[i].EntityID)
			if err != nil {
				c.log.Warn("failed to bump entity version", zap.String("entity_id", changes[i].EntityID), zap.Error(err))
				continue
			}
			changes[i].Version = version
		}
		if err := c.deps.Queue.EnqueueAll(changes); err != nil {
			c.log.Warn("failed to enqueue collected changes", zap.Error(err))
		}
	}
}
