package dispatcher

import (
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

// failover reclaims every job in flight on a dead session. Each job is
// rebound to another healthy session immediately, skipping the rate
// limiter, or re-queued at the head of its lane when no session can
// take it. Rebinding burns no attempt: a dead worker is not the job's
// fault.
func (d *Dispatcher) failover(extensionID string) {
	// Clear pending state for the dead session's assignments first so
	// their timeout timers cannot race the rebind.
	for jobID, entry := range d.pending {
		if entry.extensionID == extensionID {
			entry.timer.Stop()
			delete(d.pending, jobID)
		}
	}

	detached := d.store.DetachInFlight(extensionID)
	if len(detached) == 0 {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"extension_id": extensionID,
		"jobs":         len(detached),
	}).Warn("Session lost, failing over in-flight jobs")

	for _, job := range detached {
		d.mutex.Lock()
		d.stats.Failovers++
		d.mutex.Unlock()

		decision, ok := d.router.Select(job)
		if !ok {
			if err := d.store.RequeueHead(job.ID); err != nil {
				d.logger.WithField("job_id", job.ID).WithError(err).Error("Failed to requeue orphaned job")
				continue
			}
			metrics.FailoversTotal.WithLabelValues("requeued").Inc()
			continue
		}

		if err := d.rebind(job, decision); err != nil {
			// The target died during rebind; its own removal hook will
			// pick the job up again.
			continue
		}
		metrics.FailoversTotal.WithLabelValues("rebound").Inc()
	}
}

// rebind assigns a detached job to a new session without counting a
// fresh attempt.
func (d *Dispatcher) rebind(job types.Job, decision Decision) error {
	bound, err := d.store.Reassign(job.ID, decision.ExtensionID)
	if err != nil {
		return err
	}

	d.registry.RecordDispatch(decision.ExtensionID)

	frame := types.GenerateImageFrame{
		Type:          types.FrameGenerateImage,
		RequestID:     bound.ID,
		URL:           bound.Payload.URL,
		Headers:       bound.Payload.Headers,
		Prompt:        bound.Payload.Prompt,
		Model:         bound.Payload.Model,
		Parameters:    bound.Payload.Metadata,
		UserID:        bound.Payload.UserID,
		AddonID:       bound.Payload.AddonID,
		CorrelationID: bound.CorrelationID,
		Timestamp:     d.clock.Now().UnixMilli(),
	}
	if err := d.registry.Send(decision.ExtensionID, types.FrameGenerateImage, frame); err != nil {
		return err
	}

	jobID := bound.ID
	extID := decision.ExtensionID
	d.pending[jobID] = &pendingEntry{
		extensionID:  extID,
		dispatchedAt: d.clock.Now(),
		timer: time.AfterFunc(d.config.ProcessingTimeout, func() {
			d.InjectResult(Result{Kind: KindTimeout, JobID: jobID, ExtensionID: extID})
		}),
	}

	d.logger.WithFields(logrus.Fields{
		"job_id":       jobID,
		"extension_id": extID,
		"retry_count":  bound.RetryCount,
	}).Info("Job rebound after session loss")
	return nil
}
