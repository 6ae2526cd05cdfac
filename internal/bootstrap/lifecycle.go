package bootstrap

import (
	"context"
	"time"

	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

// Lifecycle manages graceful startup and shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 60 * time.Second,
	}
}

// Shutdown performs coordinated cleanup in the correct order:
// 1. No new requests accepted
// 2. The tick loop and collectors finish cleanly
// 3. Mark price stream disconnects
// 4. Buffered training samples drain into the learners
// 5. Learner states checkpoint to disk
// 6. Error tracker flushes, logs sync
// 7. Persistence closes last
func (l *Lifecycle) Shutdown(c *Container) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	log := c.Log

	log.Info("[1/7] Stopping HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
	if err := c.HTTPServer.Shutdown(httpCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	httpCancel()

	log.Info("[2/7] Stopping background workers...")
	if err := c.Scheduler.Stop(); err != nil {
		log.Error("Workers shutdown failed", "error", err)
	} else {
		log.Info("✓ Workers stopped")
	}

	log.Info("[3/7] Disconnecting mark price stream...")
	if c.WSStream != nil {
		if err := c.WSStream.Disconnect(); err != nil {
			log.Error("Stream disconnect failed", "error", err)
		} else {
			log.Info("✓ Stream disconnected")
		}
	}

	log.Info("[4/7] Draining training samples...")
	for c.Feedback.Drain() > 0 {
	}
	log.Info("✓ Sample buffer drained")

	log.Info("[5/7] Checkpointing learner states...")
	l.saveLearnerStates(c, log)

	log.Info("[6/7] Flushing error tracker and logs...")
	l.flushErrorTracker(c.ErrorTracker, shutdownCtx, log)
	if err := logger.Sync(); err != nil {
		log.Warn("Log sync completed with warnings")
	}

	log.Info("[7/7] Closing persistence...")
	if err := c.Store.Close(); err != nil {
		log.Error("Persistence close failed", "error", err)
	} else {
		log.Info("✓ Persistence closed")
	}

	log.Info("✅ Graceful shutdown complete")
}

func (l *Lifecycle) saveLearnerStates(c *Container, log *logger.Logger) {
	states, err := c.Ensemble.StateSnapshot()
	if err != nil {
		log.Error("Learner state snapshot failed", "error", err)
		return
	}
	if err := c.Store.SaveModelStates(c.Ensemble.SchemaID(), states); err != nil {
		log.Error("Learner state checkpoint failed", "error", err)
		return
	}
	log.Info("✓ Learner states checkpointed", "models", len(states))
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(tracker errors.Tracker, ctx context.Context, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Error("Error tracker flush failed", "error", err)
	} else {
		log.Info("✓ Error tracker flushed")
	}
}
