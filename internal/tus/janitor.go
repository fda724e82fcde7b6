package tus

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Janitor garbage-collects expired uploads: abandoned staged uploads are
// removed outright, and complete uploads whose finalization never ran are
// retried once before expiry cleanup takes them.
type Janitor struct {
	manager  *Manager
	interval time.Duration
}

// NewJanitor creates a janitor sweeping on the given interval.
func NewJanitor(m *Manager, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{manager: m, interval: interval}
}

// Start runs the janitor until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("upload janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("upload janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep.
func (j *Janitor) runCycle(ctx context.Context) {
	sysCtx := store.WithUserContext(ctx, store.UserContext{RoleLevel: models.RoleLevelAdmin})

	// retry stuck finalizations first: complete but never promoted
	stuck, err := j.manager.store.ListExpiredUploads(sysCtx, time.Now().Add(j.manager.cfg.UploadTTL), []models.UploadStatus{
		models.UploadAssembled, models.UploadPromoted,
	})
	if err != nil {
		log.Warn().Err(err).Msg("janitor: list stuck uploads failed")
	} else {
		for _, up := range stuck {
			if up.Offset == up.Size {
				if err := j.manager.Finalize(sysCtx, up.UploadID); err != nil {
					log.Warn().Err(err).Str("upload_id", up.UploadID).Msg("janitor: finalize retry failed")
				}
			}
		}
	}

	expired, err := j.manager.store.ListExpiredUploads(sysCtx, time.Now(), []models.UploadStatus{
		models.UploadCreated, models.UploadInProgress, models.UploadFailed,
	})
	if err != nil {
		log.Warn().Err(err).Msg("janitor: list expired uploads failed")
		return
	}

	removed := 0
	for _, up := range expired {
		if up.LocalPath != "" {
			if err := os.Remove(up.LocalPath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("upload_id", up.UploadID).Msg("janitor: remove staging file failed")
				continue
			}
		}
		if err := j.manager.store.DeleteUpload(sysCtx, up.UploadID); err != nil {
			log.Warn().Err(err).Str("upload_id", up.UploadID).Msg("janitor: delete upload failed")
			continue
		}
		j.manager.dropLock(up.UploadID)
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("upload janitor cycle complete")
	}
}
