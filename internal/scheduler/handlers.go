package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/ingest"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Built-in task types.
const (
	TaskHeartbeat = "heartbeat"
	TaskDigest    = "digest"
	TaskFileSync  = "file_sync"
)

// RegisterBuiltins wires the built-in task handlers.
func RegisterBuiltins(s *Scheduler, st store.Store, pipeline *ingest.Pipeline, syncProviders map[string]SyncProvider, version string) {
	s.RegisterHandler(TaskHeartbeat, heartbeatHandler(st, version))
	s.RegisterHandler(TaskDigest, digestHandler(st))
	s.RegisterHandler(TaskFileSync, fileSyncHandler(pipeline, syncProviders))
}

// heartbeatHandler stamps the running pod's identity into the schedule row
// itself, so operators can confirm the scheduler is alive from the data
// plane alone.
func heartbeatHandler(st store.Store, version string) Handler {
	return func(ctx context.Context, sched models.Schedule) error {
		hostname, _ := os.Hostname()
		if sched.Spec == nil {
			sched.Spec = map[string]any{}
		}
		sched.Spec["pod_info"] = map[string]any{
			"hostname": hostname,
			"version":  version,
			"seen_at":  time.Now().UTC().Format(time.RFC3339),
		}
		return st.UpsertSchedule(ctx, &sched)
	}
}

// digestHandler summarizes the owner's recent activity into a memory. The
// digest is a plain rollup of recent AI turns; no model call is involved.
func digestHandler(st store.Store) Handler {
	return func(ctx context.Context, sched models.Schedule) error {
		if sched.UserID == nil {
			return fmt.Errorf("digest schedule %s has no owner", sched.Name)
		}

		since := time.Now().Add(-24 * time.Hour)
		rows, err := st.ListAIResponses(ctx, store.AuditFilter{
			UserID: sched.UserID,
			Since:  &since,
			Limit:  50,
		})
		if err != nil {
			return fmt.Errorf("list recent turns: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		var b strings.Builder
		sessions := map[string]bool{}
		for _, r := range rows {
			sessions[r.SessionID] = true
			if r.Content != "" {
				b.WriteString("- ")
				b.WriteString(truncate(r.Content, 200))
				b.WriteString("\n")
			}
		}

		now := time.Now().UTC()
		return st.UpsertMemory(ctx, &models.Memory{
			ID:        uuid.New(),
			UserID:    *sched.UserID,
			Name:      fmt.Sprintf("digest_%s", now.Format("20060102")),
			Category:  models.DefaultMemoryCategory,
			Content:   b.String(),
			Summary:   fmt.Sprintf("%d turns across %d sessions in the last day", len(rows), len(sessions)),
			Metadata:  map[string]any{"schedule": sched.Name},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
}

// SyncProvider lists and fetches remote files for the file_sync task.
type SyncProvider interface {
	// List returns the URIs under the configured remote root.
	List(ctx context.Context, root string) ([]string, error)

	// Fetch returns the content of one remote file.
	Fetch(ctx context.Context, uri string) (string, error)
}

// fileSyncHandler pulls remote files through the ingest pipeline. The
// schedule spec selects the provider ("provider") and remote root ("root").
func fileSyncHandler(pipeline *ingest.Pipeline, providers map[string]SyncProvider) Handler {
	return func(ctx context.Context, sched models.Schedule) error {
		providerName, _ := sched.Spec["provider"].(string)
		root, _ := sched.Spec["root"].(string)
		provider, ok := providers[providerName]
		if !ok {
			return fmt.Errorf("unknown sync provider %q", providerName)
		}

		uris, err := provider.List(ctx, root)
		if err != nil {
			return fmt.Errorf("list %s: %w", root, err)
		}

		synced := 0
		for _, uri := range uris {
			content, err := provider.Fetch(ctx, uri)
			if err != nil {
				log.Warn().Err(err).Str("uri", uri).Msg("file sync fetch failed")
				continue
			}
			if _, err := pipeline.Ingest(ctx, ingest.Document{
				URI:      uri,
				Name:     uri,
				Content:  content,
				Category: "file_sync",
				UserID:   sched.UserID,
				Metadata: map[string]any{"schedule": sched.Name},
			}); err != nil {
				log.Warn().Err(err).Str("uri", uri).Msg("file sync ingest failed")
				continue
			}
			synced++
		}
		log.Info().Str("schedule", sched.Name).Int("synced", synced).Int("total", len(uris)).Msg("file sync complete")
		return nil
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
