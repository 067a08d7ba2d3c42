package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/aisearch"
	"github.com/loreforge/loreforge/internal/model"
)

// extractionPrompt asks the AI-search service for structured campaign
// content in the closed vocabulary.
const extractionPrompt = `Extract every game element from the indexed documents as structured JSON.
Return one object whose top-level keys are content types (monster, npc, spell, item, location, faction, ...),
each an array of items. Every item needs a "name"; include "relationships" as
[{"type", "target", "strength"}] where applicable. Finish with a "meta" object.`

// Notifier publishes payloads into a user's notification stream.
type Notifier interface {
	Publish(ctx context.Context, userID string, p model.NotificationPayload) error
}

// Recorder appends world-state changelog entries.
type Recorder interface {
	Record(ctx context.Context, campaignID uuid.UUID, sessionID *uuid.UUID, payload model.ChangelogPayload) (model.ChangelogEntry, error)
}

// Searcher is the AI-search call the worker depends on.
type Searcher interface {
	ChunkedSearch(ctx context.Context, prompt, folder string, onChunk func(int, *aisearch.Structured)) ([]*aisearch.Structured, error)
}

// WorkerStore is the relational surface the worker needs.
type WorkerStore interface {
	ProjectorStore
	GetCampaignByID(ctx context.Context, id uuid.UUID) (model.Campaign, error)
	GetResource(ctx context.Context, campaignID, id uuid.UUID) (model.CampaignResource, error)
	UpdateResourceStatus(ctx context.Context, campaignID, id uuid.UUID, status model.FileStatus) error
	InsertShards(ctx context.Context, shards []model.Shard) (int, error)
}

// Worker runs one extraction task end to end.
type Worker struct {
	store    WorkerStore
	search   Searcher
	recorder Recorder
	notifier Notifier
	logger   *slog.Logger
}

// NewWorker wires a worker.
func NewWorker(store WorkerStore, search Searcher, recorder Recorder, notifier Notifier, logger *slog.Logger) *Worker {
	return &Worker{store: store, search: search, recorder: recorder, notifier: notifier, logger: logger}
}

// Process executes the pipeline for one task: resolve the campaign's RAG
// folder, run the chunked search, build and persist shards, project them
// into the graph and record a changelog entry. Lifecycle notifications fire
// at every step; errors bubble up classified for the queue's retry policy.
func (w *Worker) Process(ctx context.Context, task Task) error {
	campaign, err := w.store.GetCampaignByID(ctx, task.CampaignID)
	if err != nil {
		return err // not-found classifies permanent
	}
	if campaign.RagBasePath == "" {
		return &aisearch.CallError{Kind: aisearch.KindPermanent,
			Message: "campaign has no rag base path"}
	}
	if _, err := w.store.GetResource(ctx, task.CampaignID, task.ResourceID); err != nil {
		return err
	}

	_ = w.store.UpdateResourceStatus(ctx, task.CampaignID, task.ResourceID, model.FileIndexing)
	w.notify(ctx, task.UserID, model.NotificationPayload{
		Type:    model.NotifyIndexingStarted,
		Title:   "Indexing started",
		Message: fmt.Sprintf("Extracting entities from %s", task.ResourceName),
		Data:    map[string]any{"campaignId": task.CampaignID, "resourceId": task.ResourceID},
	})

	folder := campaign.RagBasePath + task.FileKey
	totalShards := 0
	chunks, err := w.search.ChunkedSearch(ctx, extractionPrompt, folder, func(n int, s *aisearch.Structured) {
		w.notify(ctx, task.UserID, model.NotificationPayload{
			Type:    model.NotifyShardsGenerated,
			Title:   fmt.Sprintf("Shards discovered (chunk %d)", n),
			Message: fmt.Sprintf("%d items found in %s", s.Total(), task.ResourceName),
			Data:    map[string]any{"chunk": n, "count": s.Total(), "resourceId": task.ResourceID},
		})
	})
	if err != nil {
		return err
	}

	batch := BuildShards(task.CampaignID, task.ResourceID, task.ResourceName, chunks)
	for _, reason := range batch.Rejected {
		w.diagnostic(ctx, task, "shard rejected: "+reason)
	}

	if len(batch.Shards) == 0 {
		_ = w.store.UpdateResourceStatus(ctx, task.CampaignID, task.ResourceID, model.FileCompleted)
		w.notify(ctx, task.UserID, model.NotificationPayload{
			Type:    model.NotifyShardsGenerated,
			Title:   "No shards found",
			Message: fmt.Sprintf("No structured content extracted from %s", task.ResourceName),
			Data:    map[string]any{"count": 0, "resourceId": task.ResourceID},
		})
		w.diagnostic(ctx, task, "no parseable results from ai search")
		return nil
	}

	inserted, err := w.store.InsertShards(ctx, batch.Shards)
	if err != nil {
		return err
	}
	totalShards += inserted

	projection, err := Project(ctx, w.store, task.CampaignID, batch.Shards)
	if err != nil {
		return err
	}
	for _, d := range projection.Diagnostics {
		w.diagnostic(ctx, task, d)
	}

	if projection.Changed() {
		payload := model.ChangelogPayload{
			Timestamp:           time.Now().UnixMilli(),
			EntityUpdates:       orEmptyE(projection.EntityUpdates),
			RelationshipUpdates: orEmptyR(projection.RelationshipUpdates),
			NewEntities:         orEmptyN(projection.NewEntities),
		}
		if _, err := w.recorder.Record(ctx, task.CampaignID, nil, payload); err != nil {
			return err
		}
	}

	_ = w.store.UpdateResourceStatus(ctx, task.CampaignID, task.ResourceID, model.FileCompleted)
	w.notify(ctx, task.UserID, model.NotificationPayload{
		Type:  model.NotifyIndexingCompleted,
		Title: "Indexing completed",
		Message: fmt.Sprintf("%d shards, %d new entities extracted from %s",
			totalShards, len(projection.NewEntities), task.ResourceName),
		Data: map[string]any{
			"campaignId":    task.CampaignID,
			"resourceId":    task.ResourceID,
			"shards":        totalShards,
			"newEntities":   len(projection.NewEntities),
			"relationships": len(projection.RelationshipUpdates),
		},
	})
	return nil
}

// Fail marks the resource failed and notifies after retries are exhausted.
func (w *Worker) Fail(ctx context.Context, task Task, cause error) {
	_ = w.store.UpdateResourceStatus(ctx, task.CampaignID, task.ResourceID, model.FileFailed)
	msg := "extraction failed"
	if cause != nil {
		msg = cause.Error()
	}
	w.notify(ctx, task.UserID, model.NotificationPayload{
		Type:    model.NotifyIndexingFailed,
		Title:   "Indexing failed",
		Message: fmt.Sprintf("Could not extract entities from %s: %s", task.ResourceName, msg),
		Data:    map[string]any{"campaignId": task.CampaignID, "resourceId": task.ResourceID},
	})
}

// diagnostic emits a hidden notification the UI never lists.
func (w *Worker) diagnostic(ctx context.Context, task Task, msg string) {
	w.notify(ctx, task.UserID, model.NotificationPayload{
		Type:    model.NotifyError,
		Title:   "Extraction diagnostic",
		Message: msg,
		Data:    map[string]any{"hidden": true, "resourceId": task.ResourceID},
	})
}

func (w *Worker) notify(ctx context.Context, userID string, p model.NotificationPayload) {
	if err := w.notifier.Publish(ctx, userID, p); err != nil {
		w.logger.Error("publish notification",
			slog.String("type", string(p.Type)),
			slog.String("error", err.Error()))
	}
}

func orEmptyE(v []model.EntityUpdate) []model.EntityUpdate {
	if v == nil {
		return []model.EntityUpdate{}
	}
	return v
}

func orEmptyR(v []model.RelationshipUpdate) []model.RelationshipUpdate {
	if v == nil {
		return []model.RelationshipUpdate{}
	}
	return v
}

func orEmptyN(v []model.NewEntity) []model.NewEntity {
	if v == nil {
		return []model.NewEntity{}
	}
	return v
}
