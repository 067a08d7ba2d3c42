package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loreforge/loreforge/internal/graph"
	"github.com/loreforge/loreforge/internal/model"
)

// Notifier publishes payloads into a user's notification stream.
type Notifier interface {
	Publish(ctx context.Context, userID string, p model.NotificationPayload) error
}

// Store is the relational surface the orchestrator needs. *storage.DB
// satisfies it.
type Store interface {
	GetCampaignByID(ctx context.Context, id uuid.UUID) (model.Campaign, error)
	ImportanceByEntity(ctx context.Context, campaignID uuid.UUID) (map[string]model.EntityImportance, error)
	AppendChangelog(ctx context.Context, campaignID uuid.UUID, sessionID *uuid.UUID, payload model.ChangelogPayload, impactScore float64) (model.ChangelogEntry, error)
	UnappliedImpact(ctx context.Context, campaignID uuid.UUID) (float64, int, error)
	ListUnappliedChangelog(ctx context.Context, campaignID uuid.UUID) ([]model.ChangelogEntry, error)
	MarkChangelogApplied(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) error
	CreateRebuildStatus(ctx context.Context, campaignID uuid.UUID, rebuildType model.RebuildType, metadata map[string]any) (model.RebuildStatus, error)
	TransitionRebuild(ctx context.Context, id uuid.UUID, state model.RebuildState, errMsg *string) error
	ListCommunities(ctx context.Context, campaignID uuid.UUID) ([]model.Community, error)
	ReplaceCommunities(ctx context.Context, campaignID uuid.UUID, communities []model.Community) error
	CountCommunities(ctx context.Context, campaignID uuid.UUID) (int, error)
	UpsertEntityImportance(ctx context.Context, scores []model.EntityImportance) error
	RecordRebuildTelemetry(ctx context.Context, t model.RebuildTelemetry) error
	LastRebuildTelemetry(ctx context.Context, campaignID uuid.UUID) (model.RebuildTelemetry, error)
}

// Summarizer regenerates community summaries. Runs detached from the
// rebuild result.
type Summarizer interface {
	SummarizeCampaign(ctx context.Context, campaignID uuid.UUID) error
}

// Config tunes the orchestrator.
type Config struct {
	ImpactThreshold  float64
	PartialCutoff    int // distinct affected entities at or below this run a partial rebuild
	QueueSize        int
	Leiden           graph.LeidenParams
	MinCommunitySize int
	MaxLevels        int
	SummariesEnabled bool
}

type job struct {
	statusID    uuid.UUID
	campaignID  uuid.UUID
	rebuildType model.RebuildType
	affected    []string
}

// Orchestrator owns the changelog write path and the rebuild queue.
type Orchestrator struct {
	db         Store
	loader     *graph.Loader
	notifier   Notifier
	summarizer Summarizer
	logger     *slog.Logger
	cfg        Config

	jobs    chan job
	mu      sync.Mutex
	pending map[uuid.UUID]bool // campaigns with a scheduled or running rebuild

	wg     sync.WaitGroup
	cancel context.CancelFunc

	backoff []time.Duration
}

// New wires an orchestrator. summarizer may be nil when summaries are
// disabled or no LLM is configured.
func New(db Store, loader *graph.Loader, notifier Notifier, summarizer Summarizer, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ImpactThreshold <= 0 {
		cfg.ImpactThreshold = 5.0
	}
	if cfg.PartialCutoff <= 0 {
		cfg.PartialCutoff = 25
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Leiden.Resolution == 0 {
		cfg.Leiden = graph.DefaultLeidenParams()
	}
	return &Orchestrator{
		db:         db,
		loader:     loader,
		notifier:   notifier,
		summarizer: summarizer,
		logger:     logger,
		cfg:        cfg,
		jobs:       make(chan job, cfg.QueueSize),
		pending:    map[uuid.UUID]bool{},
		backoff:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

// Start launches the rebuild worker.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-o.jobs:
				o.runJob(ctx, j)
			}
		}
	}()
}

// Drain stops the worker after in-flight rebuilds finish.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Record appends one changelog entry: IDs are normalized to the campaign
// scope, the payload shape is validated, the impact score computed and the
// entry persisted unapplied. When the accumulated unapplied impact crosses
// the threshold a rebuild is scheduled.
func (o *Orchestrator) Record(ctx context.Context, campaignID uuid.UUID, sessionID *uuid.UUID, payload model.ChangelogPayload) (model.ChangelogEntry, error) {
	payload = NormalizePayload(campaignID, payload)
	if err := payload.Validate(); err != nil {
		return model.ChangelogEntry{}, err
	}

	importance, err := o.db.ImportanceByEntity(ctx, campaignID)
	if err != nil {
		o.logger.Warn("importance lookup failed, using count fallback",
			slog.String("error", err.Error()))
		importance = nil
	}
	score := ScoreImpact(payload, importance)

	entry, err := o.db.AppendChangelog(ctx, campaignID, sessionID, payload, score)
	if err != nil {
		return model.ChangelogEntry{}, err
	}

	if err := o.maybeSchedule(ctx, campaignID); err != nil {
		o.logger.Error("rebuild scheduling failed",
			slog.String("campaign_id", campaignID.String()),
			slog.String("error", err.Error()))
	}
	return entry, nil
}

// Trigger schedules a rebuild regardless of accumulated impact. Used by the
// manual rebuild endpoint.
func (o *Orchestrator) Trigger(ctx context.Context, campaignID uuid.UUID, rebuildType model.RebuildType) (model.RebuildStatus, error) {
	entries, err := o.db.ListUnappliedChangelog(ctx, campaignID)
	if err != nil {
		return model.RebuildStatus{}, err
	}
	return o.schedule(ctx, campaignID, rebuildType, AffectedEntities(entries))
}

// maybeSchedule checks the accumulator against the threshold.
func (o *Orchestrator) maybeSchedule(ctx context.Context, campaignID uuid.UUID) error {
	sum, _, err := o.db.UnappliedImpact(ctx, campaignID)
	if err != nil {
		return err
	}
	if sum < o.cfg.ImpactThreshold {
		return nil
	}

	o.mu.Lock()
	busy := o.pending[campaignID]
	o.mu.Unlock()
	if busy {
		return nil
	}

	entries, err := o.db.ListUnappliedChangelog(ctx, campaignID)
	if err != nil {
		return err
	}
	affected := AffectedEntities(entries)
	rebuildType := model.RebuildFull
	if len(affected) > 0 && len(affected) <= o.cfg.PartialCutoff {
		rebuildType = model.RebuildPartial
	}
	_, err = o.schedule(ctx, campaignID, rebuildType, affected)
	return err
}

func (o *Orchestrator) schedule(ctx context.Context, campaignID uuid.UUID, rebuildType model.RebuildType, affected []string) (model.RebuildStatus, error) {
	status, err := o.db.CreateRebuildStatus(ctx, campaignID, rebuildType, map[string]any{
		"affected_entities": len(affected),
	})
	if err != nil {
		return model.RebuildStatus{}, err
	}

	o.mu.Lock()
	o.pending[campaignID] = true
	o.mu.Unlock()

	select {
	case o.jobs <- job{statusID: status.ID, campaignID: campaignID, rebuildType: rebuildType, affected: affected}:
		return status, nil
	default:
		o.mu.Lock()
		delete(o.pending, campaignID)
		o.mu.Unlock()
		msg := "rebuild queue full"
		_ = o.db.TransitionRebuild(ctx, status.ID, model.RebuildCancelled, &msg)
		return model.RebuildStatus{}, fmt.Errorf("rebuild: queue full")
	}
}

// runJob executes one rebuild with retry. After the last attempt the job is
// dead-lettered: status stays failed and the changelog stays unapplied.
func (o *Orchestrator) runJob(ctx context.Context, j job) {
	defer func() {
		o.mu.Lock()
		delete(o.pending, j.campaignID)
		o.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt < len(o.backoff); attempt++ {
		lastErr = o.execute(ctx, j)
		if lastErr == nil {
			return
		}
		o.logger.Error("rebuild attempt failed",
			slog.String("campaign_id", j.campaignID.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
		if attempt == len(o.backoff)-1 || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.backoff[attempt]):
		}
	}
	o.logger.Error("rebuild dead-lettered",
		slog.String("campaign_id", j.campaignID.String()),
		slog.String("rebuild_id", j.statusID.String()),
		slog.String("error", lastErr.Error()))
}

// execute runs the rebuild pipeline once.
func (o *Orchestrator) execute(ctx context.Context, j job) (err error) {
	started := time.Now()

	campaign, err := o.db.GetCampaignByID(ctx, j.campaignID)
	if err != nil {
		return err
	}
	ownerID := campaign.OwnerID

	if err := o.db.TransitionRebuild(ctx, j.statusID, model.RebuildInProgress, nil); err != nil {
		return err
	}
	o.notify(ctx, ownerID, model.NotificationPayload{
		Type:    model.NotifyRebuildStarted,
		Title:   "Graph rebuild started",
		Message: fmt.Sprintf("%s rebuild of %s", j.rebuildType, campaign.Name),
		Data:    map[string]any{"campaignId": j.campaignID, "rebuildType": j.rebuildType},
	})

	defer func() {
		if err != nil {
			msg := err.Error()
			_ = o.db.TransitionRebuild(ctx, j.statusID, model.RebuildFailed, &msg)
			o.notify(ctx, ownerID, model.NotificationPayload{
				Type:    model.NotifyRebuildFailed,
				Title:   "Graph rebuild failed",
				Message: msg,
				Data:    map[string]any{"campaignId": j.campaignID},
			})
		}
	}()

	// Snapshot the unapplied entries: only these are marked applied at the
	// end, so entries recorded mid-rebuild survive into the next run.
	entries, err := o.db.ListUnappliedChangelog(ctx, j.campaignID)
	if err != nil {
		return err
	}
	snapshot := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		snapshot[i] = e.ID
	}

	g, err := o.loader.Load(ctx, j.campaignID, true)
	if err != nil {
		return err
	}

	var clusters []graph.Cluster
	if j.rebuildType == model.RebuildPartial {
		clusters, err = o.partialDetect(ctx, j.campaignID, g, j.affected)
	} else {
		clusters = graph.BuildHierarchy(g, o.cfg.Leiden, o.cfg.MinCommunitySize, o.cfg.MaxLevels)
		err = o.storeClusters(ctx, j.campaignID, clusters)
	}
	if err != nil {
		return err
	}

	if o.cfg.SummariesEnabled && o.summarizer != nil {
		// Summaries never block or fail the rebuild.
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := o.summarizer.SummarizeCampaign(sctx, j.campaignID); err != nil {
				o.logger.Warn("community summarization failed",
					slog.String("campaign_id", j.campaignID.String()),
					slog.String("error", err.Error()))
			}
		}()
	}

	if err := o.recalculateImportance(ctx, j.campaignID, g, clusters); err != nil {
		return err
	}

	if err := o.db.MarkChangelogApplied(ctx, j.campaignID, snapshot); err != nil {
		return err
	}
	if err := o.db.TransitionRebuild(ctx, j.statusID, model.RebuildCompleted, nil); err != nil {
		return err
	}

	communityCount, err := o.db.CountCommunities(ctx, j.campaignID)
	if err != nil {
		communityCount = len(clusters)
	}
	telemetry := model.RebuildTelemetry{
		CampaignID:     j.campaignID,
		RebuildType:    j.rebuildType,
		DurationMs:     time.Since(started).Milliseconds(),
		CommunityCount: communityCount,
	}
	if last, err := o.db.LastRebuildTelemetry(ctx, j.campaignID); err == nil {
		since := time.Since(last.CreatedAt).Milliseconds()
		telemetry.SinceLastRebuildMs = &since
	}
	if err := o.db.RecordRebuildTelemetry(ctx, telemetry); err != nil {
		o.logger.Warn("record rebuild telemetry", slog.String("error", err.Error()))
	}

	o.notify(ctx, ownerID, model.NotificationPayload{
		Type:    model.NotifyRebuildCompleted,
		Title:   "Graph rebuild completed",
		Message: fmt.Sprintf("%d communities, %d changelog entries applied", communityCount, len(snapshot)),
		Data: map[string]any{
			"campaignId":  j.campaignID,
			"rebuildType": j.rebuildType,
			"durationMs":  telemetry.DurationMs,
			"communities": communityCount,
		},
	})
	return nil
}

// partialDetect removes the communities touching the affected entities and
// re-detects over the union of their members; untouched communities are
// preserved.
func (o *Orchestrator) partialDetect(ctx context.Context, campaignID uuid.UUID, g *graph.Graph, affected []string) ([]graph.Cluster, error) {
	existing, err := o.db.ListCommunities(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	affectedSet := map[string]bool{}
	for _, id := range affected {
		affectedSet[id] = true
	}

	// A community is stale when it contains an affected entity; descendants
	// of stale communities go with their parents.
	stale := map[string]bool{}
	for _, c := range existing {
		for _, id := range c.EntityIDs {
			if affectedSet[id] {
				stale[c.ID] = true
				break
			}
		}
	}
	changed := true
	for changed {
		changed = false
		for _, c := range existing {
			if !stale[c.ID] && c.ParentCommunityID != nil && stale[*c.ParentCommunityID] {
				stale[c.ID] = true
				changed = true
			}
		}
	}

	// Union of stale members plus affected entities present in the graph.
	memberSet := map[string]bool{}
	for _, c := range existing {
		if !stale[c.ID] {
			continue
		}
		for _, id := range c.EntityIDs {
			memberSet[id] = true
		}
	}
	for id := range affectedSet {
		memberSet[id] = true
	}
	var subIdx []int
	for id := range memberSet {
		if i := g.Index(id); i >= 0 {
			subIdx = append(subIdx, i)
		}
	}

	var clusters []graph.Cluster
	keptByID := map[string]int{}
	for _, c := range existing {
		if stale[c.ID] {
			continue
		}
		parent := -1
		if c.ParentCommunityID != nil {
			if idx, ok := keptByID[*c.ParentCommunityID]; ok {
				parent = idx
			}
		}
		keptByID[c.ID] = len(clusters)
		clusters = append(clusters, graph.Cluster{Level: c.Level, Parent: parent, Members: c.EntityIDs})
	}
	if len(subIdx) > 0 {
		sub := g.Subgraph(subIdx)
		clusters = append(clusters, graph.BuildHierarchyOffset(sub, o.cfg.Leiden, o.cfg.MinCommunitySize, o.cfg.MaxLevels, len(clusters))...)
	}

	if err := o.storeClusters(ctx, campaignID, clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// storeClusters materializes clusters as community rows and swaps them in
// atomically.
func (o *Orchestrator) storeClusters(ctx context.Context, campaignID uuid.UUID, clusters []graph.Cluster) error {
	communities := make([]model.Community, len(clusters))
	for i, c := range clusters {
		communities[i] = model.Community{
			ID:         fmt.Sprintf("%s_community_%d_%d", campaignID, c.Level, i),
			CampaignID: campaignID,
			Level:      c.Level,
			EntityIDs:  c.Members,
			Metadata:   map[string]any{"size": len(c.Members)},
		}
	}
	for i, c := range clusters {
		if c.Parent >= 0 && c.Parent < len(communities) {
			id := communities[c.Parent].ID
			communities[i].ParentCommunityID = &id
		}
	}
	return o.db.ReplaceCommunities(ctx, campaignID, communities)
}

// recalculateImportance computes PageRank and betweenness concurrently,
// folds in hierarchy scores and upserts the importance rows. Manual
// overrides live in entity metadata and are applied on read, so computed
// rows never clobber them.
func (o *Orchestrator) recalculateImportance(ctx context.Context, campaignID uuid.UUID, g *graph.Graph, clusters []graph.Cluster) error {
	if g.Len() == 0 {
		return nil
	}

	var pagerank, betweenness map[string]float64
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		pagerank = graph.PageRankScores(g)
		return nil
	})
	eg.Go(func() error {
		betweenness = graph.Betweenness(g)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	hierarchy := graph.HierarchyScores(g.Nodes, clusters)

	scores := make([]model.EntityImportance, 0, g.Len())
	for _, id := range g.Nodes {
		scores = append(scores, model.EntityImportance{
			EntityID:              id,
			CampaignID:            campaignID,
			Pagerank:              pagerank[id],
			BetweennessCentrality: betweenness[id],
			HierarchyLevel:        hierarchy[id],
			ImportanceScore:       graph.CombineImportance(pagerank[id], betweenness[id], hierarchy[id]),
		})
	}
	return o.db.UpsertEntityImportance(ctx, scores)
}

func (o *Orchestrator) notify(ctx context.Context, userID string, p model.NotificationPayload) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, userID, p); err != nil {
		o.logger.Error("publish rebuild notification",
			slog.String("type", string(p.Type)),
			slog.String("error", err.Error()))
	}
}
