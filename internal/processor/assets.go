package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

const (
	// TierTagPrefix marks the tier classification among an entity's tags
	TierTagPrefix = "Tier."

	// DefaultTeamCacheSize bounds the owner -> team cache
	DefaultTeamCacheSize = 1024
)

// Snapshot is the state of one entity on one day, with derived fields
type Snapshot struct {
	Day                     time.Time
	Record                  types.EntityRecord
	Team                    string
	Tier                    string
	HasOwner                bool
	DescriptionCompleteness float64
}

// ExplodeDailySnapshots expands each record into one snapshot per day of the
// run window, using the version history as time axis. The latest version
// saved before a day ends describes that day. Days before the entity existed
// and days on which it was deleted produce nothing.
func ExplodeDailySnapshots(store storage.EntityStore) Processor[[]types.EntityRecord, []Snapshot] {
	return Func[[]types.EntityRecord, []Snapshot](func(ctx context.Context, records []types.EntityRecord, rc *RunContext) ([]Snapshot, error) {
		fails := newFailures("explode")
		days := rc.Window.Days()
		var out []Snapshot

		for _, r := range records {
			versions, err := store.ListVersionsSince(ctx, r.EntityType, r.ID, rc.Window)
			if err != nil {
				fails.add(r.ID, err)
				continue
			}
			if len(versions) == 0 {
				versions = []types.EntityVersion{{Version: r.Version, UpdatedAt: r.UpdatedAt, Record: r}}
			}

			for _, day := range days {
				v, ok := versionAt(versions, day.Add(types.Day))
				if !ok || v.Record.Deleted {
					continue
				}
				out = append(out, Snapshot{Day: day, Record: v.Record})
			}
		}
		return out, fails.result(len(records))
	})
}

// versionAt returns the latest version saved before end. versions are oldest first.
func versionAt(versions []types.EntityVersion, end time.Time) (types.EntityVersion, bool) {
	var (
		found types.EntityVersion
		ok    bool
	)
	for _, v := range versions {
		if !v.UpdatedAt.Before(end) {
			break
		}
		found, ok = v, true
	}
	return found, ok
}

// Enricher derives ownership team, tier and description completeness
type Enricher struct {
	store storage.EntityStore
	teams *lru.Cache[string, string]
}

// NewEnricher creates an enricher with an LRU of user -> team lookups
func NewEnricher(store storage.EntityStore, cacheSize int) (*Enricher, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultTeamCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create team cache: %w", err)
	}
	return &Enricher{store: store, teams: cache}, nil
}

// Process returns enriched copies of the snapshots
func (e *Enricher) Process(ctx context.Context, snaps []Snapshot, rc *RunContext) ([]Snapshot, error) {
	fails := newFailures("enrich")
	out := make([]Snapshot, 0, len(snaps))

	for _, s := range snaps {
		if fails.has(s.Record.ID) {
			continue
		}
		team, err := e.team(ctx, s.Record.Owners)
		if err != nil {
			fails.add(s.Record.ID, err)
			continue
		}
		s.Team = team
		s.HasOwner = len(s.Record.Owners) > 0
		s.Tier = tier(s.Record.Tags)
		s.DescriptionCompleteness = descriptionCompleteness(s.Record)
		out = append(out, s)
	}

	// A record that failed on one day is dropped for every day
	if len(fails.details) > 0 {
		kept := out[:0]
		for _, s := range out {
			if !fails.has(s.Record.ID) {
				kept = append(kept, s)
			}
		}
		out = kept
	}
	return out, fails.result(distinctRecords(snaps))
}

// team resolves the owning team: a team owner directly, otherwise the
// first team of the first user owner
func (e *Enricher) team(ctx context.Context, owners []types.EntityReference) (string, error) {
	for _, o := range owners {
		if o.Type == "team" {
			return o.Name, nil
		}
	}
	for _, o := range owners {
		if o.Type != "user" {
			continue
		}
		if team, ok := e.teams.Get(o.ID); ok {
			return team, nil
		}
		user, err := e.store.GetRecord(ctx, "user", o.ID)
		if errors.Is(err, storage.ErrNotFound) {
			e.teams.Add(o.ID, "")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to resolve owner %s: %w", o.ID, err)
		}
		team := firstString(user.Field("teams"))
		e.teams.Add(o.ID, team)
		if team != "" {
			return team, nil
		}
	}
	return "", nil
}

func firstString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		if len(x) > 0 {
			return x[0]
		}
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func tier(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(t, TierTagPrefix) {
			return t
		}
	}
	return ""
}

// descriptionCompleteness is the share of the entity and its columns that
// carry a description
func descriptionCompleteness(r types.EntityRecord) float64 {
	described, total := 0, 1
	if strings.TrimSpace(r.Description) != "" {
		described++
	}
	if cols, ok := r.Field("columns").([]any); ok {
		for _, c := range cols {
			col, ok := c.(map[string]any)
			if !ok {
				continue
			}
			total++
			if d, _ := col["description"].(string); strings.TrimSpace(d) != "" {
				described++
			}
		}
	}
	return float64(described) / float64(total)
}

func distinctRecords(snaps []Snapshot) int {
	ids := make(map[string]bool)
	for _, s := range snaps {
		ids[s.Record.ID] = true
	}
	return len(ids)
}

// SnapshotID keys a snapshot document by entity and day
func SnapshotID(entityID string, day time.Time) string {
	return entityID + "-" + day.Format(time.DateOnly)
}

// SnapshotDocuments shapes snapshots into data asset documents
func SnapshotDocuments() Processor[[]Snapshot, []search.Document] {
	return Func[[]Snapshot, []search.Document](func(ctx context.Context, snaps []Snapshot, rc *RunContext) ([]search.Document, error) {
		shaper := rc.Shaper()
		docs := make([]search.Document, 0, len(snaps))
		for _, s := range snaps {
			r := s.Record
			body := map[string]any{
				"entityId":                r.ID,
				"entityType":              r.EntityType,
				"name":                    r.Name,
				"fullyQualifiedName":      r.FullyQualifiedName,
				"service":                 r.Service,
				"serviceType":             r.ServiceType,
				"version":                 r.Version,
				"day":                     s.Day,
				"team":                    s.Team,
				"tier":                    s.Tier,
				"hasOwner":                s.HasOwner,
				"descriptionCompleteness": s.DescriptionCompleteness,
			}
			docs = append(docs, search.Document{
				ID:        SnapshotID(r.ID, s.Day),
				SourceID:  r.ID,
				Timestamp: s.Day,
				Body:      shaper.Shape(body, recordText(r)),
			})
		}
		return docs, nil
	})
}
