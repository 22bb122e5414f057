package nightscout

import (
	"context"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mrcode/nightscout-loop/internal/glucose"
	"github.com/mrcode/nightscout-loop/internal/models"
)

const (
	keyEntries    = "entries"
	keyTreatments = "treatments"
	keyProfile    = "profile"

	// profileTTLFactor keeps the profile cached longer than readings
	profileTTLFactor = 5
)

// span is a cached fetch covering everything since from
type span[T any] struct {
	from  time.Time
	items []T
}

// Source serves glucose, carbs, doses and the profile from Nightscout with a
// short-lived cache, so one loop attempt hits the server at most once per kind
type Source struct {
	client *Client
	cache  *cache.Cache
	ttl    time.Duration
	clock  func() time.Time
	log    *zap.Logger
}

// NewSource wraps client. A ttl of zero disables caching.
func NewSource(client *Client, ttl time.Duration, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		client: client,
		// the key set is fixed, expired items are overwritten on the next fetch
		cache: cache.New(ttl, 0),
		ttl:   ttl,
		clock: time.Now,
		log:   log,
	}
}

// SetClock replaces the time source
func (s *Source) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Invalidate drops every cached response
func (s *Source) Invalidate() {
	s.cache.Flush()
}

func (s *Source) put(key string, v any, factor int) {
	if s.ttl <= 0 {
		return
	}
	s.cache.Set(key, v, time.Duration(factor)*s.ttl)
}

// Recent returns readings since since, newest first, one per timestamp
func (s *Source) Recent(ctx context.Context, since time.Time) ([]models.GlucoseSample, error) {
	if cached, ok := s.cache.Get(keyEntries); ok {
		w := cached.(span[models.GlucoseSample])
		if !w.from.After(since) {
			return filterSamples(w.items, since), nil
		}
	}

	now := s.clock()
	// one reading per minute is the densest any CGM uploads
	count := int(now.Sub(since)/time.Minute) + 10
	entries, err := s.client.GetEntries(ctx, since, time.Time{}, count)
	if err != nil {
		return nil, fmt.Errorf("fetching entries: %w", err)
	}

	samples := make([]models.GlucoseSample, 0, len(entries))
	seen := make(map[int64]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.SGV <= 0 || e.Date <= 0 || seen[e.Date] {
			continue
		}
		seen[e.Date] = true
		samples = append(samples, e.Sample())
	}
	samples = glucose.SortNewestFirst(samples)
	s.log.Debug("fetched entries", zap.Int("count", len(samples)), zap.Time("since", since))

	s.put(keyEntries, span[models.GlucoseSample]{from: since, items: samples}, 1)
	return filterSamples(samples, since), nil
}

func filterSamples(samples []models.GlucoseSample, since time.Time) []models.GlucoseSample {
	out := make([]models.GlucoseSample, 0, len(samples))
	for _, g := range samples {
		if !g.Timestamp.Before(since) {
			out = append(out, g)
		}
	}
	return out
}

func (s *Source) treatments(ctx context.Context, since time.Time) ([]models.Treatment, error) {
	if cached, ok := s.cache.Get(keyTreatments); ok {
		w := cached.(span[models.Treatment])
		if !w.from.After(since) {
			return w.items, nil
		}
	}

	treatments, err := s.client.GetTreatments(ctx, since, 1000)
	if err != nil {
		return nil, fmt.Errorf("fetching treatments: %w", err)
	}
	s.log.Debug("fetched treatments", zap.Int("count", len(treatments)), zap.Time("since", since))

	s.put(keyTreatments, span[models.Treatment]{from: since, items: treatments}, 1)
	return treatments, nil
}

// IsFlat reports whether the readings in the window before now are stuck on
// one value. It reads through the same cache as Recent.
func (s *Source) IsFlat(ctx context.Context, now time.Time, window time.Duration, minSamples int) (bool, error) {
	samples, err := s.Recent(ctx, now.Add(-window))
	if err != nil {
		return false, err
	}
	return glucose.IsFlat(samples, now, window, minSamples), nil
}

// RecentCarbs returns carb entries inside window, deleted ones included and marked
func (s *Source) RecentCarbs(ctx context.Context, window time.Duration) ([]models.CarbEntry, error) {
	since := s.clock().Add(-window)
	treatments, err := s.treatments(ctx, since)
	if err != nil {
		return nil, err
	}
	var out []models.CarbEntry
	for _, c := range models.CarbEntries(treatments) {
		if !c.Timestamp.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Doses returns the insulin ledger recorded in Nightscout since since
func (s *Source) Doses(ctx context.Context, since time.Time) ([]models.InsulinDoseEvent, error) {
	treatments, err := s.treatments(ctx, since)
	if err != nil {
		return nil, err
	}
	var out []models.InsulinDoseEvent
	for _, d := range models.DoseEvents(treatments) {
		if !d.Timestamp.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

// CurrentProfile returns the active profile. The result is a copy.
func (s *Source) CurrentProfile(ctx context.Context) (*models.Profile, error) {
	if cached, ok := s.cache.Get(keyProfile); ok {
		return cached.(*models.Profile).Clone(), nil
	}

	docs, err := s.client.GetProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	doc, err := Active(docs, s.clock())
	if err != nil {
		return nil, err
	}
	p, err := doc.ToProfile()
	if err != nil {
		return nil, err
	}

	s.put(keyProfile, p, profileTTLFactor)
	return p.Clone(), nil
}
