package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-loop/internal/absorption"
	"github.com/mrcode/nightscout-loop/internal/config"
	"github.com/mrcode/nightscout-loop/internal/glucose"
	"github.com/mrcode/nightscout-loop/internal/insulin"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/prediction"
	"github.com/mrcode/nightscout-loop/internal/pump"
	"github.com/mrcode/nightscout-loop/internal/safety"
)

// historyPadding extends the glucose and pump history reads past the
// autosens window
const historyPadding = 15 * time.Minute

// GlucoseStore reads CGM history
type GlucoseStore interface {
	Recent(ctx context.Context, since time.Time) ([]models.GlucoseSample, error)
	// IsFlat reports whether at least minSamples readings in the window
	// before now are identical
	IsFlat(ctx context.Context, now time.Time, window time.Duration, minSamples int) (bool, error)
}

// CarbStore reads announced carbs
type CarbStore interface {
	RecentCarbs(ctx context.Context, window time.Duration) ([]models.CarbEntry, error)
}

// ProfileStore reads the active therapy profile
type ProfileStore interface {
	CurrentProfile(ctx context.Context) (*models.Profile, error)
}

// DoseStore reads insulin recorded outside the pump, such as manual boluses
type DoseStore interface {
	Doses(ctx context.Context, since time.Time) ([]models.InsulinDoseEvent, error)
}

// SuggestionStore persists suggestions
type SuggestionStore interface {
	SaveSuggestion(ctx context.Context, s *models.Suggestion) error
	LatestSuggestion(ctx context.Context) (*models.Suggestion, error)
}

// Overrides replace profile limits when non-zero
type Overrides struct {
	MaxBasal        float64
	MaxBolus        float64
	MaxIOB          float64
	MaxCOB          float64
	Min5mCarbImpact float64
}

func (o Overrides) apply(p *models.Profile) {
	if o.MaxBasal > 0 {
		p.MaxBasal = o.MaxBasal
	}
	if o.MaxBolus > 0 {
		p.MaxBolus = o.MaxBolus
	}
	if o.MaxIOB > 0 {
		p.MaxIOB = o.MaxIOB
	}
	if o.MaxCOB > 0 {
		p.MaxCOB = o.MaxCOB
	}
	if o.Min5mCarbImpact > 0 {
		p.Min5mCarbImpact = o.Min5mCarbImpact
	}
}

// Options is the per-attempt configuration snapshot
type Options struct {
	ClosedLoop         bool
	GlucoseMaxAge      time.Duration
	FlatWindow         time.Duration
	FlatMinSamples     int
	PumpTimeout        time.Duration
	SuggestionExpiry   time.Duration
	NeutralTempMinutes int
	Overrides          Overrides
	Engine             prediction.Config
}

// DefaultOptions returns open-loop options with the documented limits
func DefaultOptions() Options {
	return OptionsFromSettings(config.DefaultSettings())
}

// OptionsFromSettings extracts the loop options from settings
func OptionsFromSettings(s *config.Settings) Options {
	s = s.Clone()
	engine := prediction.DefaultConfig()
	engine.EnableSMB = s.EnableSMB
	engine.EnableUAM = s.EnableUAM
	if s.CarbAbsorptionHours > 0 {
		engine.CarbAbsorptionHours = s.CarbAbsorptionHours
	}
	return Options{
		ClosedLoop:         s.ClosedLoop,
		GlucoseMaxAge:      s.GlucoseMaxAge,
		FlatWindow:         s.FlatWindow,
		FlatMinSamples:     s.FlatMinSamples,
		PumpTimeout:        s.PumpTimeout,
		SuggestionExpiry:   s.SuggestionExpiry,
		NeutralTempMinutes: s.NeutralTempMinutes,
		Overrides: Overrides{
			MaxBasal:        s.MaxBasal,
			MaxBolus:        s.MaxBolus,
			MaxIOB:          s.MaxIOB,
			MaxCOB:          s.MaxCOB,
			Min5mCarbImpact: s.Min5mCarbImpact,
		},
		Engine: engine,
	}
}

// Deps are the collaborators of a controller. Doses and Bus may be nil.
type Deps struct {
	Glucose     GlucoseStore
	Carbs       CarbStore
	Profiles    ProfileStore
	Doses       DoseStore
	Suggestions SuggestionStore
	Pump        pump.Adapter
	Governor    *safety.Governor
	Bus         *Bus
}

// Controller owns the loop state and runs one attempt at a time
type Controller struct {
	deps Deps
	log  *zap.Logger

	mu    sync.Mutex
	state State
	opts  Options
	clock func() time.Time
}

// NewController validates deps and returns an idle controller
func NewController(deps Deps, opts Options, log *zap.Logger) (*Controller, error) {
	switch {
	case deps.Glucose == nil:
		return nil, errors.New("loop: glucose store is required")
	case deps.Carbs == nil:
		return nil, errors.New("loop: carb store is required")
	case deps.Profiles == nil:
		return nil, errors.New("loop: profile store is required")
	case deps.Suggestions == nil:
		return nil, errors.New("loop: suggestion store is required")
	case deps.Pump == nil:
		return nil, errors.New("loop: pump is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Governor == nil {
		deps.Governor = safety.NewGovernor(deps.Pump, nil, log)
	}
	return &Controller{
		deps:  deps,
		log:   log,
		opts:  opts,
		state: State{Phase: PhaseIdle},
		clock: time.Now,
	}, nil
}

// SetClock replaces the time source
func (c *Controller) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// SetOptions takes effect at the start of the next attempt
func (c *Controller) SetOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
}

// Options returns the options the next attempt will use
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// State returns a snapshot of the loop state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Trigger runs an attempt and discards the result; failures are in State
func (c *Controller) Trigger(ctx context.Context) {
	_, _ = c.AttemptLoop(ctx)
}

// AttemptLoop runs one decision cycle. A call made while another attempt is
// in flight returns ErrLoopInProgress and changes nothing. The returned
// suggestion is non-nil whenever one was persisted, even if enactment failed.
func (c *Controller) AttemptLoop(ctx context.Context) (*models.Suggestion, error) {
	c.mu.Lock()
	if c.state.IsLooping {
		c.mu.Unlock()
		c.log.Info("loop already in progress, trigger dropped")
		droppedTotal.Inc()
		return nil, ErrLoopInProgress
	}
	c.state.IsLooping = true
	c.state.Phase = PhasePredicting
	opts := c.opts
	clock := c.clock
	c.mu.Unlock()

	start := time.Now()
	a := &attempt{Controller: c, opts: opts, clock: clock}
	s, err := a.run(ctx)
	c.finish(a, s, err, start)
	return s, err
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
}

func (c *Controller) finish(a *attempt, s *models.Suggestion, err error, start time.Time) {
	now := a.clock()

	c.mu.Lock()
	failedIn := c.state.Phase
	c.state.IsLooping = false
	c.state.LastLoopTimestamp = now
	c.state.LastError = err
	c.state.Phase = PhaseIdle
	switch {
	case err != nil:
		c.state.LastPhase = PhaseError
	case a.opts.ClosedLoop:
		c.state.LastPhase = PhaseEnacting
	default:
		c.state.LastPhase = PhaseOpenLoopDone
	}
	if s != nil {
		c.state.LastSuggestionID = s.ID
	}
	c.mu.Unlock()

	attemptsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	attemptDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		lastSuccess.SetToCurrentTime()
		return
	}

	fields := []zap.Field{zap.String("phase", string(failedIn)), zap.Error(err)}
	if IsFault(err, PumpFault) {
		c.log.Error("loop attempt failed", fields...)
	} else {
		c.log.Warn("loop attempt failed", fields...)
	}
	c.publish(EventFailed, s, err, now)
}

func (c *Controller) publish(kind EventKind, s *models.Suggestion, err error, at time.Time) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(Event{Kind: kind, Suggestion: s, Err: err, At: at})
}

// attempt carries the snapshot taken when an attempt starts
type attempt struct {
	*Controller
	opts  Options
	clock func() time.Time
}

func (a *attempt) run(ctx context.Context) (*models.Suggestion, error) {
	now := a.clock()
	since := now.Add(-(absorption.AutosensWindow + historyPadding))

	samples, err := a.deps.Glucose.Recent(ctx, since)
	if err != nil {
		return nil, dataFault("read glucose", err)
	}
	if err := a.checkGlucose(ctx, samples, now); err != nil {
		return nil, err
	}

	raw, err := a.deps.Profiles.CurrentProfile(ctx)
	if err != nil {
		return nil, dataFault("read profile", err)
	}
	adjusted := raw.Clone()
	a.opts.Overrides.apply(adjusted)
	profile, warnings := adjusted.Sanitize()
	for _, w := range warnings {
		a.log.Warn("profile value replaced", zap.String("fault", string(AlgorithmFault)), zap.String("warning", w))
	}

	// older carbs only mask meal deviations from autosens
	carbs, err := a.deps.Carbs.RecentCarbs(ctx, absorption.AutosensWindow)
	if err != nil {
		return nil, dataFault("read carbs", err)
	}

	historySince := since.Add(-time.Duration(profile.DIA * float64(time.Hour)))
	history, status, err := a.pumpData(ctx, historySince)
	if err != nil {
		return nil, err
	}
	if a.deps.Doses != nil {
		recorded, err := a.deps.Doses.Doses(ctx, historySince)
		if err != nil {
			return nil, dataFault("read dose history", err)
		}
		history = mergeDoses(history, recorded)
	}

	gs, err := glucose.CurrentStatus(samples)
	if err != nil {
		return nil, dataFault("glucose status", err)
	}
	totals := insulin.NewCalculator(profile).Totals(history, now)
	carbResult := absorption.Aggregate(absorption.Input{
		CarbEntries: carbs,
		Glucose:     samples,
		Doses:       history,
		Profile:     profile,
		Now:         now,
	})

	increment, err := a.deps.Governor.BolusIncrement(ctx)
	if err != nil {
		a.log.Warn("bolus increment unavailable, microboluses unrounded", zap.Error(err))
		increment = 0
	}

	engine := prediction.NewEngine(a.opts.Engine)
	s := engine.Determine(prediction.DetermineInput{
		Glucose:        gs,
		Insulin:        totals,
		Carbs:          carbResult,
		Profile:        profile,
		Warnings:       warnings,
		BolusIncrement: increment,
		Now:            now,
	})
	a.neutralTemp(s, profile, status, now)

	a.log.Info("suggestion",
		zap.String("id", s.ID),
		zap.Float64("bg", s.BG),
		zap.Float64("eventualBG", s.EventualBG),
		zap.Float64("iob", s.IOB),
		zap.Float64("cob", s.COB),
		zap.Float64("sensitivityRatio", s.SensitivityRatio),
		zap.String("reason", s.Reason))
	observe(s)

	if err := a.deps.Suggestions.SaveSuggestion(ctx, s); err != nil {
		return nil, fmt.Errorf("save suggestion: %w", err)
	}
	a.publish(EventSuggestion, s, nil, now)

	if !a.opts.ClosedLoop {
		a.setPhase(PhaseOpenLoopDone)
		return s, nil
	}
	return s, a.enact(ctx, s, status, profile)
}

func (a *attempt) checkGlucose(ctx context.Context, samples []models.GlucoseSample, now time.Time) error {
	latest, err := glucose.Latest(samples)
	if err != nil {
		return dataFault("no readings", ErrNoGlucose)
	}
	if !glucose.IsFresh(samples, now, a.opts.GlucoseMaxAge) {
		age := now.Sub(latest.Timestamp).Round(time.Second)
		return dataFault(fmt.Sprintf("latest reading is %s old", age), ErrStaleGlucose)
	}
	flat, err := a.deps.Glucose.IsFlat(ctx, now, a.opts.FlatWindow, a.opts.FlatMinSamples)
	if err != nil {
		return dataFault("check glucose variability", err)
	}
	if flat {
		return dataFault(fmt.Sprintf("no change in %s", a.opts.FlatWindow), ErrFlatGlucose)
	}
	return nil
}

// pumpData reads history and status under the pump timeout. On timeout the
// attempt ends without a suggestion.
func (a *attempt) pumpData(ctx context.Context, since time.Time) ([]models.InsulinDoseEvent, models.PumpStatus, error) {
	timeout := a.opts.PumpTimeout
	if timeout <= 0 {
		timeout = safety.DefaultCommandTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	history, err := a.deps.Pump.History(pctx, since)
	if err != nil {
		return nil, models.PumpStatus{}, pumpFault("read pump history", err)
	}
	status, err := a.deps.Pump.Status(pctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.PumpStatus{}, pumpFault(fmt.Sprintf("no pump status within %s", timeout), err)
		}
		return nil, models.PumpStatus{}, pumpFault("read pump status", err)
	}
	return history, status, nil
}

// neutralTemp keeps a temp basal running in closed loop when the decision
// left the basal alone and the pump has none active
func (a *attempt) neutralTemp(s *models.Suggestion, profile *models.Profile, status models.PumpStatus, now time.Time) {
	if !a.opts.ClosedLoop || a.opts.NeutralTempMinutes <= 0 {
		return
	}
	if s.HasTempBasal() || status.TempBasalActive {
		return
	}
	basal := profile.At(now).Basal
	s.Rate = models.Float(basal)
	s.Duration = models.Int(a.opts.NeutralTempMinutes)
	s.Reason += fmt.Sprintf("; no temp running, neutral temp %.2f U/h for %dm", basal, a.opts.NeutralTempMinutes)
}

func (a *attempt) enact(ctx context.Context, s *models.Suggestion, status models.PumpStatus, profile *models.Profile) error {
	a.setPhase(PhaseEnacting)

	if s.Expired(a.clock(), a.opts.SuggestionExpiry) {
		a.stamp(ctx, s, false, "expired before enactment")
		return &Fault{
			Kind:   ExpiredSuggestion,
			Reason: fmt.Sprintf("suggestion %s older than %s", s.ID, a.opts.SuggestionExpiry),
			Err:    ErrSuggestionExpired,
		}
	}

	auth, err := a.deps.Governor.Enact(ctx, s, status, safety.LimitsFrom(profile))
	if err != nil {
		a.stamp(ctx, s, false, err.Error())
		return pumpFault("enact suggestion", err)
	}

	a.stamp(ctx, s, true, auth.Summary())
	a.publish(EventEnacted, s, nil, a.clock())
	return nil
}

// stamp records the outcome before any observer hears about it
func (a *attempt) stamp(ctx context.Context, s *models.Suggestion, received bool, outcome string) {
	s.Stamp(received, outcome, a.clock())
	if err := a.deps.Suggestions.SaveSuggestion(ctx, s); err != nil {
		a.log.Error("failed to stamp suggestion", zap.String("id", s.ID), zap.Error(err))
	}
}

// mergeDoses appends recorded events the pump does not already report
func mergeDoses(pumpEvents, recorded []models.InsulinDoseEvent) []models.InsulinDoseEvent {
	type key struct {
		kind   models.DoseKind
		at     int64
		amount float64
	}
	seen := make(map[key]bool, len(pumpEvents))
	ids := make(map[string]bool, len(pumpEvents))
	for _, e := range pumpEvents {
		seen[key{e.Kind, e.Timestamp.Unix(), e.Amount}] = true
		if e.ID != "" {
			ids[e.ID] = true
		}
	}
	out := append([]models.InsulinDoseEvent(nil), pumpEvents...)
	for _, e := range recorded {
		if (e.ID != "" && ids[e.ID]) || seen[key{e.Kind, e.Timestamp.Unix(), e.Amount}] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func observe(s *models.Suggestion) {
	predicted.WithLabelValues("eventual").Set(s.EventualBG)
	predicted.WithLabelValues("min").Set(s.MinPredBG)
	onBoard.WithLabelValues("iob").Set(s.IOB)
	onBoard.WithLabelValues("cob").Set(s.COB)
}
