package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/authrotator/internal/affinity"
	"github.com/openclaw/authrotator/internal/auth"
	"github.com/openclaw/authrotator/internal/catalog"
	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/metrics"
	"github.com/openclaw/authrotator/internal/model"
	"github.com/openclaw/authrotator/internal/quota"
	"github.com/openclaw/authrotator/internal/selector"
	"github.com/openclaw/authrotator/internal/store"
	"github.com/openclaw/authrotator/internal/transport"
)

// quotaCooldownFallback covers snapshots whose exhausted window carries no
// reset timestamp.
const quotaCooldownFallback = time.Hour

// SessionContext identifies the caller of an outbound request.
type SessionContext struct {
	DomainKey  string
	SessionKey string
	// Subagent requests see the parent's bindings but never write back.
	Subagent bool
}

// OutboundRequest is a transport request plus the session it runs under.
type OutboundRequest struct {
	transport.Request
	Session SessionContext
}

// AuthResult is a resolved identity and bearer token for a session.
// AttemptIndex is the position in the selection's attempt list that served:
// 0 for the primary, higher for fallbacks.
type AuthResult struct {
	IdentityKey  string
	AccessToken  string
	ExpiresAt    int64
	AttemptIndex int
	Trace        model.SelectionTrace
}

// Notifier receives quota events after the triggering response has been
// delivered to the caller.
type Notifier interface {
	QuotaWarning(domainKey, window string, thresholdPct, leftPct float64)
	QuotaExhausted(domainKey, identityKey, window string, resetsAt int64)
}

type logNotifier struct{}

func (logNotifier) QuotaWarning(domainKey, window string, thresholdPct, leftPct float64) {
	log.Warn().
		Str("domain", domainKey).
		Str("window", window).
		Float64("threshold_pct", thresholdPct).
		Float64("left_pct", leftPct).
		Msg("Quota threshold crossed")
}

func (logNotifier) QuotaExhausted(domainKey, identityKey, window string, resetsAt int64) {
	log.Warn().
		Str("domain", domainKey).
		Str("identity", identityKey).
		Str("window", window).
		Int64("resets_at", resetsAt).
		Msg("Quota window exhausted")
}

// Orchestrator runs outbound calls end to end: select an identity, acquire
// a fresh token, issue the request, then record usage and refresh catalog
// and quota state off the critical path.
type Orchestrator struct {
	store     store.LockedStore
	acquirer  *auth.Acquirer
	affinity  *affinity.State
	transport transport.Transport
	syncer    catalog.Syncer
	prober    quota.Prober
	notifier  Notifier
	metrics   metrics.Collector
	flights   *flightGroup

	// instanceID scopes probe dedupe for attempts with no identity.
	instanceID string

	mu       sync.Mutex
	trackers map[string]model.TrackerState

	wg  sync.WaitGroup
	now func() time.Time
}

func New(
	s store.LockedStore,
	acquirer *auth.Acquirer,
	aff *affinity.State,
	tr transport.Transport,
	syncer catalog.Syncer,
	prober quota.Prober,
	notifier Notifier,
	collector metrics.Collector,
	probeRetryCooldown time.Duration,
) *Orchestrator {
	if notifier == nil {
		notifier = logNotifier{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Orchestrator{
		store:      s,
		acquirer:   acquirer,
		affinity:   aff,
		transport:  tr,
		syncer:     syncer,
		prober:     prober,
		notifier:   notifier,
		metrics:    collector,
		flights:    newFlightGroup(probeRetryCooldown),
		instanceID: uuid.NewString(),
		trackers:   make(map[string]model.TrackerState),
		now:        time.Now,
	}
}

// SelectAndAuthenticate resolves an identity and a fresh token for the
// session without issuing any outbound request.
func (o *Orchestrator) SelectAndAuthenticate(ctx context.Context, sc SessionContext) (*AuthResult, error) {
	return o.selectAndAuth(ctx, sc, o.sessionAffinity(sc))
}

// Do validates and executes an outbound request. Usage marking, catalog
// sync and quota probing happen asynchronously after a successful response;
// quota consequences therefore land after the response that triggered them.
func (o *Orchestrator) Do(ctx context.Context, req *OutboundRequest) (*transport.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	aff := o.sessionAffinity(req.Session)

	res, err := o.selectAndAuth(ctx, req.Session, aff)
	if err != nil {
		return nil, err
	}

	treq := req.Request
	treq.Header = treq.Header.Clone()
	if treq.Header == nil {
		treq.Header = make(http.Header, 1)
	}
	treq.Header.Set("Authorization", "Bearer "+res.AccessToken)

	resp, err := o.transport.Issue(ctx, &treq)
	if err != nil {
		return nil, err
	}

	o.afterSuccess(req.Session, res)
	return resp, nil
}

// Drain waits for in-flight background bookkeeping to settle. Called on
// shutdown and by tests.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

// PruneSessions drops session bindings older than maxAge and reports how
// many were removed.
func (o *Orchestrator) PruneSessions(maxAge time.Duration) int {
	cutoff := model.Millis(o.now().Add(-maxAge))
	return o.affinity.Prune(cutoff)
}

func (o *Orchestrator) sessionAffinity(sc SessionContext) *affinity.State {
	if sc.Subagent {
		return o.affinity.Fork()
	}
	return o.affinity
}

func (o *Orchestrator) selectAndAuth(ctx context.Context, sc SessionContext, aff *affinity.State) (*AuthResult, error) {
	d, err := o.store.Load(ctx, sc.DomainKey)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperrors.UnknownDomain(sc.DomainKey)
	}
	now := model.Millis(o.now())

	sel, err := selector.Select(d, sc.SessionKey, aff, now)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordSelection(string(sel.Trace.Strategy), string(sel.Trace.Decision))

	// Bind the selected primary before Acquire can suspend on a refresh
	// network call. This covers the hybrid rebind too: a rebind target is
	// always the new primary.
	primary := sel.Primary()
	if sc.SessionKey != "" && primary != "" {
		aff.Touch(sc.SessionKey, now)
		o.bind(aff, sel.Trace.Strategy, sc.SessionKey, primary)
	}

	tok, err := o.acquirer.Acquire(ctx, sc.DomainKey, sel.Attempts)
	if err != nil {
		return nil, err
	}

	attemptIdx := 0
	for i, key := range sel.Attempts {
		if key == tok.IdentityKey {
			attemptIdx = i
			break
		}
	}
	// A fallback served; move the session over to the identity that
	// actually authenticated.
	if sc.SessionKey != "" && tok.IdentityKey != primary {
		o.bind(aff, sel.Trace.Strategy, sc.SessionKey, tok.IdentityKey)
	}

	return &AuthResult{
		IdentityKey:  tok.IdentityKey,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.ExpiresAt,
		AttemptIndex: attemptIdx,
		Trace:        sel.Trace,
	}, nil
}

func (o *Orchestrator) bind(aff *affinity.State, strategy model.Strategy, sessionKey, identityKey string) {
	if strategy == model.StrategyHybrid {
		aff.BindHybrid(sessionKey, identityKey)
	} else {
		aff.BindSticky(sessionKey, identityKey)
	}
}

// afterSuccess records usage and refreshes catalog and quota state in the
// background so the caller's response is never delayed by bookkeeping.
func (o *Orchestrator) afterSuccess(sc SessionContext, res *AuthResult) {
	ctx := context.Background()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if err := store.MarkUsed(ctx, o.store, sc.DomainKey, res.IdentityKey, model.Millis(o.now())); err != nil {
			log.Error().Err(err).
				Str("domain", sc.DomainKey).
				Str("identity", res.IdentityKey).
				Msg("Failed to record identity usage")
		}

		scope := o.probeScope(res)
		o.syncCatalog(ctx, scope, res)
		o.probeQuota(ctx, scope, sc.DomainKey, res)
	}()
}

// probeScope names the dedupe scope for catalog/quota refreshes. Identity
// attempts share a scope per identity key. An attempt with no identity is
// scoped by its fallback index, so anonymous calls served by different
// attempt slots never collapse into one dedupe bucket.
func (o *Orchestrator) probeScope(res *AuthResult) string {
	if res.IdentityKey != "" {
		return res.IdentityKey
	}
	return fmt.Sprintf("anon:%s:%d", o.instanceID, res.AttemptIndex)
}

func (o *Orchestrator) syncCatalog(ctx context.Context, scope string, res *AuthResult) {
	if o.syncer == nil {
		return
	}
	shared, err := o.flights.Do(ctx, "catalog:"+scope, func(ctx context.Context) error {
		return o.syncer.Sync(ctx, scope, res.AccessToken)
	})
	if shared {
		o.metrics.RecordProbeDeduped()
	}
	if err != nil && err != errProbeCoolingDown {
		log.Warn().Err(err).Str("scope", scope).Msg("Catalog sync failed")
	}
}

func (o *Orchestrator) probeQuota(ctx context.Context, scope, domainKey string, res *AuthResult) {
	if o.prober == nil {
		return
	}
	shared, err := o.flights.Do(ctx, "quota:"+scope, func(ctx context.Context) error {
		snap, err := o.prober.Probe(ctx, res.AccessToken)
		if err != nil {
			return err
		}
		o.applyQuota(ctx, domainKey, res.IdentityKey, snap)
		return nil
	})
	if shared {
		o.metrics.RecordProbeDeduped()
	}
	if err != nil && err != errProbeCoolingDown {
		log.Warn().Err(err).Str("scope", scope).Msg("Quota probe failed")
	}
}

func (o *Orchestrator) applyQuota(ctx context.Context, domainKey, identityKey string, snap *model.QuotaSnapshot) {
	o.mu.Lock()
	prior, ok := o.trackers[domainKey]
	if !ok {
		prior = model.NewTrackerState()
	}
	ev := quota.Evaluate(*snap, prior)
	o.trackers[domainKey] = ev.Next
	o.mu.Unlock()

	for _, w := range ev.Warnings {
		o.notifier.QuotaWarning(domainKey, w.Window, w.ThresholdPct, w.LeftPct)
	}
	for _, ex := range ev.Exhausted {
		o.metrics.RecordExhaustionCrossing(ex.Window)
		until := ex.ResetsAt
		if until <= 0 {
			until = model.Millis(o.now().Add(quotaCooldownFallback))
		}
		if identityKey != "" {
			if err := store.SetCooldown(ctx, o.store, domainKey, identityKey, until); err != nil {
				log.Error().Err(err).
					Str("domain", domainKey).
					Str("identity", identityKey).
					Msg("Failed to set exhaustion cooldown")
			} else {
				o.metrics.RecordCooldown(model.CooldownReasonQuotaExhausted)
			}
		}
		o.notifier.QuotaExhausted(domainKey, identityKey, ex.Window, ex.ResetsAt)
	}
}

func validateRequest(req *OutboundRequest) error {
	if req == nil {
		return apperrors.DisallowedOutboundRequest("empty request")
	}
	if req.Session.DomainKey == "" {
		return apperrors.DisallowedOutboundRequest("missing domain key")
	}
	if req.Method == "" {
		return apperrors.DisallowedOutboundRequest("missing method")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return apperrors.DisallowedOutboundRequest("malformed URL")
	}
	if !strings.EqualFold(u.Scheme, "https") && !strings.EqualFold(u.Scheme, "http") {
		return apperrors.DisallowedOutboundRequest("unsupported URL scheme: " + u.Scheme)
	}
	return nil
}
