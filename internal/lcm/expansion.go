package lcm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/martian-engineering/lcm/internal/bus"
)

// GrantStatus is a grant's lifecycle stage.
type GrantStatus string

const (
	GrantIssued  GrantStatus = "issued"
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// Grant is a process-wide expansion authorization bound to a delegated
// sub-agent session.
type Grant struct {
	DelegatedSessionKey    string
	IssuerSessionID        string
	AllowedConversationIDs map[int64]bool
	TokenCap               int
	TTL                    time.Duration
	CreatedAt              time.Time
	status                 GrantStatus
}

// DelegatedExpansionContext is stamped onto a delegated session to enforce
// the recursion guard: expansion_depth >= 1 blocks any further delegation.
type DelegatedExpansionContext struct {
	RequestID       string
	ExpansionDepth  int
	OriginSessionKey string
}

// ExpansionRegistry is the process-wide grant registry (C9). It is safe
// for concurrent use; all methods take an internal mutex.
type ExpansionRegistry struct {
	mu     sync.Mutex
	grants map[string]*Grant

	counterStart   atomic.Int64
	counterBlock   atomic.Int64
	counterTimeout atomic.Int64
	counterSuccess atomic.Int64

	seenRequests map[string]bool
	bus          *bus.Bus
}

// NewExpansionRegistry constructs an empty registry.
func NewExpansionRegistry() *ExpansionRegistry {
	return &ExpansionRegistry{
		grants:       make(map[string]*Grant),
		seenRequests: make(map[string]bool),
	}
}

// SetBus attaches an event bus for publishing grant lifecycle and
// recursion-guard notifications. Nil is valid and disables publishing.
func (r *ExpansionRegistry) SetBus(b *bus.Bus) {
	r.bus = b
}

// Issue registers a new grant in the "issued" state for a delegated
// session, replacing any prior grant for that session key.
func (r *ExpansionRegistry) Issue(delegatedSessionKey, issuerSessionID string, allowedConversationIDs []int64, tokenCap int, ttl time.Duration) *Grant {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := make(map[int64]bool, len(allowedConversationIDs))
	for _, id := range allowedConversationIDs {
		allowed[id] = true
	}
	g := &Grant{
		DelegatedSessionKey:    delegatedSessionKey,
		IssuerSessionID:        issuerSessionID,
		AllowedConversationIDs: allowed,
		TokenCap:               tokenCap,
		TTL:                    ttl,
		CreatedAt:              time.Now(),
		status:                 GrantIssued,
	}
	r.grants[delegatedSessionKey] = g
	if r.bus != nil {
		r.bus.Publish(bus.TopicGrantIssued, bus.GrantEvent{
			DelegatedSessionKey: delegatedSessionKey,
			IssuerSessionID:     issuerSessionID,
		})
	}
	return g
}

// Activate transitions a grant from issued to active, on its first use.
func (r *ExpansionRegistry) Activate(delegatedSessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.grants[delegatedSessionKey]; ok && g.status == GrantIssued {
		g.status = GrantActive
	}
}

// Revoke idempotently removes the binding for a session, e.g. on session
// deletion or operator sweep.
func (r *ExpansionRegistry) Revoke(delegatedSessionKey string) {
	r.mu.Lock()
	g, ok := r.grants[delegatedSessionKey]
	alreadyRevoked := ok && g.status == GrantRevoked
	if ok {
		g.status = GrantRevoked
	}
	issuer := ""
	if ok {
		issuer = g.IssuerSessionID
	}
	r.mu.Unlock()

	if ok && !alreadyRevoked && r.bus != nil {
		r.bus.Publish(bus.TopicGrantRevoked, bus.GrantEvent{
			DelegatedSessionKey: delegatedSessionKey,
			IssuerSessionID:     issuer,
		})
	}
}

// lazyExpire marks a grant expired if its TTL has elapsed, checked on
// access per the cleanup rule (lazy TTL expiry).
func (r *ExpansionRegistry) lazyExpire(g *Grant) {
	if g.status == GrantRevoked || g.status == GrantExpired {
		return
	}
	if g.TTL > 0 && time.Since(g.CreatedAt) > g.TTL {
		g.status = GrantExpired
		if r.bus != nil {
			r.bus.Publish(bus.TopicGrantExpired, bus.GrantEvent{
				DelegatedSessionKey: g.DelegatedSessionKey,
				IssuerSessionID:     g.IssuerSessionID,
			})
		}
	}
}

// AuthorizeExpand checks whether a delegated session may call expand on
// conversationID with a requested token cap, enforcing grant validity and
// the expansion_depth recursion guard. On success it returns the effective
// token cap (min of requested and the grant's remaining budget) and
// decrements the grant's remaining budget by that amount.
func (r *ExpansionRegistry) AuthorizeExpand(delegatedSessionKey string, conversationID int64, requestedTokenCap int, dctx DelegatedExpansionContext) (effectiveTokenCap int, err error) {
	r.counterStart.Add(1)

	if dctx.ExpansionDepth >= 1 {
		r.mu.Lock()
		reentry := r.seenRequests[dctx.RequestID]
		r.seenRequests[dctx.RequestID] = true
		r.mu.Unlock()
		r.counterBlock.Add(1)
		reason := "depth_cap"
		if reentry {
			reason = "idempotent_reentry"
		}
		if r.bus != nil {
			r.bus.Publish(bus.TopicExpansionRecursionBlocked, bus.ExpansionRecursionBlockedEvent{
				DelegatedSessionKey: delegatedSessionKey,
				RequestID:           dctx.RequestID,
				Reason:              reason,
			})
		}
		return 0, authorizationErr(CodeExpansionRecursionBlocked,
			"expansion_depth>=1: invoke expand directly and synthesize your answer instead of re-delegating ("+reason+")", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[delegatedSessionKey]
	if !ok {
		r.counterBlock.Add(1)
		return 0, authorizationErr(CodeUnresolvableSession, "no grant for delegated session", nil)
	}
	r.lazyExpire(g)
	switch g.status {
	case GrantRevoked:
		r.counterBlock.Add(1)
		return 0, authorizationErr(CodeGrantRevoked, "grant has been revoked", nil)
	case GrantExpired:
		r.counterBlock.Add(1)
		return 0, authorizationErr(CodeGrantExpired, "grant has expired", nil)
	}
	if !g.AllowedConversationIDs[conversationID] {
		r.counterBlock.Add(1)
		return 0, authorizationErr(CodeOutOfScopeConversation, "conversation not in grant's allowed set", nil)
	}
	if g.TokenCap <= 0 {
		r.counterBlock.Add(1)
		return 0, authorizationErr(CodeGrantExpired, "grant token_cap exhausted", nil)
	}

	effective := requestedTokenCap
	if g.TokenCap < effective {
		effective = g.TokenCap
	}
	g.TokenCap -= effective
	g.status = GrantActive
	r.counterSuccess.Add(1)
	return effective, nil
}

// RecordTimeout increments the timeout counter for an expand call that
// exceeded its deadline, e.g. a slow store query.
func (r *ExpansionRegistry) RecordTimeout() { r.counterTimeout.Add(1) }

// Counters returns the monotonic process-wide telemetry snapshot.
func (r *ExpansionRegistry) Counters() (start, block, timeout, success int64) {
	return r.counterStart.Load(), r.counterBlock.Load(), r.counterTimeout.Load(), r.counterSuccess.Load()
}

// SweepExpired revokes every grant whose TTL has elapsed, for the operator
// sweep cleanup path.
func (r *ExpansionRegistry) SweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.grants {
		r.lazyExpire(g)
	}
}
