// Package proxy is the central request path: it forwards authenticated,
// quota-approved tool calls to upstream MCP servers. Connection reuse follows the keyed client
// pool pattern, with the descriptor's version counter in the key so that
// configuration changes invalidate pooled sessions instead of letting a
// request complete against a stale endpoint or secret.
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/plexmcp/plexmcp/internal/apierr"
	"github.com/plexmcp/plexmcp/internal/domain"
)

// Session is the slice of *mcp.ClientSession the engine uses, kept as an
// interface so the pool and engine are testable without a live upstream.
type Session interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// DialFunc opens a new authenticated session against a descriptor.
type DialFunc func(ctx context.Context, d domain.McpDescriptor, secret string) (Session, error)

// poolKey identifies reusable sessions: descriptor id plus the version
// counter, so an update makes all previously pooled sessions unreachable.
type poolKey struct {
	id      uuid.UUID
	version int64
}

type pooledSession struct {
	session  Session
	orgID    uuid.UUID
	idleFrom time.Time
}

// Pool keeps idle upstream sessions for reuse, bounded per organization
// and evicted after an idle TTL. Stale-version sessions are closed on the
// next acquire against the same descriptor.
type Pool struct {
	dial      DialFunc
	maxPerOrg int
	idleTTL   time.Duration

	mu     sync.Mutex
	idle   map[poolKey][]pooledSession
	perOrg map[uuid.UUID]int // sessions held idle or lent out, per org
}

// NewPool builds a Pool. maxPerOrg bounds the concurrent sessions one
// organization may hold (MAX_CONNECTIONS_PER_ORG).
func NewPool(dial DialFunc, maxPerOrg int, idleTTL time.Duration) *Pool {
	return &Pool{
		dial:      dial,
		maxPerOrg: maxPerOrg,
		idleTTL:   idleTTL,
		idle:      make(map[poolKey][]pooledSession),
		perOrg:    make(map[uuid.UUID]int),
	}
}

// Acquire returns a session for the descriptor, reusing an idle one with a
// matching version when available. Sessions pooled under an older version
// of the same descriptor are closed, never reused.
func (p *Pool) Acquire(ctx context.Context, d domain.McpDescriptor, secret string) (Session, error) {
	key := poolKey{id: d.ID, version: d.Version}

	p.mu.Lock()

	// Invalidate sessions parked under any other version of this
	// descriptor before considering reuse.
	var stale []Session
	for k, sessions := range p.idle {
		if k.id != d.ID || k.version == d.Version {
			continue
		}
		delete(p.idle, k)
		for _, entry := range sessions {
			stale = append(stale, entry.session)
			p.perOrg[entry.orgID]--
		}
	}

	var reuse Session
	if sessions := p.idle[key]; len(sessions) > 0 {
		entry := sessions[len(sessions)-1]
		p.idle[key] = sessions[:len(sessions)-1]
		if time.Since(entry.idleFrom) <= p.idleTTL {
			reuse = entry.session
		} else {
			stale = append(stale, entry.session)
			p.perOrg[entry.orgID]--
		}
	}

	if reuse == nil {
		if p.maxPerOrg > 0 && p.perOrg[d.OrgID] >= p.maxPerOrg {
			p.mu.Unlock()
			closeAll(stale)
			return nil, apierr.New(apierr.RateLimited, "too many concurrent upstream connections for this organization")
		}
		p.perOrg[d.OrgID]++
	}
	p.mu.Unlock()

	closeAll(stale)

	if reuse != nil {
		return reuse, nil
	}

	session, err := p.dial(ctx, d, secret)
	if err != nil {
		p.mu.Lock()
		p.perOrg[d.OrgID]--
		p.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// Release returns a session to the pool, or closes it when broken.
func (p *Pool) Release(d domain.McpDescriptor, session Session, broken bool) {
	if broken {
		p.mu.Lock()
		p.perOrg[d.OrgID]--
		p.mu.Unlock()
		_ = session.Close()
		return
	}

	key := poolKey{id: d.ID, version: d.Version}
	p.mu.Lock()
	p.idle[key] = append(p.idle[key], pooledSession{
		session:  session,
		orgID:    d.OrgID,
		idleFrom: time.Now(),
	})
	p.mu.Unlock()
}

// EvictIdle closes sessions idle longer than the TTL. Run it periodically
// from the composition root.
func (p *Pool) EvictIdle() {
	cutoff := time.Now().Add(-p.idleTTL)

	p.mu.Lock()
	var evicted []Session
	for key, sessions := range p.idle {
		kept := sessions[:0]
		for _, entry := range sessions {
			if entry.idleFrom.Before(cutoff) {
				evicted = append(evicted, entry.session)
				p.perOrg[entry.orgID]--
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	closeAll(evicted)
}

// Close shuts down every pooled session.
func (p *Pool) Close() {
	p.mu.Lock()
	var all []Session
	for _, sessions := range p.idle {
		for _, entry := range sessions {
			all = append(all, entry.session)
		}
	}
	p.idle = make(map[poolKey][]pooledSession)
	p.perOrg = make(map[uuid.UUID]int)
	p.mu.Unlock()

	closeAll(all)
}

func closeAll(sessions []Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}
