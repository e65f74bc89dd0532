package usedcss

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/logger"
)

// ContentResolver maps content ids to their public URLs. ok is false when
// the content has no URL (deleted, private, unknown).
type ContentResolver interface {
	PostURL(ctx context.Context, postID int64) (url string, ok bool)
	TermURL(ctx context.Context, termID int64) (url string, ok bool)
}

// StaticResolver is a ContentResolver backed by maps
type StaticResolver struct {
	mu    sync.RWMutex
	posts map[int64]string
	terms map[int64]string
}

// NewStaticResolver creates an empty resolver
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{posts: map[int64]string{}, terms: map[int64]string{}}
}

// SetPost maps a post id to its URL; an empty url removes it
func (r *StaticResolver) SetPost(id int64, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url == "" {
		delete(r.posts, id)
		return
	}
	r.posts[id] = url
}

// SetTerm maps a term id to its URL; an empty url removes it
func (r *StaticResolver) SetTerm(id int64, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url == "" {
		delete(r.terms, id)
		return
	}
	r.terms[id] = url
}

// PostURL implements ContentResolver
func (r *StaticResolver) PostURL(_ context.Context, id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.posts[id]
	return u, ok
}

// TermURL implements ContentResolver
func (r *StaticResolver) TermURL(_ context.Context, id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.terms[id]
	return u, ok
}

// EventSink receives pipeline events such as rucss_complete_job_status
type EventSink interface {
	Emit(name string, payload any)
}

// LogSink writes events to the log
type LogSink struct {
	Logger *zap.SugaredLogger
}

// Emit implements EventSink
func (s LogSink) Emit(name string, payload any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Infow("Event emitted", "event", name, "payload", payload)
}

// Fanout delivers every event to each sink in order
type Fanout []EventSink

// Emit implements EventSink
func (f Fanout) Emit(name string, payload any) {
	for _, s := range f {
		s.Emit(name, payload)
	}
}

// Authorizer decides whether a principal holds a capability
type Authorizer interface {
	Can(principal, capability string) bool
}

// LocalPrincipal is the principal local commands act as. It is reserved:
// requests arriving over HTTP may never claim it.
const LocalPrincipal = "cli"

// StaticAuthorizer grants fixed capabilities per principal. Unknown
// principals hold nothing.
type StaticAuthorizer map[string][]string

// Can implements Authorizer
func (a StaticAuthorizer) Can(principal, capability string) bool {
	for _, c := range a[principal] {
		if c == capability {
			return true
		}
	}
	return false
}

func componentLogger(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return logger.AddUsedCSSSymbol(log.Named(name))
}
