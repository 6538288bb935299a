package testutil

import (
	"context"
	"fmt"
	"sync"

	"mlsync/internal/library"
)

// ScriptedResolver answers from a table of source paths. Unscripted sources fail.
type ScriptedResolver struct {
	mu      sync.Mutex
	answers map[string]*library.Resolution
	errs    map[string]error
	calls   map[string]int
}

var _ library.Resolver = (*ScriptedResolver)(nil)

func NewScriptedResolver() *ScriptedResolver {
	return &ScriptedResolver{
		answers: make(map[string]*library.Resolution),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Link scripts source to resolve to destination.
func (r *ScriptedResolver) Link(source, destination string) *library.Resolution {
	res := &library.Resolution{Destination: destination}
	r.Set(source, res)
	return res
}

// Skip scripts source to be skipped with reason.
func (r *ScriptedResolver) Skip(source, reason string) {
	r.Set(source, &library.Resolution{SkipReason: reason})
}

func (r *ScriptedResolver) Set(source string, res *library.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[source] = res
}

// SetError makes source fail to resolve with err.
func (r *ScriptedResolver) SetError(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[source] = err
}

// Calls returns how often source was resolved.
func (r *ScriptedResolver) Calls(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[source]
}

func (r *ScriptedResolver) Resolve(_ context.Context, source string) (*library.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[source]++
	if err, ok := r.errs[source]; ok {
		return nil, err
	}
	res, ok := r.answers[source]
	if !ok {
		return nil, fmt.Errorf("no resolution scripted for %s", source)
	}
	copied := *res
	return &copied, nil
}
