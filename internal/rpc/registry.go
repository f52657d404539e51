// Package rpc is the method registry and payload codec the agent hands
// decoded frame bodies to. Bodies are CBOR: a Call{method, args} on the way
// in and a Reply{result | error} on the way out.
//
// Method names are namespaced as "<prefix>_<name>". The gateway routes by
// prefix: "sys" is reserved for the registration protocol, and a service's
// own name is the prefix for everything it exposes.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	SysPrefix = "sys"
	Separator = "_"
	// Wildcard is the catch-all name some registries report; it is never
	// listed as an exposed function.
	Wildcard = "#"
)

var (
	ErrMethodNotFound  = errors.New("rpc: method not found")
	ErrInvalidName     = errors.New("rpc: invalid method name")
	ErrDuplicateMethod = errors.New("rpc: method already registered")
	ErrNilHandler      = errors.New("rpc: nil handler")
	ErrHandlerPanicked = errors.New("rpc: handler panicked")
)

// Handler serves one method. Returning a *Deferred answers asynchronously.
type Handler func(ctx context.Context, args Args) (any, error)

// Registry holds named handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	r.handlers[name] = h
	return nil
}

// Dispatch runs the handler for name. The returned Deferred is already
// settled for synchronous handlers and follows the handler's own Deferred
// otherwise. A panicking handler settles with ErrHandlerPanicked.
func (r *Registry) Dispatch(ctx context.Context, name string, args Args) *Deferred {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return Resolved(nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name))
	}
	return Invoke(ctx, h, args)
}

// Invoke calls h and normalizes its outcome into a Deferred.
func Invoke(ctx context.Context, h Handler, args Args) (d *Deferred) {
	defer func() {
		if rec := recover(); rec != nil {
			d = Resolved(nil, fmt.Errorf("%w: %v", ErrHandlerPanicked, rec))
		}
	}()
	v, err := h(ctx, args)
	if err != nil {
		return Resolved(nil, err)
	}
	if def, ok := v.(*Deferred); ok && def != nil {
		return def
	}
	return Resolved(v, nil)
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Join builds "<prefix>_<name>".
func Join(prefix, name string) string {
	return prefix + Separator + name
}

// Split separates a method name at its first separator. ok is false for
// names without a prefix.
func Split(method string) (prefix, name string, ok bool) {
	i := strings.Index(method, Separator)
	if i < 0 {
		return "", method, false
	}
	return method[:i], method[i+1:], true
}

// IsSys reports whether method is in the reserved sys namespace.
func IsSys(method string) bool {
	prefix, _, ok := Split(method)
	return ok && prefix == SysPrefix
}
