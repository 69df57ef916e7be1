package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"background-tasks/internal/models"
)

// HandlerFunc performs one task. A nil return marks the task succeeded.
type HandlerFunc func(ctx context.Context, params models.Params) error

// Registry resolves service and method names to handlers.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]map[string]HandlerFunc)}
}

// Register binds a handler, replacing any previous binding for the same pair.
func (r *Registry) Register(service, method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods, ok := r.services[service]
	if !ok {
		methods = make(map[string]HandlerFunc)
		r.services[service] = methods
	}
	methods[method] = h
}

func (r *Registry) RegisterService(service string, methods map[string]HandlerFunc) {
	for method, h := range methods {
		r.Register(service, method, h)
	}
}

func (r *Registry) lookup(service, method string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.services[service][method]
	return h, ok && h != nil
}

// Names lists the registered targets as "service.method", sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for service, methods := range r.services {
		for method := range methods {
			out = append(out, service+"."+method)
		}
	}
	sort.Strings(out)
	return out
}

// Invoke runs the handler for service.method with params. Any failure,
// including a missing handler or a panic, is returned as *ExecutionError.
func (r *Registry) Invoke(ctx context.Context, service, method string, params models.Params) (err error) {
	h, ok := r.lookup(service, method)
	if !ok {
		return &ExecutionError{
			Service: service,
			Method:  method,
			Err:     fmt.Errorf("%w: %s.%s", ErrNotFound, service, method),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &ExecutionError{Service: service, Method: method, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if herr := h(ctx, params); herr != nil {
		return &ExecutionError{Service: service, Method: method, Err: herr}
	}
	return nil
}

// ParseTarget splits a "service.method" name. The method is everything after
// the last dot so service names may be dotted.
func ParseTarget(name string) (service, method string, err error) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("target %q is not of the form service.method", name)
	}
	return name[:i], name[i+1:], nil
}
