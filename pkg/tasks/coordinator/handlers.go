// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package coordinator

import (
	"sync"

	"github.com/innovationmech/tasks/pkg/tasks"
)

// Registry is the in-process implementation of tasks.HandlerRegistry. It is
// an explicit dependency passed into the orchestrator's constructor, not a
// process-wide singleton, so two engines in one process never share
// handlers.
type Registry struct {
	mu            sync.RWMutex
	handlers      map[string]tasks.HandlerFunc
	compensations map[string]tasks.CompensationFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:      make(map[string]tasks.HandlerFunc),
		compensations: make(map[string]tasks.CompensationFunc),
	}
}

// Register registers a forward operation handler. Registration is additive
// and last-registration-wins per operation.
func (r *Registry) Register(operation string, handler tasks.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operation] = handler
}

// RegisterCompensation registers a compensating operation handler.
func (r *Registry) RegisterCompensation(operation string, handler tasks.CompensationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations[operation] = handler
}

// Resolve returns the handler for the operation. A missing handler is a
// configuration error, never retried.
func (r *Registry) Resolve(operation string) (tasks.HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[operation]
	if !ok {
		return nil, tasks.NewNoHandlerRegisteredError(operation)
	}
	return h, nil
}

// ResolveCompensation returns the compensation handler for the operation.
func (r *Registry) ResolveCompensation(operation string) (tasks.CompensationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.compensations[operation]
	if !ok {
		return nil, tasks.NewNoHandlerRegisteredError(operation)
	}
	return h, nil
}
