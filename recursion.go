// recursion.go: mutually recursive round trips without deadlocks
//
// A call forwarded across the process boundary may, on the far side,
// synchronously trigger a callback into the originating side before the
// original call has returned (a plugin asking its window to resize triggers
// the host asking the plugin for its current size, all before the resize call
// finishes). A naive blocking round trip deadlocks: the flow that must
// service the nested callback is the one already blocked waiting for the
// outer response. The coordinator lets the blocked flow service those nested
// calls inline, preserving the one-logical-GUI-thread contract plugin
// APIs assume, without spawning a thread per nested call.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import "sync"

// RecursionDomain scopes mutual-recursion coordination, typically one GUI
// surface. Whether a domain participates at all is configuration, not
// hardwired: audio-thread callbacks can be given the same treatment as
// GUI-thread ones by enabling DomainAudio on the coordinator.
type RecursionDomain string

// Built-in domains. Format glue may define additional ones.
const (
	DomainGUI   RecursionDomain = "gui"
	DomainAudio RecursionDomain = "audio"
)

// RecursionFlow is the explicit per-call-chain context that replaces ambient
// thread-local state. The dispatch path creates one flow per outer logical
// call and threads it through; nested inbound calls serviced inline each get
// a fresh flow of their own. This keeps the mechanism testable without real
// threads.
//
// A flow is owned by a single logical call chain and is not safe for
// concurrent use.
type RecursionFlow struct {
	active map[RecursionDomain]bool
}

// NewRecursionFlow creates an empty flow.
func NewRecursionFlow() *RecursionFlow {
	return &RecursionFlow{active: make(map[RecursionDomain]bool)}
}

// forkResult carries a fork's outcome from the sending goroutine back to the
// servicing loop.
type forkResult struct {
	value any
	err   error
}

// recursionFrame is one active fork: a queue of nested calls to run inline on
// the forking flow. The accepted/served counters guarantee that every task a
// submitter reserved is consumed before the frame is abandoned, even when the
// fork completes concurrently with a submission.
type recursionFrame struct {
	tasks chan func()

	mu       sync.Mutex
	closing  bool
	accepted int
	served   int
}

func newRecursionFrame() *recursionFrame {
	return &recursionFrame{tasks: make(chan func())}
}

// reserve claims a slot for one task. Fails once the frame is completing, in
// which case the submitter must re-examine the stack.
func (f *recursionFrame) reserve() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return false
	}
	f.accepted++
	return true
}

func (f *recursionFrame) markClosing() {
	f.mu.Lock()
	f.closing = true
	f.mu.Unlock()
}

func (f *recursionFrame) markServed() {
	f.mu.Lock()
	f.served++
	f.mu.Unlock()
}

func (f *recursionFrame) pendingTasks() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served < f.accepted
}

// RecursionCoordinator coordinates mutually recursive round trips per
// recursion domain. Each domain maintains a stack of active forks; the stack
// supports arbitrarily deep nesting (attach -> resize -> on-size sequences
// push one frame per level), while direct re-entry of a domain on the same
// flow is rejected as a reentrancy violation since it would indicate an
// unbounded recursive loop.
type RecursionCoordinator struct {
	mu      sync.Mutex
	enabled map[RecursionDomain]bool
	stacks  map[RecursionDomain][]*recursionFrame
	logger  Logger
}

// NewRecursionCoordinator creates a coordinator with the given domains
// participating in mutual recursion. Forks on any other domain degrade to a
// plain blocking call with no inline servicing.
func NewRecursionCoordinator(logger any, domains ...RecursionDomain) *RecursionCoordinator {
	enabled := make(map[RecursionDomain]bool, len(domains))
	for _, d := range domains {
		enabled[d] = true
	}
	return &RecursionCoordinator{
		enabled: enabled,
		stacks:  make(map[RecursionDomain][]*recursionFrame),
		logger:  NewLogger(logger),
	}
}

// DomainEnabled reports whether a domain participates in mutual recursion.
func (c *RecursionCoordinator) DomainEnabled(domain RecursionDomain) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[domain]
}

// ForkAny marks this flow as available to service nested calls for domain,
// then runs fn (the actual blocking round trip) on a spawned goroutine.
// While fn is blocked, nested calls arriving for the domain are executed
// inline here, interleaved with waiting for fn's result. After fn completes
// the domain is unmarked and any task already reserved is still drained.
//
// A nil flow gets a fresh one. Re-forking a domain already forked on the same
// flow returns a reentrancy violation without calling fn.
func (c *RecursionCoordinator) ForkAny(flow *RecursionFlow, domain RecursionDomain, fn func() (any, error)) (any, error) {
	if !c.DomainEnabled(domain) {
		return fn()
	}
	if flow == nil {
		flow = NewRecursionFlow()
	}
	if flow.active[domain] {
		return nil, NewReentrancyError(domain)
	}
	flow.active[domain] = true
	defer delete(flow.active, domain)

	frame := newRecursionFrame()
	c.push(domain, frame)

	results := make(chan forkResult, 1)
	go func() {
		value, err := fn()
		// Stop accepting work before leaving the stack; submissions that
		// already reserved a slot are drained below rather than dropped.
		frame.markClosing()
		c.pop(domain, frame)
		results <- forkResult{value: value, err: err}
	}()

	for {
		select {
		case task := <-frame.tasks:
			task()
			frame.markServed()
		case r := <-results:
			for frame.pendingTasks() {
				task := <-frame.tasks
				task()
				frame.markServed()
			}
			return r.value, r.err
		}
	}
}

// MaybeHandleAny runs fn inline on the flow currently forked for domain, if
// one exists, and blocks until it finishes there. Returns handled=false when
// no fork is active, signaling the caller to fall back to its normal dispatch
// path.
func (c *RecursionCoordinator) MaybeHandleAny(domain RecursionDomain, fn func() (any, error)) (value any, handled bool, err error) {
	for {
		c.mu.Lock()
		stack := c.stacks[domain]
		if len(stack) == 0 {
			c.mu.Unlock()
			return nil, false, nil
		}
		top := stack[len(stack)-1]
		c.mu.Unlock()

		if !top.reserve() {
			// The fork completed between the stack read and the
			// reservation; re-examine the stack.
			continue
		}

		done := make(chan struct{})
		top.tasks <- func() {
			value, err = fn()
			close(done)
		}
		<-done
		return value, true, err
	}
}

// HandleAny runs fn on the forked flow for domain when one is active, and
// directly otherwise.
func (c *RecursionCoordinator) HandleAny(domain RecursionDomain, fn func() (any, error)) (any, error) {
	if value, handled, err := c.MaybeHandleAny(domain, fn); handled {
		return value, err
	}
	return fn()
}

// ActiveForks returns the current fork depth for a domain. Diagnostic only.
func (c *RecursionCoordinator) ActiveForks(domain RecursionDomain) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stacks[domain])
}

func (c *RecursionCoordinator) push(domain RecursionDomain, frame *recursionFrame) {
	c.mu.Lock()
	c.stacks[domain] = append(c.stacks[domain], frame)
	c.mu.Unlock()
}

func (c *RecursionCoordinator) pop(domain RecursionDomain, frame *recursionFrame) {
	c.mu.Lock()
	stack := c.stacks[domain]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == frame {
			c.stacks[domain] = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Fork is the typed wrapper over ForkAny.
func Fork[T any](c *RecursionCoordinator, flow *RecursionFlow, domain RecursionDomain, fn func() (T, error)) (T, error) {
	value, err := c.ForkAny(flow, domain, func() (any, error) {
		return fn()
	})
	if value == nil {
		var zero T
		return zero, err
	}
	return value.(T), err
}

// MaybeHandle is the typed wrapper over MaybeHandleAny.
func MaybeHandle[T any](c *RecursionCoordinator, domain RecursionDomain, fn func() (T, error)) (T, bool, error) {
	value, handled, err := c.MaybeHandleAny(domain, func() (any, error) {
		return fn()
	})
	if value == nil {
		var zero T
		return zero, handled, err
	}
	return value.(T), handled, err
}

// Handle is the typed wrapper over HandleAny.
func Handle[T any](c *RecursionCoordinator, domain RecursionDomain, fn func() (T, error)) (T, error) {
	value, err := c.HandleAny(domain, func() (any, error) {
		return fn()
	})
	if value == nil {
		var zero T
		return zero, err
	}
	return value.(T), err
}
