// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"sync"
	"time"
)

// result completes a pending transaction.
type result struct {
	adu *ApplicationDataUnit
	err error
}

// pending is an outstanding transaction. Exactly one result is delivered on
// done, by whichever of resolve, expire, cancel or failAll removes the slot
// from the registry first.
type pending struct {
	id    uint16
	done  chan result
	timer *time.Timer
}

// registry correlates responses with outstanding requests of one
// connection.
type registry struct {
	mu     sync.Mutex
	next   uint16
	slots  map[uint16]*pending
	err    error
	logger logger
}

func newRegistry(l logger) *registry {
	return &registry{
		slots:  make(map[uint16]*pending),
		logger: l,
	}
}

// register adds a slot for id. A positive timeout arms a timer that expires
// the slot with ErrTimeout.
func (r *registry) register(id uint16, timeout time.Duration) (*pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if _, ok := r.slots[id]; ok {
		return nil, fmt.Errorf("%w: '%v'", ErrDuplicateTransaction, id)
	}
	return r.insertLocked(id, timeout), nil
}

// allocate registers the next free id. The counter wraps at 16 bits and
// skips ids that are still outstanding.
func (r *registry) allocate(timeout time.Duration) (*pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if len(r.slots) > 0xFFFF {
		return nil, fmt.Errorf("%w: all transaction ids are outstanding", ErrDuplicateTransaction)
	}
	for {
		id := r.next
		r.next++
		if _, ok := r.slots[id]; !ok {
			return r.insertLocked(id, timeout), nil
		}
	}
}

func (r *registry) insertLocked(id uint16, timeout time.Duration) *pending {
	p := &pending{id: id, done: make(chan result, 1)}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { r.expire(p) })
	}
	r.slots[id] = p
	return p
}

// complete removes p and delivers res if p is still the slot registered
// under its id.
func (r *registry) complete(p *pending, res result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.slots[p.id]; !ok || cur != p {
		return false
	}
	r.removeLocked(p, res)
	return true
}

func (r *registry) removeLocked(p *pending, res result) {
	delete(r.slots, p.id)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
}

// resolve completes the transaction id with adu. Responses for ids that are
// not outstanding, such as late answers to expired requests, are dropped.
func (r *registry) resolve(id uint16, adu *ApplicationDataUnit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.slots[id]
	if !ok {
		if r.logger != nil {
			r.logger.Printf("modbus: dropping response for unknown transaction id '%v'", id)
		}
		return false
	}
	r.removeLocked(p, result{adu: adu})
	return true
}

// expire completes p with ErrTimeout unless it was resolved first.
func (r *registry) expire(p *pending) bool {
	return r.complete(p, result{err: ErrTimeout})
}

// cancel withdraws p. It reports false if p already has a result, which
// is then waiting on p.done.
func (r *registry) cancel(p *pending) bool {
	return r.complete(p, result{err: ErrClientClosed})
}

// failAll completes every outstanding transaction with err. Later calls to
// register and allocate fail with the first error passed to failAll.
func (r *registry) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
	}
	for _, p := range r.slots {
		r.removeLocked(p, result{err: err})
	}
}

// failed returns the error passed to the first failAll.
func (r *registry) failed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// outstanding returns the number of pending transactions.
func (r *registry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
