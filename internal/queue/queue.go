// Package queue is the thread-safe hand-off between the reactor thread and
// handler workers: single requests, sequential request groups and the
// single-slot responses produced for them.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/consoled/internal/protocol"
)

var (
	ErrEmptyGroup  = errors.New("queue: empty request group")
	ErrDuplicateID = errors.New("queue: duplicate request id")
)

// Waiter is woken whenever a response becomes available.
type Waiter interface {
	Wake()
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func()

func (f WaiterFunc) Wake() { f() }

// ChanWaiter signals a buffered channel without blocking.
type ChanWaiter chan struct{}

func (c ChanWaiter) Wake() {
	select {
	case c <- struct{}{}:
	default:
	}
}

// MailboxWaiter runs fn on the reactor thread for every wake.
func MailboxWaiter(post func(func()) bool, fn func()) Waiter {
	return WaiterFunc(func() { post(fn) })
}

type GroupID uint64

type container struct {
	request  *protocol.Message
	waiter   Waiter
	unseen   bool
	finished bool
	last     *protocol.Message
	group    GroupID
}

type group struct {
	id         GroupID
	requests   []*protocol.Message
	next       int
	dispatched []int64
	finals     []*protocol.Message
	partial    *protocol.Message
	waiter     Waiter
	complete   bool
}

// GroupResponse is what GetGroupResponse hands out.
type GroupResponse struct {
	// Partial is the most recent non-final sub-response, if any.
	Partial *protocol.Message
	// Finals holds the final sub-responses in admission order once the
	// group completed.
	Finals   []*protocol.Message
	Complete bool
}

type Queue struct {
	mu         sync.Mutex
	containers map[int64]*container
	order      []int64
	groups     map[GroupID]*group
	nextGroup  GroupID
	notify     chan struct{}
}

func New() *Queue {
	return &Queue{
		containers: make(map[int64]*container),
		groups:     make(map[GroupID]*group),
		notify:     make(chan struct{}, 1),
	}
}

// Notify fires after a request becomes available to workers.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// NewRequest adds a single request. A request whose id is already queued is
// dropped and false is returned.
func (q *Queue) NewRequest(req *protocol.Message, w Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.containers[req.ID]; ok {
		return false
	}
	q.addLocked(req, w, 0)
	return true
}

func (q *Queue) addLocked(req *protocol.Message, w Waiter, gid GroupID) {
	q.containers[req.ID] = &container{request: req, waiter: w, unseen: true, group: gid}
	q.order = append(q.order, req.ID)
	q.signal()
}

// NewRequestGroup queues subs to run one after another. Only the first is
// visible to workers; each following one is admitted when its predecessor
// produced a final response.
func (q *Queue) NewRequestGroup(subs []*protocol.Message, w Waiter) (GroupID, error) {
	if len(subs) == 0 {
		return 0, ErrEmptyGroup
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[int64]bool, len(subs))
	for _, s := range subs {
		if _, ok := q.containers[s.ID]; ok || seen[s.ID] {
			return 0, fmt.Errorf("%w: %d", ErrDuplicateID, s.ID)
		}
		seen[s.ID] = true
	}
	q.nextGroup++
	g := &group{id: q.nextGroup, requests: subs, waiter: w}
	q.groups[g.id] = g
	q.admitLocked(g)
	return g.id, nil
}

func (q *Queue) admitLocked(g *group) {
	req := g.requests[g.next]
	g.next++
	g.dispatched = append(g.dispatched, req.ID)
	q.addLocked(req, g.waiter, g.id)
}

// AppendResponse stores resp for its request and wakes the waiter. For a
// group member a final response admits the next sub-request or completes
// the group. Responses for unknown ids are ignored and false is returned.
func (q *Queue) AppendResponse(resp *protocol.Message) bool {
	q.mu.Lock()
	c, ok := q.containers[resp.ID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	var g *group
	if c.group != 0 {
		g = q.groups[c.group]
	}
	if g == nil {
		c.last = resp
		if resp.Final {
			c.finished = true
		}
		w := c.waiter
		q.mu.Unlock()
		wake(w)
		return true
	}

	if !resp.Final {
		g.partial = resp
	} else {
		g.finals = append(g.finals, resp)
		delete(q.containers, resp.ID)
		if g.next < len(g.requests) {
			q.admitLocked(g)
		} else {
			g.complete = true
		}
	}
	w := g.waiter
	q.mu.Unlock()
	wake(w)
	return true
}

func wake(w Waiter) {
	if w != nil {
		w.Wake()
	}
}

// GetLastResponse consumes the latest response for id. A finished request is
// removed once its final response has been taken.
func (q *Queue) GetLastResponse(id int64) *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.containers[id]
	if !ok {
		return nil
	}
	resp := c.last
	c.last = nil
	if c.finished && resp != nil && resp.Final {
		delete(q.containers, id)
	}
	return resp
}

// GetGroupResponse consumes the latest partial of a group and, once the
// group is complete, its final responses; the group is then removed.
func (q *Queue) GetGroupResponse(gid GroupID) (GroupResponse, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[gid]
	if !ok {
		return GroupResponse{}, false
	}
	out := GroupResponse{Partial: g.partial}
	g.partial = nil
	if g.complete {
		out.Complete = true
		out.Finals = g.finals
		delete(q.groups, gid)
	}
	return out, true
}

// GetUnseenRequest hands the oldest request no worker has seen yet to the
// caller, or nil.
func (q *Queue) GetUnseenRequest() *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.order {
		c, ok := q.containers[id]
		if !ok || !c.unseen {
			continue
		}
		c.unseen = false
		q.order = append(q.order[:0:0], q.order[i+1:]...)
		return c.request
	}
	q.order = q.order[:0]
	return nil
}

// Cancel forgets a request. Responses arriving later are ignored.
func (q *Queue) Cancel(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.containers, id)
}

// CancelGroup forgets a group and its admitted sub-requests.
func (q *Queue) CancelGroup(gid GroupID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[gid]
	if !ok {
		return
	}
	for _, id := range g.dispatched {
		delete(q.containers, id)
	}
	delete(q.groups, gid)
}

// Dispatched lists the sub-request ids admitted so far for gid.
func (q *Queue) Dispatched(gid GroupID) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[gid]; ok {
		return append([]int64(nil), g.dispatched...)
	}
	return nil
}

// Len is the number of live request containers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.containers)
}
