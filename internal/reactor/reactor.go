// Package reactor is a single-threaded poll loop with timers and dispatcher
// hooks. All registration methods must be called from the goroutine that
// runs Step or Loop; other goroutines hand work over through a Mailbox.
package reactor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/consoled/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	ErrBadDescriptor  = errors.New("reactor: bad file descriptor")
	ErrRecursionDepth = errors.New("reactor: maximum recursion depth exceeded")
	ErrStopped        = errors.New("reactor: stopped")
	ErrClosed         = errors.New("reactor: closed")
)

// Condition is a readiness condition mask.
type Condition uint8

const (
	CondRead Condition = 1 << iota
	CondWrite
	CondExcept

	CondAll = CondRead | CondWrite | CondExcept
)

func (c Condition) String() string {
	s := ""
	if c&CondRead != 0 {
		s += "R"
	}
	if c&CondWrite != 0 {
		s += "W"
	}
	if c&CondExcept != 0 {
		s += "E"
	}
	if s == "" {
		return "-"
	}
	return s
}

// SocketFunc handles one readiness condition. Returning false drops that
// condition's registration.
type SocketFunc func(fd int, cond Condition) bool

// TimerFunc is a timer callback. Returning false removes the timer.
type TimerFunc func() bool

// DispatcherFunc runs once per step and returns the longest time the next
// poll may block. Negative values impose no limit; zero makes the next poll
// non-blocking.
type DispatcherFunc func() time.Duration

type (
	TimerID      uint64
	DispatcherID uint64
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	// MaxRecursionDepth bounds nested Step calls made from callbacks.
	MaxRecursionDepth int
	// DispatcherHint is slept when nothing is registered and is the poll cap
	// used by the built-in wake dispatcher.
	DispatcherHint time.Duration
	// SwallowEINTR treats interrupted polls as empty steps.
	SwallowEINTR bool
	Clock        Clock
	Logger       *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxRecursionDepth: 16,
		DispatcherHint:    100 * time.Millisecond,
		SwallowEINTR:      true,
		Clock:             systemClock{},
	}
}

type registration struct {
	fd        int
	callbacks [3]SocketFunc
	gens      [3]uint64
}

func (r *registration) mask() Condition {
	var m Condition
	for i, cb := range r.callbacks {
		if cb != nil {
			m |= 1 << i
		}
	}
	return m
}

type timer struct {
	id       TimerID
	interval time.Duration
	next     time.Time // zero while executing
	cb       TimerFunc
	removed  bool
}

type dispatcher struct {
	id      DispatcherID
	cb      DispatcherFunc
	removed bool
}

// Reactor multiplexes fd readiness, timers and dispatcher hooks.
type Reactor struct {
	cfg Config
	log zerolog.Logger

	sockets     map[int]*registration
	timers      map[TimerID]*timer
	dispatchers []*dispatcher

	nextTimer      TimerID
	nextDispatcher DispatcherID

	depth     int
	iterating int
	dirty     bool
	gen       uint64
	hint      time.Duration

	stopped atomic.Bool
	closed  bool
	fatal   error

	wakeR, wakeW int
	wakePending  atomic.Bool
	// wakeMu orders Wake against Close; after Close the pipe fds may be
	// reused by anything.
	wakeMu     sync.RWMutex
	wakeClosed bool
}

// New creates a reactor with its own wake pipe.
func New(cfg Config) (*Reactor, error) {
	def := DefaultConfig()
	if cfg.MaxRecursionDepth <= 0 {
		cfg.MaxRecursionDepth = def.MaxRecursionDepth
	}
	if cfg.DispatcherHint <= 0 {
		cfg.DispatcherHint = def.DispatcherHint
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	lg := logging.For("reactor")
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: wake pipe: %w", err)
	}
	r := &Reactor{
		cfg:     cfg,
		log:     lg,
		sockets: make(map[int]*registration),
		timers:  make(map[TimerID]*timer),
		wakeR:   p[0],
		wakeW:   p[1],
		hint:    -1,
	}
	if err := r.Register(r.wakeR, CondRead, r.drainWake); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the wake pipe. Registrations are dropped.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.stopped.Store(true)
	r.sockets = make(map[int]*registration)
	r.timers = make(map[TimerID]*timer)
	r.dispatchers = nil
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	r.wakeClosed = true
	return errors.Join(unix.Close(r.wakeR), unix.Close(r.wakeW))
}

// Register adds cb for cond on fd, merging with existing conditions.
func (r *Reactor) Register(fd int, cond Condition, cb SocketFunc) error {
	if fd < 0 {
		return fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	if cb == nil || cond&CondAll == 0 {
		return fmt.Errorf("reactor: register fd %d: empty condition or callback", fd)
	}
	reg := r.sockets[fd]
	if reg == nil {
		reg = &registration{fd: fd}
		r.sockets[fd] = reg
	}
	r.gen++
	for i := range reg.callbacks {
		if cond&(1<<i) != 0 {
			reg.callbacks[i] = cb
			reg.gens[i] = r.gen
		}
	}
	return nil
}

// RegisterConn is Register for anything exposing a raw descriptor.
func (r *Reactor) RegisterConn(c syscall.Conn, cond Condition, cb SocketFunc) (int, error) {
	fd, err := Descriptor(c)
	if err != nil {
		return -1, err
	}
	return fd, r.Register(fd, cond, cb)
}

// Descriptor resolves the fd behind c.
func Descriptor(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	fd := -1
	if err := rc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	return fd, nil
}

// Unregister drops cond for fd. Unknown fds are ignored.
func (r *Reactor) Unregister(fd int, cond Condition) {
	reg := r.sockets[fd]
	if reg == nil {
		return
	}
	for i := range reg.callbacks {
		if cond&(1<<i) != 0 {
			reg.callbacks[i] = nil
		}
	}
	if reg.mask() == 0 {
		delete(r.sockets, fd)
	}
}

// UnregisterAll drops every condition for fd.
func (r *Reactor) UnregisterAll(fd int) {
	r.Unregister(fd, CondAll)
}

// Registered reports the condition mask currently held for fd.
func (r *Reactor) Registered(fd int) Condition {
	if reg := r.sockets[fd]; reg != nil {
		return reg.mask()
	}
	return 0
}

// AddTimer schedules cb every interval, first firing one interval from now.
func (r *Reactor) AddTimer(interval time.Duration, cb TimerFunc) TimerID {
	if interval <= 0 {
		interval = time.Millisecond
	}
	r.nextTimer++
	t := &timer{id: r.nextTimer, interval: interval, next: r.cfg.Clock.Now().Add(interval), cb: cb}
	r.timers[t.id] = t
	return t.id
}

// RemoveTimer cancels a timer. Unknown or already removed ids are ignored.
func (r *Reactor) RemoveTimer(id TimerID) {
	t := r.timers[id]
	if t == nil || t.removed {
		return
	}
	t.removed = true
	if r.iterating == 0 {
		delete(r.timers, id)
		return
	}
	r.dirty = true
}

// HasTimer reports whether id is scheduled.
func (r *Reactor) HasTimer(id TimerID) bool {
	t := r.timers[id]
	return t != nil && !t.removed
}

// AddDispatcher installs a per-step hook.
func (r *Reactor) AddDispatcher(cb DispatcherFunc) DispatcherID {
	r.nextDispatcher++
	r.dispatchers = append(r.dispatchers, &dispatcher{id: r.nextDispatcher, cb: cb})
	return r.nextDispatcher
}

// RemoveDispatcher drops a hook. Unknown ids are ignored.
func (r *Reactor) RemoveDispatcher(id DispatcherID) {
	for _, d := range r.dispatchers {
		if d.id == id && !d.removed {
			d.removed = true
			r.dirty = true
		}
	}
	if r.iterating == 0 {
		r.compact()
	}
}

// Stop makes Loop return after the current step. Safe from any goroutine.
func (r *Reactor) Stop() {
	r.stopped.Store(true)
	r.Wake()
}

// Stopped reports whether Stop was called or a fatal error occurred.
func (r *Reactor) Stopped() bool {
	return r.stopped.Load()
}

// Err is the fatal error that ended the loop, if any.
func (r *Reactor) Err() error {
	return r.fatal
}

// Wake interrupts a blocked poll. Safe from any goroutine.
func (r *Reactor) Wake() {
	if r.wakePending.Swap(true) {
		return
	}
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.wakeClosed {
		return
	}
	_, err := unix.Write(r.wakeW, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		r.wakePending.Store(false)
	}
}

func (r *Reactor) drainWake(fd int, _ Condition) bool {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	r.wakePending.Store(false)
	return true
}

// Loop steps until Stop, ctx cancellation or a fatal error.
func (r *Reactor) Loop(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Wake()
		case <-done:
		}
	}()
	for !r.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Step(true); err != nil {
			return err
		}
	}
	if r.fatal != nil {
		return r.fatal
	}
	return ctx.Err()
}

// Step runs one iteration: poll, fire due timers, dispatch ready fds and run
// dispatcher hooks. Callbacks may call Step again up to MaxRecursionDepth.
func (r *Reactor) Step(block bool) error {
	if r.closed {
		return ErrClosed
	}
	if r.fatal != nil {
		return r.fatal
	}
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > r.cfg.MaxRecursionDepth {
		r.fatal = fmt.Errorf("%w (%d)", ErrRecursionDepth, r.cfg.MaxRecursionDepth)
		r.stopped.Store(true)
		r.log.Error().Err(r.fatal).Msg("reactor halted")
		return r.fatal
	}

	r.iterating++
	err := r.step(block)
	r.iterating--
	if r.iterating == 0 && r.dirty {
		r.compact()
	}
	if err != nil {
		r.fatal = err
		r.stopped.Store(true)
		r.log.Error().Err(err).Msg("reactor halted")
	}
	return err
}

func (r *Reactor) step(block bool) error {
	timeout := r.timeout(block)
	fds := r.pollSet()
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) && r.cfg.SwallowEINTR {
			n = 0
		} else {
			return fmt.Errorf("reactor: poll: %w", err)
		}
	}

	r.fireTimers()
	if n > 0 {
		r.dispatchReady(fds)
	}
	r.runDispatchers()
	return nil
}

// timeout computes the poll timeout; -1 means block indefinitely. With no
// descriptors besides the wake pipe the poll degrades to a wakeable sleep of
// at most DispatcherHint.
func (r *Reactor) timeout(block bool) time.Duration {
	if !block {
		return 0
	}
	timeout := r.hint
	now := r.cfg.Clock.Now()
	for _, t := range r.timers {
		if t.removed || t.next.IsZero() {
			continue
		}
		d := max(t.next.Sub(now), 0)
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	if timeout < 0 && len(r.sockets) <= 1 {
		timeout = r.cfg.DispatcherHint
	}
	return timeout
}

func (r *Reactor) pollSet() []unix.PollFd {
	keys := make([]int, 0, len(r.sockets))
	for fd := range r.sockets {
		keys = append(keys, fd)
	}
	sort.Ints(keys)
	fds := make([]unix.PollFd, 0, len(keys))
	for _, fd := range keys {
		m := r.sockets[fd].mask()
		var ev int16
		if m&CondRead != 0 {
			ev |= unix.POLLIN
		}
		if m&CondWrite != 0 {
			ev |= unix.POLLOUT
		}
		if m&CondExcept != 0 {
			ev |= unix.POLLPRI
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	return fds
}

func (r *Reactor) fireTimers() {
	now := r.cfg.Clock.Now()
	var due []*timer
	for _, t := range r.timers {
		if t.removed || t.next.IsZero() || t.next.After(now) {
			continue
		}
		due = append(due, t)
	}
	slices.SortFunc(due, func(a, b *timer) int {
		if c := a.next.Compare(b.next); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	for _, t := range due {
		if t.removed || t.next.IsZero() {
			continue
		}
		scheduled := t.next
		t.next = time.Time{}
		keep := t.cb()
		if t.removed {
			continue
		}
		if !keep {
			r.RemoveTimer(t.id)
			continue
		}
		after := r.cfg.Clock.Now()
		next := scheduled.Add(t.interval)
		for !next.After(after) {
			next = next.Add(t.interval)
		}
		t.next = next
	}
}

func (r *Reactor) dispatchReady(fds []unix.PollFd) {
	for _, p := range fds {
		if p.Revents == 0 {
			continue
		}
		fd := int(p.Fd)
		if r.sockets[fd] == nil {
			continue
		}
		rev := p.Revents
		if rev&unix.POLLIN != 0 {
			r.invoke(fd, CondRead)
		}
		if rev&(unix.POLLHUP|unix.POLLNVAL) != 0 {
			if rev&unix.POLLNVAL == 0 {
				r.invoke(fd, CondExcept)
			}
			r.UnregisterAll(fd)
			continue
		}
		if rev&(unix.POLLERR|unix.POLLPRI) != 0 {
			r.invoke(fd, CondExcept)
		}
		if rev&unix.POLLOUT != 0 {
			r.invoke(fd, CondWrite)
		}
	}
}

func (r *Reactor) invoke(fd int, cond Condition) {
	reg := r.sockets[fd]
	if reg == nil {
		return
	}
	idx := 0
	switch cond {
	case CondWrite:
		idx = 1
	case CondExcept:
		idx = 2
	}
	cb, gen := reg.callbacks[idx], reg.gens[idx]
	if cb == nil {
		return
	}
	if !cb(fd, cond) {
		// Leave alone a registration the callback replaced.
		if cur := r.sockets[fd]; cur != nil && cur.gens[idx] == gen {
			r.Unregister(fd, cond)
		}
	}
}

func (r *Reactor) runDispatchers() {
	hint := time.Duration(-1)
	for _, d := range slices.Clone(r.dispatchers) {
		if d.removed {
			continue
		}
		if h := d.cb(); h >= 0 && (hint < 0 || h < hint) {
			hint = h
		}
	}
	r.hint = hint
}

func (r *Reactor) compact() {
	for id, t := range r.timers {
		if t.removed {
			delete(r.timers, id)
		}
	}
	r.dispatchers = slices.DeleteFunc(r.dispatchers, func(d *dispatcher) bool { return d.removed })
	r.dirty = false
}
