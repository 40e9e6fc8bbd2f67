package utils

import (
	"errors"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/livekit/pcengine/pkg/logger"
)

var ErrQueueStopped = errors.New("ops queue stopped")

type queuedOp struct {
	name string
	run  func()
	drop func()
}

// OpsQueue runs enqueued operations one at a time, in enqueue order, on a single goroutine.
// The queue is unbounded so Enqueue never blocks the caller.
type OpsQueue struct {
	logger   logger.Logger
	name     string
	warnSize int

	lock    sync.Mutex
	ops     deque.Deque[*queuedOp]
	wake    chan struct{}
	stopped core.Fuse
	done    chan struct{}
	onOp    func(name string)
}

func NewOpsQueue(logger logger.Logger, name string, warnSize int) *OpsQueue {
	return &OpsQueue{
		logger:   logger,
		name:     name,
		warnSize: warnSize,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (oq *OpsQueue) SetLogger(logger logger.Logger) {
	oq.logger = logger
}

// OnOpExecuted is invoked on the worker after each executed operation
func (oq *OpsQueue) OnOpExecuted(f func(name string)) {
	oq.lock.Lock()
	oq.onOp = f
	oq.lock.Unlock()
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop prevents further enqueues and drains queued operations without running them,
// calling each one's drop function instead. An operation already running is not interrupted.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.stopped.IsBroken() {
		oq.lock.Unlock()
		return
	}
	oq.stopped.Break()
	pending := make([]*queuedOp, 0, oq.ops.Len())
	for oq.ops.Len() > 0 {
		pending = append(pending, oq.ops.PopFront())
	}
	oq.lock.Unlock()

	for _, op := range pending {
		if op.drop != nil {
			op.drop()
		}
	}
	if len(pending) > 0 {
		oq.logger.Debugw("drained ops queue", "name", oq.name, "dropped", len(pending))
	}
}

// Done is closed once the worker goroutine has exited
func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done
}

func (oq *OpsQueue) IsStopped() bool {
	return oq.stopped.IsBroken()
}

// Enqueue appends op to the queue. When the queue has been stopped it returns ErrQueueStopped
// and neither run nor drop is called; the caller owns cleanup in that case.
func (oq *OpsQueue) Enqueue(name string, run func(), drop func()) error {
	oq.lock.Lock()
	if oq.stopped.IsBroken() {
		oq.lock.Unlock()
		return ErrQueueStopped
	}
	oq.ops.PushBack(&queuedOp{name: name, run: run, drop: drop})
	size := oq.ops.Len()
	oq.lock.Unlock()

	if oq.warnSize > 0 && size == oq.warnSize {
		oq.logger.Warnw("ops queue backing up", nil, "name", oq.name, "size", size)
	}

	select {
	case oq.wake <- struct{}{}:
	default:
	}
	return nil
}

func (oq *OpsQueue) Len() int {
	oq.lock.Lock()
	defer oq.lock.Unlock()
	return oq.ops.Len()
}

func (oq *OpsQueue) process() {
	defer close(oq.done)
	for {
		oq.lock.Lock()
		if oq.stopped.IsBroken() {
			oq.lock.Unlock()
			return
		}
		if oq.ops.Len() == 0 {
			oq.lock.Unlock()
			select {
			case <-oq.wake:
			case <-oq.stopped.Watch():
			}
			continue
		}
		op := oq.ops.PopFront()
		onOp := oq.onOp
		oq.lock.Unlock()

		op.run()
		if onOp != nil {
			onOp(op.name)
		}
	}
}
