package rootchain

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/quarkmaster/internal/network"
	"github.com/dreamware/quarkmaster/internal/registry"
	"github.com/dreamware/quarkmaster/internal/rootstate"
	"github.com/dreamware/quarkmaster/internal/wire"
)

// fatalFunc reports a hard-assertion failure: divergent cluster state that
// the process cannot recover from. The default terminates the process via
// logrus.Fatal; tests substitute a recording stub so a broken invariant
// fails the test instead of exiting the test binary.
type fatalFunc func(msg string, fields logrus.Fields)

// Serializer is the Root-Block Update Serializer: a FIFO queue of root
// blocks paired with an at-most-one-drainer guard. EnqueueRootBlock is the
// asynchronous entry point used by the peer receive path; AddRootBlock is
// the synchronous variant used by the locally-mined path, which validates
// before enqueuing and blocks until its block has been drained.
type Serializer struct {
	rootState rootstate.RootState
	registry  *registry.ClusterRegistry
	net       network.Network
	log       logrus.FieldLogger

	mu       sync.Mutex
	queue    []*rootstate.RootBlock
	draining bool
	waiters  []chan struct{}

	activeDrainers int32

	onAssertionFailure fatalFunc
}

// New constructs a Serializer over the given collaborators.
func New(rootState rootstate.RootState, reg *registry.ClusterRegistry, net network.Network, log logrus.FieldLogger) *Serializer {
	s := &Serializer{
		rootState: rootState,
		registry:  reg,
		net:       net,
		log:       log.WithField("component", "rootchain"),
	}
	s.onAssertionFailure = func(msg string, fields logrus.Fields) {
		s.log.WithFields(fields).Fatal(msg)
	}
	return s
}

// SetAssertionFailureHandler overrides how hard assertion failures are
// reported. Tests use this to observe the failure instead of terminating
// the process.
func (s *Serializer) SetAssertionFailureHandler(f func(msg string, fields logrus.Fields)) {
	s.onAssertionFailure = f
}

// ActiveDrainers reports how many drain loops are currently running. The
// single-drainer invariant requires this never exceeds 1; it exists purely
// so tests can observe the invariant holding under concurrent enqueues.
func (s *Serializer) ActiveDrainers() int {
	return int(atomic.LoadInt32(&s.activeDrainers))
}

// QueueDepth reports how many root blocks are currently enqueued awaiting
// application, for the connected-slave/queue-depth metrics the Master
// exposes.
func (s *Serializer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Serializer) enqueueLocked(rb *rootstate.RootBlock) (shouldDrain bool, done chan struct{}) {
	done = make(chan struct{})
	s.queue = append(s.queue, rb)
	s.waiters = append(s.waiters, done)
	if !s.draining {
		s.draining = true
		shouldDrain = true
	}
	return shouldDrain, done
}

// EnqueueRootBlock appends rb to the queue and starts a drain if none is
// active. It returns immediately; callers that need to know when rb has
// been applied should use AddRootBlock instead.
func (s *Serializer) EnqueueRootBlock(ctx context.Context, rb *rootstate.RootBlock) {
	s.mu.Lock()
	shouldDrain, _ := s.enqueueLocked(rb)
	s.mu.Unlock()

	if shouldDrain {
		go s.drain(ctx)
	}
}

// AddRootBlock validates rb (propagating any validation error directly to
// the caller, unlike the discard-and-continue policy the drain loop
// applies to blocks it pops itself) and then enqueues it, blocking until
// the drain session that applies it has emptied the queue.
func (s *Serializer) AddRootBlock(ctx context.Context, rb *rootstate.RootBlock) error {
	if err := s.rootState.ValidateBlock(rb); err != nil {
		return err
	}

	s.mu.Lock()
	shouldDrain, done := s.enqueueLocked(rb)
	s.mu.Unlock()

	if shouldDrain {
		s.drain(ctx)
	} else {
		<-done
	}
	return nil
}

// drain pops one root block at a time, applies it, and broadcasts it to
// every slave before popping the next. It exits, clearing the draining
// flag, only once the queue is empty — at which point it notifies every
// connected peer iff some applied block advanced the tip, and then releases
// any AddRootBlock callers waiting on the session.
func (s *Serializer) drain(ctx context.Context) {
	atomic.AddInt32(&s.activeDrainers, 1)
	defer atomic.AddInt32(&s.activeDrainers, -1)

	tipUpdated := false
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			waiters := s.waiters
			s.waiters = nil
			s.mu.Unlock()
			if tipUpdated {
				s.notifyPeers()
			}
			for _, w := range waiters {
				close(w)
			}
			return
		}
		rb := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		updated, err := s.rootState.AddBlock(rb)
		if err != nil {
			s.log.WithError(err).Warn("discarding root block")
			continue
		}
		if updated {
			tipUpdated = true
		}
		s.broadcast(ctx, rb)
	}
}

// broadcast sends ADD_ROOT_BLOCK_REQUEST to every slave and gathers all
// responses in parallel. Any transport error or non-zero error_code is a
// hard assertion: the cluster's root-chain state has diverged.
func (s *Serializer) broadcast(ctx context.Context, rb *rootstate.RootBlock) {
	slaves := s.registry.AllSlaves()
	type outcome struct {
		slaveID string
		result  wire.AddRootBlockResult
		err     error
	}
	outcomes := make([]outcome, len(slaves))

	var wg sync.WaitGroup
	for i, sl := range slaves {
		wg.Add(1)
		go func(i int, sl interface {
			ID() string
			AddRootBlock(context.Context, rootstate.RootBlock) (wire.AddRootBlockResult, error)
		}) {
			defer wg.Done()
			res, err := sl.AddRootBlock(ctx, *rb)
			outcomes[i] = outcome{slaveID: sl.ID(), result: res, err: err}
		}(i, sl)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			s.onAssertionFailure("ADD_ROOT_BLOCK_REQUEST transport failure", logrus.Fields{"slave_id": o.slaveID, "error": o.err})
			continue
		}
		if o.result.ErrorCode != 0 {
			s.onAssertionFailure("ADD_ROOT_BLOCK_REQUEST returned non-zero error_code", logrus.Fields{"slave_id": o.slaveID, "error_code": o.result.ErrorCode})
		}
	}
}

func (s *Serializer) notifyPeers() {
	for _, p := range s.net.IteratePeers() {
		if err := p.SendUpdatedTip(); err != nil {
			s.log.WithError(err).Warn("send_updated_tip failed")
		}
	}
}
