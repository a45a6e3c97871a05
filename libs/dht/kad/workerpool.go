package kad

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

var errPoolStopped = errors.New("worker pool stopped")

// workerPool runs lookup RPCs on a fixed number of goroutines fed from one
// FIFO queue. All lookups of a Dht share it, so MaxThreads bounds the
// process-wide number of outstanding RPCs.
type workerPool struct {
	cmn.BaseService

	size  int
	tasks chan func()
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newWorkerPool(size int, logger log.Logger) *workerPool {
	if size <= 0 {
		size = 1
	}
	wp := &workerPool{
		size:  size,
		tasks: make(chan func(), size*4),
		stop:  make(chan struct{}),
	}
	wp.BaseService = *cmn.NewBaseService(logger, "LookupWorkers", wp)
	return wp
}

func (wp *workerPool) OnStart() error {
	for i := 0; i < wp.size; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return nil
}

func (wp *workerPool) OnStop() {
	close(wp.stop)
	wp.wg.Wait()
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.tasks:
			task()
		case <-wp.stop:
			return
		}
	}
}

// Submit queues task. It blocks while the queue is full.
func (wp *workerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-wp.stop:
		return errPoolStopped
	default:
	}
	select {
	case wp.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.stop:
		return errPoolStopped
	}
}
