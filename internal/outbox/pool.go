package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Submit after the dispatcher was stopped.
var ErrStopped = errors.New("dispatcher stopped")

// Task represents a unit of work to be executed by a worker.
type Task interface {
	Execute(ctx context.Context) error
	ID() string
}

// Worker runs tasks handed to it through its own channel.
type Worker struct {
	ID          int
	WorkerPool  chan chan Task // workers register their TaskChannel here when idle
	TaskChannel chan Task
	quit        chan struct{}
	wg          *sync.WaitGroup
	log         *logrus.Entry
}

func newWorker(id int, pool chan chan Task, wg *sync.WaitGroup, log *logrus.Logger) *Worker {
	return &Worker{
		ID:          id,
		WorkerPool:  pool,
		TaskChannel: make(chan Task),
		quit:        make(chan struct{}),
		wg:          wg,
		log:         log.WithField("worker", id),
	}
}

// Start makes the worker listen for tasks until its quit channel closes.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			// Register as idle.
			select {
			case w.WorkerPool <- w.TaskChannel:
			case <-w.quit:
				return
			}

			select {
			case task := <-w.TaskChannel:
				if err := task.Execute(ctx); err != nil {
					w.log.WithError(err).WithField("task_id", task.ID()).Warn("Task failed")
				}
			case <-w.quit:
				return
			}
		}
	}()
}

func (w *Worker) stop() {
	close(w.quit)
}

// Dispatcher manages a pool of workers and hands tasks to idle ones.
type Dispatcher struct {
	MaxWorkers int
	workerPool chan chan Task
	workers    []*Worker
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logrus.Logger
}

// NewDispatcher creates a dispatcher with maxWorkers workers.
func NewDispatcher(maxWorkers int, log *logrus.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Dispatcher{
		MaxWorkers: maxWorkers,
		workerPool: make(chan chan Task, maxWorkers),
		quit:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the workers. Tasks run with ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 1; i <= d.MaxWorkers; i++ {
		w := newWorker(i, d.workerPool, &d.wg, d.log)
		d.workers = append(d.workers, w)
		w.Start(ctx)
	}
	d.log.WithField("workers", d.MaxWorkers).Info("Outbox dispatcher running")
}

// Submit blocks until an idle worker accepts task, ctx is done or the dispatcher stops.
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	select {
	case taskChannel := <-d.workerPool:
		select {
		case taskChannel <- task:
			return nil
		case <-d.quit:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-d.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals every worker and waits for in-flight tasks to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		for _, w := range d.workers {
			w.stop()
		}
		d.wg.Wait()
		d.log.Info("Outbox dispatcher stopped")
	})
}
