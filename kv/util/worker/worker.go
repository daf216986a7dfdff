package worker

import "sync"

// Task is the payload a worker hands to its handler. The two background
// users of this package, the timestamp renewer and the split checkers, both
// queue small request structs and process them one at a time, so a worker is
// just a named goroutine draining a channel into a handler function.
type Task interface{}

type stopTask struct{}

// Worker runs tasks sequentially on its own goroutine until Stop.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}

// Start launches the drain loop. handle must not retain the task past its
// return; tasks queued after Stop are dropped.
func (w *Worker) Start(handle func(Task)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			task := <-w.receiver
			if _, ok := task.(stopTask); ok {
				return
			}
			handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Stop() {
	w.sender <- stopTask{}
}
