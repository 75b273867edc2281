package server

import (
	"net"

	tomb "gopkg.in/tomb.v2"
)

// workerFunc handles one accepted connection. Any error it returns is
// fatal to the whole pool; connection-local failures are logged and
// swallowed by the caller instead.
type workerFunc func(t *tomb.Tomb, conn net.Conn) error

// workerPool is a bounded, tomb-supervised pool of connection handlers,
// adapted from saiputravu-Exchange's internal/worker.go. Unlike that
// pool's unbounded task channel, submit rejects when the channel is full
// rather than queuing without limit (§9 "backpressure ... preferred over
// unbounded queuing").
type workerPool struct {
	size  int
	tasks chan net.Conn
	work  workerFunc
}

func newWorkerPool(size int, work workerFunc) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{
		size:  size,
		tasks: make(chan net.Conn, size),
		work:  work,
	}
}

// run starts size worker goroutines supervised by t.
func (p *workerPool) run(t *tomb.Tomb) {
	for i := 0; i < p.size; i++ {
		t.Go(func() error {
			return p.loop(t)
		})
	}
}

func (p *workerPool) loop(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case conn := <-p.tasks:
			if err := p.work(t, conn); err != nil {
				return err
			}
		}
	}
}

// submit hands a connection to a free worker. It reports false, without
// blocking, if every worker and the queue are busy.
func (p *workerPool) submit(conn net.Conn) bool {
	select {
	case p.tasks <- conn:
		return true
	default:
		return false
	}
}
