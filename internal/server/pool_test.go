package server

import (
	"net"
	"testing"

	tomb "gopkg.in/tomb.v2"
)

func TestWorkerPoolSubmitRejectsWhenFull(t *testing.T) {
	// No worker drains the task channel, so its size-1 buffer fills
	// deterministically after the first submit.
	pool := newWorkerPool(1, func(tb *tomb.Tomb, conn net.Conn) error {
		return nil
	})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	if !pool.submit(c1) {
		t.Fatal("first submit should succeed")
	}

	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()
	if pool.submit(c3) {
		t.Fatal("second submit should be rejected once the queue is full")
	}
}
