package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/racetrack/internal/adapters/mq/queue"
	worker "github.com/okian/racetrack/internal/adapters/mq/worker"
	model "github.com/okian/racetrack/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	requests chan queue.Request
}

func newMockQueue() *mockQueue {
	return &mockQueue{requests: make(chan queue.Request, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Request { return mq.requests }

func (mq *mockQueue) Close() error {
	close(mq.requests)
	return nil
}

type mockLookup struct {
	mu       sync.Mutex
	profiles map[model.UserID]model.Metadata
	calls    int
}

func (m *mockLookup) GetProfile(_ context.Context, id model.UserID) (model.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	meta, ok := m.profiles[id]
	if !ok {
		return model.Metadata{}, errors.New("no such profile")
	}
	return meta, nil
}

func collect() (worker.Sink, <-chan worker.Result) {
	ch := make(chan worker.Result, 10)
	return worker.SinkFunc(func(_ context.Context, r worker.Result) { ch <- r }), ch
}

func next(ch <-chan worker.Result) (worker.Result, bool) {
	select {
	case r := <-ch:
		return r, true
	case <-time.After(time.Second):
		return worker.Result{}, false
	}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a lookup", t, func() {
		q := newMockQueue()
		lookup := &mockLookup{profiles: map[model.UserID]model.Metadata{"u1": {DisplayName: "Ana", CountryCode: "PT"}}}
		sink, results := collect()
		w := worker.NewInMemoryWorker(q, lookup, sink, worker.WithName("test-worker"), worker.WithTimeout(time.Second))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a known user is requested", func() {
			q.requests <- queue.Request{RaceID: "r", UserID: "u1"}
			r, ok := next(results)

			convey.Convey("Then the metadata is delivered", func() {
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(r.Err, convey.ShouldBeNil)
				convey.So(r.Metadata.DisplayName, convey.ShouldEqual, "Ana")
				convey.So(r.Request.UserID, convey.ShouldEqual, model.UserID("u1"))
			})
		})

		convey.Convey("When the lookup fails", func() {
			q.requests <- queue.Request{RaceID: "r", UserID: "ghost"}
			r, ok := next(results)

			convey.Convey("Then a failed result is still delivered", func() {
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(r.Err, convey.ShouldNotBeNil)
				convey.So(r.Request.UserID, convey.ShouldEqual, model.UserID("ghost"))
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()

			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool of workers", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		lookup := &mockLookup{profiles: map[model.UserID]model.Metadata{
			"a": {DisplayName: "A"}, "b": {DisplayName: "B"}, "c": {DisplayName: "C"},
		}}
		sink, results := collect()
		pool := worker.NewPool(3, q, lookup, sink)

		convey.So(pool.Size(), convey.ShouldEqual, 3)
		convey.So(worker.NewPool(0, q, lookup, sink).Size(), convey.ShouldBeGreaterThan, 0)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.Convey("When several requests are queued", func() {
			for _, id := range []model.UserID{"a", "b", "c"} {
				convey.So(q.Enqueue(ctx, queue.Request{RaceID: "r", UserID: id}), convey.ShouldBeTrue)
			}

			convey.Convey("Then every request resolves once", func() {
				names := map[string]bool{}
				for i := 0; i < 3; i++ {
					r, ok := next(results)
					convey.So(ok, convey.ShouldBeTrue)
					names[r.Metadata.DisplayName] = true
				}
				convey.So(names, convey.ShouldResemble, map[string]bool{"A": true, "B": true, "C": true})
			})
		})

		convey.Convey("When the pool shuts down", func() {
			err := pool.Shutdown(context.Background())

			convey.Convey("Then the queue is closed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})
}
