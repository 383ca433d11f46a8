package main

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getsentry/calltracer/internal/host"
	"github.com/getsentry/calltracer/internal/simhost"
)

const (
	workloadRoot = "/srv/calltracer/workload"
	sitePackages = "/usr/lib/python3/site-packages"
)

// workload serves simulated requests on a few interpreter threads so a
// capture always has calls to record. Each worker keeps its serve loop frame
// open between requests.
type workload struct {
	rt       *simhost.Runtime
	workers  int
	interval time.Duration

	serve      host.CodeID
	handle     host.CodeID
	parse      host.CodeID
	query      host.CodeID
	moduleCall host.CodeID
	forward    host.CodeID

	models  []host.ObjectRef
	payload host.ObjectRef
	rows    host.ObjectRef

	served atomic.Int64
}

func newWorkload(rt *simhost.Runtime, workers int, interval time.Duration) *workload {
	rt.Lock()
	defer rt.Unlock()

	return &workload{
		rt:         rt,
		workers:    workers,
		interval:   interval,
		serve:      rt.Compile(workloadRoot+"/server.py", "serve_forever", 10),
		handle:     rt.Compile(workloadRoot+"/handlers.py", "handle_request", 20),
		parse:      rt.Compile(workloadRoot+"/handlers.py", "parse_body", 41),
		query:      rt.Compile(workloadRoot+"/db.py", "query", 7),
		moduleCall: rt.Compile(sitePackages+"/torch/nn/modules/module.py", "_call_impl", 1510),
		forward:    rt.Compile(sitePackages+"/torch/nn/modules/linear.py", "forward", 113),
		models: []host.ObjectRef{
			rt.NewObject("Linear", "Linear(in_features=8, out_features=4)"),
			rt.NewObject("ReLU", "ReLU()"),
		},
		payload: rt.NewObject("bytes", `b'{"id": 1}'`),
		rows:    rt.NewObject("int", "42"),
	}
}

func (w *workload) pathPrefixes() []string {
	return []string{workloadRoot, sitePackages}
}

// Served returns the number of requests handled so far.
func (w *workload) Served() int64 {
	return w.served.Load()
}

// Run serves requests until ctx is done.
func (w *workload) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		n := i
		g.Go(func() error {
			return w.worker(gctx, n)
		})
	}
	return g.Wait()
}

func (w *workload) worker(ctx context.Context, n int) error {
	w.rt.Lock()
	th := w.rt.NewThread()
	w.rt.Unlock()

	w.rt.Run(th, func(th *simhost.Thread) {
		th.Call(w.serve, nil)
	})
	defer w.rt.Run(th, func(th *simhost.Thread) {
		th.Return()
		w.rt.ExitThread(th)
	})

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rt.Run(th, func(th *simhost.Thread) {
				w.request(th, n)
			})
		}
	}
}

func (w *workload) request(th *simhost.Thread, n int) {
	th.Invoke(w.handle, nil, func() {
		th.Step(4)
		th.Invoke(w.parse, nil, func() {
			th.CallNative(w.payload, nil)
		})
		th.Step(6)
		th.Invoke(w.query, nil, func() {
			// Odd workers hit a failing query.
			th.CallNative(w.rows, func() bool { return n%2 == 0 })
		})
		th.Step(2)
		model := w.models[n%len(w.models)]
		th.Invoke(w.moduleCall, map[string]host.ObjectRef{"self": model}, func() {
			th.Invoke(w.forward, nil, nil)
		})
	})
	w.served.Add(1)
}
