// Package wsmux provides a resilient client for tag-framed WebSocket peers.
//
// Each frame on the wire is one tag byte followed by a protobuf payload. The
// tag selects a push, a request or a response; responses are matched to the
// request that carries the same sequence id.
//
// A [Connection] owns one physical transport per address and keeps it alive:
// it pings an idle peer, reconnects with bounded retries after a failure and
// replays a failed send once on the new transport. A [Manager] pools
// connections and binds any number of [Session] values, one per [Sink] and
// address, to them. The connection to an address is closed once its last
// session is removed.
//
// # Thread Safety
//
// [Manager], [Session] and [Connection] are safe for concurrent use by
// multiple goroutines. A [Sink] is called from one goroutine per address, in
// frame order.
//
// # Basic Usage
//
//	ctx := context.Background()
//
//	mgr := wsmux.NewManager(wsmux.WithLogger(logger))
//	defer mgr.CloseAll(ctx)
//
//	sink := wsmux.SinkFunc{Name: "main", Fn: func(ev wsmux.Event) {
//	    if ev.Kind == wsmux.EventPush {
//	        fmt.Println(ev.Push.Event)
//	    }
//	}}
//
//	id, err := mgr.AddClient(ctx, sink, "127.0.0.1", 9000)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	v, err := mgr.Request(ctx, id, "/system/info", wsmux.NullBody())
//	if err != nil {
//	    var reqErr *wsmux.RequestError
//	    if errors.As(err, &reqErr) {
//	        log.Printf("rejected with %d: %v", reqErr.Status, reqErr.Value)
//	    }
//	    log.Fatal(err)
//	}
//	fmt.Println(v)
//
// # Observability
//
// Use [WithLogger], [WithMetrics], [WithOnSend] and [WithOnReceive] to add
// logging and monitoring:
//
//	mgr := wsmux.NewManager(
//	    wsmux.WithLogger(zap.NewExample()),
//	    wsmux.WithMetrics(wsmux.NewMetrics(prometheus.DefaultRegisterer)),
//	    wsmux.WithOnSend(func(req *wsmux.Request) {
//	        log.Printf("-> %s", req.URL)
//	    }),
//	)
package wsmux
