// Package lytics is a client-side analytics tracker.
//
// A Tracker times sessions and records named events into a durable
// SQLite queue, then delivers the queue to a collection endpoint in
// batches with at-least-once semantics. Recording never touches the
// network; delivery happens on session ticks, session end, resume and
// explicit Flush.
//
//	t := lytics.New(lytics.WithStorePath("lytics.db"))
//	if err := t.Start(ctx, "acct1", "host.example"); err != nil {
//		// the tracker stays disabled; every call below is a no-op
//	}
//	defer t.Close()
//
//	t.StartSession()
//	t.RecordEvent("purchase",
//		lytics.Category("commerce"),
//		lytics.Parameters(map[string]any{"amount": 9.99}))
//	t.EndSession()
package lytics
