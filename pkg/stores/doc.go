// Package stores keeps the run history of actiongraph in SQLite.
//
// Every Process call is recorded as a Run keyed by its scheduler session ID,
// and every task state change as an ActionEvent. The history is reporting
// only: version-based caching is driven by handler status, never by the
// store.
//
// The schema is embedded and applied with golang-migrate. The pure Go
// modernc.org/sqlite driver is used, so no cgo toolchain is needed.
//
// Typical wiring in the CLI:
//
//	store, _ := stores.NewSQLiteStore(stores.Config{Path: ".agraph/history.db"})
//	_ = store.Init(ctx)
//	_ = store.Migrate(ctx)
//
//	rec := stores.NewRecorder(store, logger)
//	_ = rec.StartRun(ctx, sessionID, "deploy", roots)
//	publisher.Subscribe(rec.Emit, nil)
//
//	results, err := scheduler.Process(ctx, tasks, engine.ProcessOptions{SessionID: sessionID})
//	_ = rec.FinishRun(ctx, sessionID, results, err)
package stores
