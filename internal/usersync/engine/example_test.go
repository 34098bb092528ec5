package engine_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/engine"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/remote/memstore"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// This example demonstrates running the engine against an in-memory store.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	database, err := db.Open(".usersync/usersync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	meta, err := metadata.Open(".usersync")
	if err != nil {
		log.Fatal(err)
	}

	e := engine.New(database, meta, memstore.New(), engine.DefaultConfig())
	defer e.Close()

	cancel := e.Subscribe(func(s engine.State) {
		fmt.Printf("phase=%s busy=%v\n", s.Phase, s.IsPerformingSyncOperation)
	})
	defer cancel()

	e.Start()

	// Local writes are picked up by the engine's observers
	b := schema.NewBookmark("wwdc2021-100", "check the demo at 12:00", 720)
	if err := database.SaveRecord(context.Background(), b); err != nil {
		log.Fatal(err)
	}
}

// This example demonstrates signalling new catalog content so pending
// records get applied.
func ExampleEngine_CommitPendingContent() {
	database, err := db.Open(".usersync/usersync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	meta, err := metadata.Open(".usersync")
	if err != nil {
		log.Fatal(err)
	}

	e := engine.New(database, meta, memstore.New(), engine.DefaultConfig())
	defer e.Close()
	e.Start()

	sessions := []*schema.Session{{ID: "wwdc2023-10001", Title: "Platforms State of the Union"}}
	if err := database.UpsertSessions(sessions); err != nil {
		log.Fatal(err)
	}
	e.CommitPendingContent()
}

// This example demonstrates stopping and forgetting all sync state, as when
// the user signs out.
func ExampleEngine_Stop() {
	database, err := db.Open(".usersync/usersync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	meta, err := metadata.Open(".usersync")
	if err != nil {
		log.Fatal(err)
	}

	e := engine.New(database, meta, memstore.New(), engine.DefaultConfig())
	defer e.Close()
	e.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Stop(ctx, engine.StopHarsh); err != nil {
		log.Printf("stop: %v", err)
	}
}
