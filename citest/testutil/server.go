// Package testutil provides helpers for integration-testing the engine
// over its HTTP surface.
package testutil

import (
	"net/http/httptest"
	"os"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/server"
	"github.com/threadcore-ai/threadcore/internal/session"
	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// TestServer wraps an in-process engine instance.
type TestServer struct {
	HTTP     *httptest.Server
	Registry *session.Registry
	Bus      *event.Bus
	Store    *trajectory.Store
	DataDir  string
}

// StartTestServer starts an engine with the given collaborators. Nil
// fields in deps keep their no-op defaults; a trajectory store in a
// temp directory is wired unless deps already carries one.
func StartTestServer(deps session.Deps) (*TestServer, error) {
	dataDir, err := os.MkdirTemp("", "threadcore-citest-*")
	if err != nil {
		return nil, err
	}

	var store *trajectory.Store
	if deps.Store == nil {
		store = trajectory.NewStore(dataDir)
		deps.Store = store
	}

	bus := event.NewBus()
	registry := session.NewRegistry(bus, deps, types.Thread{
		Model:   "test-model",
		Mode:    "agent",
		ToolUse: "auto",
	})

	srv := server.New(server.DefaultConfig(), registry, bus)

	return &TestServer{
		HTTP:     httptest.NewServer(srv.Router()),
		Registry: registry,
		Bus:      bus,
		Store:    store,
		DataDir:  dataDir,
	}, nil
}

// Client returns a TestClient bound to this server.
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.HTTP.URL)
}

// Stop tears the server down and removes its data directory.
func (ts *TestServer) Stop() {
	ts.HTTP.Close()
	ts.Registry.Close()
	ts.Bus.Close()
	os.RemoveAll(ts.DataDir)
}
