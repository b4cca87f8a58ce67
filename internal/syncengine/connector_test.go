package syncengine

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcprouter/router/internal/registry"
	"github.com/mcprouter/router/internal/upstream"
	"github.com/mcprouter/router/internal/upstream/mcpfixture"
)

type fakeDownstream struct {
	added   []string
	removed []string
}

func (f *fakeDownstream) AddTools(tools ...server.ServerTool) {
	for _, t := range tools {
		f.added = append(f.added, t.Tool.Name)
	}
}

func (f *fakeDownstream) DeleteTools(names ...string) {
	f.removed = append(f.removed, names...)
}

func newTestConnector() (*ManagerRegistry, *fakeDownstream, *upstream.Manager) {
	down := &fakeDownstream{}
	mgr := upstream.NewManager(upstream.DefaultManagerConfig(), nil, nil, nil, nil)
	reg := registry.New(down, ":", func(context.Context, string, string, map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}, nil)
	mgr.SetOnToolsChanged(func(name string) { reg.RegisterToolsFor(mgr.Tools(name)) })
	return NewConnector(mgr, reg), down, mgr
}

func TestManagerRegistry_ConnectRegistersDownstreamTools(t *testing.T) {
	fx := mcpfixture.New()
	defer fx.Close()

	conn, down, mgr := newTestConnector()
	defer mgr.DisconnectAll()

	cfg := upstream.ServerConfig{Name: "fixture", URL: fx.URL, TimeoutMS: 2000}
	if err := conn.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}

	found := false
	for _, name := range down.added {
		if name == "fixture:echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fixture:echo registered downstream, got %v", down.added)
	}

	status, ok := conn.Status("fixture")
	if !ok || status != upstream.StatusConnected {
		t.Errorf("Status() = (%v, %v), want (CONNECTED, true)", status, ok)
	}
}

func TestManagerRegistry_DisconnectUnregistersDownstreamTools(t *testing.T) {
	fx := mcpfixture.New()
	defer fx.Close()

	conn, down, mgr := newTestConnector()
	defer mgr.DisconnectAll()

	cfg := upstream.ServerConfig{Name: "fixture", URL: fx.URL, TimeoutMS: 2000}
	if err := conn.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}

	down.removed = nil
	if err := conn.Disconnect("fixture"); err != nil {
		t.Fatalf("Disconnect() unexpected error: %v", err)
	}
	if len(down.removed) == 0 {
		t.Error("expected downstream tools removed on disconnect")
	}
	if _, ok := conn.Status("fixture"); ok {
		t.Error("expected connection gone after Disconnect")
	}
}
