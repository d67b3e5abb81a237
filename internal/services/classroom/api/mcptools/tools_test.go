package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/experiment"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/gateway"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/session"
)

func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	root := t.TempDir()
	registry := experiment.NewRegistry(experiment.Options{Credentials: credential.Options{Iterations: 1000}})
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	for _, name := range []string{"alpha", "beta"} {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Join(dir, experiment.FunctionsDirName), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, experiment.ManifestFile), []byte("modules: [examples]\nactive: true\n"), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
		if _, err := registry.RegisterDir(t.Context(), root, name); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := registry.BindRoot("alpha"); err != nil {
		t.Fatalf("bind root: %v", err)
	}
	sessions, err := session.NewManager(time.Hour)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	gw := gateway.New(gateway.Config{Experiments: registry, Sessions: sessions})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := NewServer(gw).Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("connect server: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })
	return clientSession
}

func decodeStructuredContent[T any](t *testing.T, value any) T {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var output T
	if err := json.Unmarshal(data, &output); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
	return output
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := cs.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return result
}

func TestToolsAreListed(t *testing.T) {
	t.Parallel()

	cs := connect(t)
	tools, err := cs.ListTools(t.Context(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	if got, want := strings.Join(names, ","), "call_function,list_functions,log_options,query_logs"; got != want {
		t.Fatalf("tools = %s, want %s", got, want)
	}
}

func TestListFunctions(t *testing.T) {
	t.Parallel()

	cs := connect(t)
	result := callTool(t, cs, "list_functions", map[string]any{"experiment": "beta"})
	if result.IsError {
		t.Fatalf("list_functions failed: %+v", result)
	}
	out := decodeStructuredContent[ListFunctionsResult](t, result.StructuredContent)
	found := false
	for _, fn := range out.Functions {
		if fn.Name == "rosenbrock" {
			found = true
			if len(fn.Params) != 4 || fn.Params[2].Name != "a" || fn.Params[2].Required {
				t.Fatalf("rosenbrock params = %+v", fn.Params)
			}
		}
	}
	if !found {
		t.Fatalf("functions = %+v", out.Functions)
	}
}

func TestCallFunctionThenQueryLogs(t *testing.T) {
	t.Parallel()

	cs := connect(t)
	result := callTool(t, cs, "call_function", map[string]any{
		"student_id": "s1", "func_name": "square", "args": []any{7}, "trial": "t1",
	})
	if result.IsError {
		t.Fatalf("call_function failed: %+v", result)
	}
	call := decodeStructuredContent[CallFunctionResult](t, result.StructuredContent)
	if !call.OK || call.Result != 49.0 {
		t.Fatalf("call = %+v", call)
	}

	failed := decodeStructuredContent[CallFunctionResult](t, callTool(t, cs, "call_function", map[string]any{
		"student_id": "s1", "func_name": "square", "args": []any{"x"},
	}).StructuredContent)
	if failed.OK || !strings.HasPrefix(failed.Error, "BadArguments: ") {
		t.Fatalf("failed call = %+v", failed)
	}

	logs := decodeStructuredContent[QueryLogsResult](t, callTool(t, cs, "query_logs", map[string]any{
		"order": "earliest",
	}).StructuredContent)
	if len(logs.Logs) != 2 {
		t.Fatalf("logs = %+v", logs.Logs)
	}
	first := logs.Logs[0]
	if first.FuncName != "square" || first.Result != 49.0 || first.Trial != "t1" || !first.OK {
		t.Fatalf("first log = %+v", first)
	}
	if logs.Logs[1].OK || logs.Logs[1].Error == nil {
		t.Fatalf("second log = %+v", logs.Logs[1])
	}

	filtered := decodeStructuredContent[QueryLogsResult](t, callTool(t, cs, "query_logs", map[string]any{
		"filter": `trial = "t1"`,
	}).StructuredContent)
	if len(filtered.Logs) != 1 {
		t.Fatalf("filtered logs = %+v", filtered.Logs)
	}

	opts := decodeStructuredContent[LogOptionsResult](t, callTool(t, cs, "log_options", map[string]any{}).StructuredContent)
	if strings.Join(opts.Students, ",") != "s1" || strings.Join(opts.Trials, ",") != "t1" {
		t.Fatalf("options = %+v", opts)
	}
}

func TestToolErrors(t *testing.T) {
	t.Parallel()

	cs := connect(t)
	result := callTool(t, cs, "list_functions", map[string]any{"experiment": "gamma"})
	if !result.IsError {
		t.Fatalf("expected tool error, got %+v", result)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok || !strings.HasPrefix(text.Text, "NotFound: ") {
		t.Fatalf("content = %+v", result.Content)
	}

	result = callTool(t, cs, "query_logs", map[string]any{"start_time": "yesterday"})
	if !result.IsError {
		t.Fatalf("expected invalid time error, got %+v", result)
	}
}
