package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/models"
)

// fakeCache implements Cache for testing.
type fakeCache struct {
	hit     *models.CacheHit
	stats   models.CacheStats
	evicted int64
	err     error
	updated map[string]string
}

func (f *fakeCache) Check(_ context.Context, emb []float32, _ *float64) (*models.CacheHit, error) {
	if len(emb) != 3 {
		return nil, cache.ErrInvalidInput
	}
	return f.hit, nil
}
func (f *fakeCache) Stats(context.Context) models.CacheStats             { return f.stats }
func (f *fakeCache) Cleanup(context.Context) (int64, error)              { return f.evicted, f.err }
func (f *fakeCache) PopulateFromExisting(context.Context) (int64, error) { return 2, f.err }
func (f *fakeCache) UpdateConfig(_ context.Context, changes map[string]string) error {
	f.updated = changes
	return f.err
}
func (f *fakeCache) Verify(context.Context) (models.SetupStatus, error) {
	return models.SetupStatus{TablesCreated: true, SetupComplete: true, AvailableQAPairs: 9}, f.err
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name string, args string) ToolResult {
	t.Helper()
	params, _ := json.Marshal(toolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(&fakeCache{}, "test", nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result initializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "querycache" || result.ServerInfo.Version != "test" {
		t.Errorf("unexpected server info %+v", result.ServerInfo)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(&fakeCache{}, "test", nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})

	data, _ := json.Marshal(resp.Result)
	var result toolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(handlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(handlers))
	}
	for _, tool := range result.Tools {
		if _, ok := handlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	srv := New(&fakeCache{}, "test", nil)
	var out bytes.Buffer
	in := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	if err := srv.Run(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %s", out.String())
	}
}

func TestParseErrorAndUnknownMethod(t *testing.T) {
	srv := New(&fakeCache{}, "test", nil)
	var out bytes.Buffer
	in := "{bad\n" + `{"jsonrpc":"2.0","id":3,"method":"resources/list"}` + "\n"
	if err := srv.Run(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(lines))
	}
	for i, want := range []int{CodeParseError, CodeMethodNotFound} {
		var resp Response
		if err := json.Unmarshal([]byte(lines[i]), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Error == nil || resp.Error.Code != want {
			t.Errorf("response %d: want code %d, got %+v", i, want, resp.Error)
		}
	}
}

func TestToolCheck(t *testing.T) {
	fc := &fakeCache{hit: &models.CacheHit{
		CacheID: "e1", SimilarityScore: 0.93, HitCount: 4,
		Content: models.QAContent{Question: "What is an ETF?", Answer: "An exchange traded fund."},
	}}
	srv := New(fc, "test", nil)

	result := callTool(t, srv, "querycache_check", `{"embedding":[1,0,0]}`)
	if result.IsError || !strings.Contains(result.Content[0].Text, "exchange traded fund") {
		t.Errorf("unexpected result: %+v", result)
	}

	result = callTool(t, srv, "querycache_check", `{"embedding":[1,0]}`)
	if !result.IsError {
		t.Error("expected error for bad embedding")
	}

	fc.hit = nil
	result = callTool(t, srv, "querycache_check", `{"embedding":[1,0,0]}`)
	if result.Content[0].Text != "Miss." {
		t.Errorf("expected miss, got %s", result.Content[0].Text)
	}
}

func TestToolStatsAndMaintenance(t *testing.T) {
	fc := &fakeCache{
		stats:   models.CacheStats{TotalEntries: 12, TotalHits: 30, Policy: models.DefaultPolicy(), Degraded: true},
		evicted: 3,
	}
	srv := New(fc, "test", nil)

	text := callTool(t, srv, "querycache_stats", `{}`).Content[0].Text
	for _, want := range []string{"12", "30", "threshold=0.85", "defaults in use"} {
		if !strings.Contains(text, want) {
			t.Errorf("stats output missing %q:\n%s", want, text)
		}
	}
	if text := callTool(t, srv, "querycache_cleanup", `{}`).Content[0].Text; text != "Evicted 3 entries." {
		t.Errorf("cleanup: %s", text)
	}
	if text := callTool(t, srv, "querycache_populate", `{}`).Content[0].Text; text != "Populated 2 entries." {
		t.Errorf("populate: %s", text)
	}
	if text := callTool(t, srv, "querycache_verify", `{}`).Content[0].Text; !strings.Contains(text, "9") {
		t.Errorf("verify: %s", text)
	}

	fc.err = errors.New("store down")
	if r := callTool(t, srv, "querycache_cleanup", `{}`); !r.IsError {
		t.Error("expected cleanup error")
	}
}

func TestToolSetConfig(t *testing.T) {
	fc := &fakeCache{}
	srv := New(fc, "test", nil)

	callTool(t, srv, "querycache_set_config", `{"similarity_threshold":0.9,"cache_enabled":"false"}`)
	if fc.updated["similarity_threshold"] != "0.9" || fc.updated["cache_enabled"] != "false" {
		t.Errorf("unexpected changes %v", fc.updated)
	}

	if r := callTool(t, srv, "querycache_set_config", `{}`); !r.IsError {
		t.Error("expected error for empty settings")
	}
	if r := callTool(t, srv, "nope", `{}`); !r.IsError {
		t.Error("expected error for unknown tool")
	}
}
