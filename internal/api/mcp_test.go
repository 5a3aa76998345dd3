package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/wizard"
)

// --- mocks ---

type mockWizard struct {
	events []wizard.Event
	state  wizard.State
	err    error
}

func (m *mockWizard) Handle(_ context.Context, ev wizard.Event) (wizard.State, error) {
	m.events = append(m.events, ev)
	return m.state, m.err
}

type mockLedger struct {
	rows []ledger.Row
	err  error
	asks []int
}

func (m *mockLedger) Recent(n int) ([]ledger.Row, error) {
	m.asks = append(m.asks, n)
	if m.err != nil {
		return nil, m.err
	}
	if n > 0 && len(m.rows) > n {
		return m.rows[len(m.rows)-n:], nil
	}
	return m.rows, nil
}

type mockArchive struct {
	entries []storage.ArchiveEntry
	err     error
	limit   int
}

func (m *mockArchive) Recent(limit int) ([]storage.ArchiveEntry, error) {
	m.limit = limit
	return m.entries, m.err
}

// --- helpers ---

func newTestMCPDeps() (MCPDeps, *mockWizard, *mockLedger, *fakeDeliveries) {
	wz := &mockWizard{state: wizard.StatePhoto}
	lg := &mockLedger{}
	dl := &fakeDeliveries{}
	return MCPDeps{
		Wizard:     wz,
		Ledger:     lg,
		Archive:    &mockArchive{},
		Deliveries: dl,
		Regions:    []string{"Санкт-Петербург", "Тюмень"},
		MaxItems:   30,
		Clock:      func() time.Time { return time.Date(2025, 11, 21, 10, 0, 0, 0, time.UTC) },
	}, wz, lg, dl
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

const validPayload = `{"department_number":"7","issue_number":"42","ticket_number":"12345678901",` +
	`"date":"21.11","region":"тюмень","items":[{"description":"Кольцо","evaluation":"1500"},{"description":"Цепь","evaluation":"900"}]}`

// --- tests ---

func TestMCPTool_SubmitReport(t *testing.T) {
	deps, wz, _, _ := newTestMCPDeps()
	handler := mcpSubmitReport(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_report", map[string]any{
		"user_id":   float64(501),
		"requester": "Анна",
		"payload":   validPayload,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "2 items") {
		t.Fatalf("text = %q", toolText(t, result))
	}

	if len(wz.events) != 1 {
		t.Fatalf("wizard got %d events, want 1", len(wz.events))
	}
	ev := wz.events[0]
	if ev.UserID != 501 || ev.ChatID != 501 || ev.Requester != "Анна" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Input.Kind != wizard.KindBulk || ev.Input.Bulk == nil {
		t.Fatalf("input kind = %v", ev.Input.Kind)
	}
	b := ev.Input.Bulk
	if b.Date != "21.11.2025" || b.Region != "Тюмень" || len(b.Items) != 2 {
		t.Fatalf("bulk not normalized: %+v", b)
	}
}

func TestMCPTool_SubmitReportExplicitChat(t *testing.T) {
	deps, wz, _, _ := newTestMCPDeps()
	result, _ := mcpSubmitReport(deps)(context.Background(), makeCallToolRequest("submit_report", map[string]any{
		"user_id": float64(501),
		"chat_id": float64(777),
		"payload": validPayload,
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if wz.events[0].ChatID != 777 {
		t.Fatalf("chat id = %d", wz.events[0].ChatID)
	}
}

func TestMCPTool_SubmitReportRejects(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing user", map[string]any{"payload": validPayload}, "user_id"},
		{"missing payload", map[string]any{"user_id": float64(1)}, "payload"},
		{"bad json", map[string]any{"user_id": float64(1), "payload": "{"}, "invalid payload"},
		{"bad ticket", map[string]any{"user_id": float64(1), "payload": strings.Replace(validPayload, "12345678901", "1", 1)}, "invalid report"},
		{"unknown region", map[string]any{"user_id": float64(1), "payload": strings.Replace(validPayload, "тюмень", "Марс", 1)}, "invalid report"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, wz, _, _ := newTestMCPDeps()
			result, err := mcpSubmitReport(deps)(context.Background(), makeCallToolRequest("submit_report", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected tool error")
			}
			if !strings.Contains(toolText(t, result), tt.want) {
				t.Fatalf("text = %q, want substring %q", toolText(t, result), tt.want)
			}
			if len(wz.events) != 0 {
				t.Fatal("rejected submission reached the wizard")
			}
		})
	}
}

func TestMCPTool_SubmitReportWizardFailure(t *testing.T) {
	deps, wz, _, _ := newTestMCPDeps()
	wz.err = errors.New("disk full")
	result, _ := mcpSubmitReport(deps)(context.Background(), makeCallToolRequest("submit_report", map[string]any{
		"user_id": float64(1),
		"payload": validPayload,
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "disk full") {
		t.Fatalf("result = %+v", result)
	}
}

func TestMCPTool_RecentReports(t *testing.T) {
	deps, _, lg, _ := newTestMCPDeps()
	handler := mcpRecentReports(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("recent_reports", nil))
	if toolText(t, result) != "[]" {
		t.Fatalf("empty ledger text = %q", toolText(t, result))
	}

	lg.rows = []ledger.Row{{Ticket: "1", Item: 1}, {Ticket: "2", Item: 1}, {Ticket: "3", Item: 1}}
	result, _ = handler(context.Background(), makeCallToolRequest("recent_reports", map[string]any{"limit": float64(2)}))
	var rows []ledger.Row
	if err := json.Unmarshal([]byte(toolText(t, result)), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 2 || rows[0].Ticket != "2" {
		t.Fatalf("rows = %+v", rows)
	}

	handler(context.Background(), makeCallToolRequest("recent_reports", map[string]any{"limit": float64(500)}))
	if got := lg.asks[len(lg.asks)-1]; got != 100 {
		t.Fatalf("limit clamped to %d, want 100", got)
	}
}

func TestMCPTool_RecentReportsError(t *testing.T) {
	deps, _, lg, _ := newTestMCPDeps()
	lg.err = errors.New("locked")
	result, _ := mcpRecentReports(deps)(context.Background(), makeCallToolRequest("recent_reports", nil))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}

func TestMCPTool_ArchivedDocuments(t *testing.T) {
	deps, _, _, _ := newTestMCPDeps()
	ar := &mockArchive{entries: []storage.ArchiveEntry{{
		Path:       "2025-11/Заключение_12345678901.pdf",
		DateText:   "21.11.2025",
		Department: "385",
		Issue:      "1",
		Ticket:     "12345678901",
		Region:     "Тюмень",
		CreatedAt:  time.Date(2025, 11, 21, 10, 0, 0, 0, time.UTC),
	}}}
	deps.Archive = ar

	result, _ := mcpArchivedDocuments(deps)(context.Background(), makeCallToolRequest("archived_documents", map[string]any{"limit": float64(500)}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if ar.limit != 100 {
		t.Errorf("limit = %d, want 100", ar.limit)
	}
	var docs []archivedDocument
	if err := json.Unmarshal([]byte(toolText(t, result)), &docs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(docs) != 1 || docs[0].Ticket != "12345678901" || docs[0].ArchivedAt != "2025-11-21T10:00:00Z" {
		t.Fatalf("docs = %+v", docs)
	}

	ar.entries = nil
	result, _ = mcpArchivedDocuments(deps)(context.Background(), makeCallToolRequest("archived_documents", nil))
	if toolText(t, result) != "[]" || ar.limit != 10 {
		t.Errorf("empty archive: text = %q, limit = %d", toolText(t, result), ar.limit)
	}

	ar.err = errors.New("locked")
	result, _ = mcpArchivedDocuments(deps)(context.Background(), makeCallToolRequest("archived_documents", nil))
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPTool_PendingDeliveries(t *testing.T) {
	deps, _, _, dl := newTestMCPDeps()
	handler := mcpPendingDeliveries(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("pending_deliveries", nil))
	if toolText(t, result) != "[]" {
		t.Fatalf("text = %q", toolText(t, result))
	}

	dl.pending = []delivery.ChannelStatus{{ChatID: -1000, Queued: 2}}
	result, _ = handler(context.Background(), makeCallToolRequest("pending_deliveries", nil))
	if !strings.Contains(toolText(t, result), `"queued":2`) {
		t.Fatalf("text = %q", toolText(t, result))
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, _, lg, _ := newTestMCPDeps()
	lg.rows = []ledger.Row{{Ticket: "12345678901", Region: "Тюмень", Item: 1}}

	contents, err := mcpResourceRecent(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "ledger://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "ledger://recent" || tc.MIMEType != "application/json" {
		t.Fatalf("contents = %+v", tc)
	}
	if !strings.Contains(tc.Text, "12345678901") {
		t.Fatalf("text = %q", tc.Text)
	}
}

func TestNewMCPServerListsTools(t *testing.T) {
	deps, _, _, _ := newTestMCPDeps()
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, name := range []string{"submit_report", "recent_reports", "archived_documents", "pending_deliveries"} {
		if !strings.Contains(string(b), `"`+name+`"`) {
			t.Errorf("tool %s not listed: %s", name, b)
		}
	}
}
