package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/wizard"
)

// MCPWizard feeds events into the report wizard. Implemented by wizard.Engine.
type MCPWizard interface {
	Handle(ctx context.Context, ev wizard.Event) (wizard.State, error)
}

// MCPLedger reads recent ledger rows.
type MCPLedger interface {
	Recent(n int) ([]ledger.Row, error)
}

// MCPArchive lists the newest archive index entries. Implemented by
// archive.Archive.
type MCPArchive interface {
	Recent(limit int) ([]storage.ArchiveEntry, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Wizard     MCPWizard
	Ledger     MCPLedger
	Archive    MCPArchive
	Deliveries Deliveries
	Regions    []string
	MaxItems   int
	Clock      func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server with the pawnbot tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pawnbot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pawnbot: appraisal report bot. Submit item lists for a user, read the report ledger, the document archive and the delivery backlog."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_report",
			mcp.WithDescription("Start a report for a chat user from a structured item list. The user is then asked for one photo per item."),
			mcp.WithNumber("user_id", mcp.Description("Chat user id"), mcp.Required()),
			mcp.WithNumber("chat_id", mcp.Description("Chat to talk in (defaults to user_id)")),
			mcp.WithString("requester", mcp.Description("Name printed on the document")),
			mcp.WithString("payload", mcp.Description("JSON object {department_number, issue_number, ticket_number, date, region, items:[{description, evaluation}]}"), mcp.Required()),
		),
		mcpSubmitReport(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_reports",
			mcp.WithDescription("Return the latest ledger rows, one per report item."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of rows (default 10)")),
		),
		mcpRecentReports(deps),
	)

	s.AddTool(
		mcp.NewTool("archived_documents",
			mcp.WithDescription("List the most recently archived report documents, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 10)")),
		),
		mcpArchivedDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("pending_deliveries",
			mcp.WithDescription("List chats with messages waiting for redelivery."),
		),
		mcpPendingDeliveries(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ledger://recent",
			"Recent Reports",
			mcp.WithResourceDescription("Last 10 ledger rows as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID := int64(req.GetInt("user_id", 0))
		if userID <= 0 {
			return mcpError("user_id is required"), nil
		}
		chatID := int64(req.GetInt("chat_id", 0))
		if chatID == 0 {
			chatID = userID
		}
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}

		var b wizard.Bulk
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return mcpError(fmt.Sprintf("invalid payload JSON: %v", err)), nil
		}
		if err := b.Normalize(deps.Regions, deps.now(), deps.MaxItems); err != nil {
			return mcpError(fmt.Sprintf("invalid report: %v", err)), nil
		}

		st, err := deps.Wizard.Handle(ctx, wizard.Event{
			UserID:    userID,
			ChatID:    chatID,
			Requester: req.GetString("requester", ""),
			Input:     wizard.BulkInput(b),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Report started for user %d: %d items waiting for photos (state %s)", userID, len(b.Items), st)), nil
	}
}

func mcpRecentReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		rows, err := deps.Ledger.Recent(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("reading ledger failed: %v", err)), nil
		}
		if len(rows) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(rows)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rows: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

type archivedDocument struct {
	Path       string `json:"path"`
	Date       string `json:"date"`
	Department string `json:"department"`
	Issue      string `json:"issue"`
	Ticket     string `json:"ticket"`
	Region     string `json:"region"`
	ArchivedAt string `json:"archived_at"`
}

func mcpArchivedDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		entries, err := deps.Archive.Recent(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("reading archive index failed: %v", err)), nil
		}
		docs := make([]archivedDocument, len(entries))
		for i, e := range entries {
			docs[i] = archivedDocument{
				Path:       e.Path,
				Date:       e.DateText,
				Department: e.Department,
				Issue:      e.Issue,
				Ticket:     e.Ticket,
				Region:     e.Region,
				ArchivedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(docs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPendingDeliveries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending := deps.Deliveries.Pending()
		if pending == nil {
			pending = []delivery.ChannelStatus{}
		}
		b, err := json.Marshal(pending)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal backlog: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		rows, err := deps.Ledger.Recent(10)
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger: %w", err)
		}
		if rows == nil {
			rows = []ledger.Row{}
		}

		b, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rows: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
