package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/lifecycle"
	"github.com/useai-dev/useaid/schema"
)

// sessionHeader carries the transport-assigned connection id on every
// call after initialize.
const sessionHeader = "Mcp-Session-Id"

// codeSessionNotFound is the JSON-RPC error code assistants key their
// reconnect logic on.
const codeSessionNotFound = -32000

const mcpInstructions = `useaid records AI-assisted work sessions in a local tamper-evident log.
Call session_start when beginning a work unit, useai_heartbeat periodically
while it continues, and session_end with a summary when it completes.`

// connectionIDManager hands out connection ids and accepts any non-empty
// id on later calls. Ids minted before the last daemon restart must still
// reach the tool handlers, where the persisted connection map drives
// recovery; rejecting them at the transport would strand every client
// that outlives a restart.
type connectionIDManager struct{}

func (connectionIDManager) Generate() string {
	return uuid.New().String()
}

func (connectionIDManager) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, errors.New("empty connection id")
	}
	return false, nil
}

func (connectionIDManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	return false, nil
}

// noExtraArgs closes a schema to undeclared keys.
var noExtraArgs = false

var startSchema = &schema.Schema{
	Type: schema.Object,
	Properties: map[string]*schema.Property{
		"client":             {Type: schema.String, Description: "Assistant client name, e.g. claude-code or cursor"},
		"task_type":          {Type: schema.String, Description: "Kind of work: coding, debugging, refactoring, review, writing, research, other"},
		"project":            {Type: schema.String, Description: "Project or repository name"},
		"title":              {Type: schema.String, Description: "Short public description of the work unit"},
		"private_title":      {Type: schema.String, Description: "Local-only description, never synced"},
		"model":              {Type: schema.String, Description: "Model identifier in use"},
		"prompt_summary":     {Type: schema.String, Description: "One-line summary of the opening prompt"},
		"conversation_id":    {Type: schema.String, Description: "Conversation this session belongs to; omit to start a new one"},
		"conversation_index": {Type: schema.Integer, Description: "Position within the conversation"},
		"nested":             {Type: schema.Boolean, Description: "Suspend the current session instead of sealing it"},
	},
}

var heartbeatSchema = &schema.Schema{
	Type:                 schema.Object,
	Properties:           map[string]*schema.Property{},
	AdditionalProperties: &noExtraArgs,
}

var endSchema = &schema.Schema{
	Type: schema.Object,
	Properties: map[string]*schema.Property{
		"task_type":     {Type: schema.String, Description: "Final task type, overriding the one from session_start"},
		"languages":     {Type: schema.Array, Items: &schema.Property{Type: schema.String}, Description: "Languages touched during the session"},
		"files_touched": {Type: schema.Integer, Description: "Number of files modified"},
		"model":         {Type: schema.String, Description: "Final model identifier"},
		"milestones": {
			Type:        schema.Array,
			Description: "Concrete accomplishments within the session",
			Items: &schema.Property{
				Type:     schema.Object,
				Required: []string{"title"},
				Properties: map[string]*schema.Property{
					"title":         {Type: schema.String},
					"private_title": {Type: schema.String},
					"category": {
						Type: schema.String,
						Enum: []string{
							useaid.CategoryFeature, useaid.CategoryBugfix,
							useaid.CategoryRefactor, useaid.CategoryTest,
							useaid.CategoryDocs, useaid.CategorySetup,
							useaid.CategoryDeployment, useaid.CategoryOther,
						},
					},
					"complexity": {
						Type: schema.String,
						Enum: []string{useaid.ComplexitySimple, useaid.ComplexityMedium, useaid.ComplexityComplex},
					},
					"duration_minutes": {Type: schema.Integer},
					"languages":        {Type: schema.Array, Items: &schema.Property{Type: schema.String}},
				},
			},
		},
		"evaluation": {Type: schema.Object, Description: "Structured self-evaluation; shape is assistant-defined"},
	},
}

type startArgs struct {
	Client            string `json:"client"`
	TaskType          string `json:"task_type"`
	Project           string `json:"project"`
	Title             string `json:"title"`
	PrivateTitle      string `json:"private_title"`
	Model             string `json:"model"`
	PromptSummary     string `json:"prompt_summary"`
	ConversationID    string `json:"conversation_id"`
	ConversationIndex *int   `json:"conversation_index"`
	Nested            bool   `json:"nested"`
}

type milestoneArgs struct {
	Title           string   `json:"title"`
	PrivateTitle    string   `json:"private_title"`
	Category        string   `json:"category"`
	Complexity      string   `json:"complexity"`
	DurationMinutes int      `json:"duration_minutes"`
	Languages       []string `json:"languages"`
}

type endArgs struct {
	TaskType     string            `json:"task_type"`
	Languages    []string          `json:"languages"`
	FilesTouched int               `json:"files_touched"`
	Model        string            `json:"model"`
	Milestones   []milestoneArgs   `json:"milestones"`
	Evaluation   useaid.Evaluation `json:"evaluation"`
}

// buildMCP assembles the MCP server and its streamable HTTP front. The
// returned handler is mounted on the router at /mcp.
func (s *Server) buildMCP() *mcpserver.StreamableHTTPServer {
	srv := mcpserver.NewMCPServer("useaid", useaid.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(mcpInstructions),
	)
	srv.AddTools(
		mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:           "session_start",
				Description:    "Begin a work session. An open session on the same connection is sealed first unless nested is set.",
				RawInputSchema: startSchema.Raw(),
			},
			Handler: s.handleSessionStart,
		},
		mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:           "useai_heartbeat",
				Description:    "Record that the current session is still active. Call periodically between start and end.",
				RawInputSchema: heartbeatSchema.Raw(),
			},
			Handler: s.handleHeartbeat,
		},
		mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:           "session_end",
				Description:    "End the current session and seal its record chain, carrying languages, files touched, milestones, and an optional self-evaluation.",
				RawInputSchema: endSchema.Raw(),
			},
			Handler: s.handleSessionEnd,
		},
	)
	return mcpserver.NewStreamableHTTPServer(srv,
		mcpserver.WithSessionIdManager(connectionIDManager{}),
		mcpserver.WithEndpointPath("/mcp"),
	)
}

func (s *Server) handleSessionStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID, errResult := connectionFromContext(ctx)
	if errResult != nil {
		return errResult, nil
	}
	var args startArgs
	if errResult := decodeArguments(req, &args); errResult != nil {
		return errResult, nil
	}
	ack, err := s.coordinator.SessionStart(ctx, connectionID, lifecycle.StartMeta{
		Client:            args.Client,
		TaskType:          args.TaskType,
		Project:           args.Project,
		Title:             args.Title,
		PrivateTitle:      args.PrivateTitle,
		Model:             args.Model,
		PromptSummary:     args.PromptSummary,
		ConversationID:    args.ConversationID,
		ConversationIndex: args.ConversationIndex,
		Nested:            args.Nested,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(ack), nil
}

func (s *Server) handleHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID, errResult := connectionFromContext(ctx)
	if errResult != nil {
		return errResult, nil
	}
	ack, err := s.coordinator.Heartbeat(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(ack), nil
}

func (s *Server) handleSessionEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID, errResult := connectionFromContext(ctx)
	if errResult != nil {
		return errResult, nil
	}
	var args endArgs
	if errResult := decodeArguments(req, &args); errResult != nil {
		return errResult, nil
	}
	final := lifecycle.EndMeta{
		TaskType:     args.TaskType,
		Languages:    args.Languages,
		FilesTouched: args.FilesTouched,
		Model:        args.Model,
		Evaluation:   args.Evaluation,
	}
	for _, m := range args.Milestones {
		final.Milestones = append(final.Milestones, lifecycle.MilestoneInput{
			Title:           m.Title,
			PrivateTitle:    m.PrivateTitle,
			Category:        m.Category,
			Complexity:      m.Complexity,
			DurationMinutes: m.DurationMinutes,
			Languages:       m.Languages,
		})
	}
	ack, err := s.coordinator.SessionEnd(ctx, connectionID, final)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(ack), nil
}

// connectionFromContext pulls the connection id the transport resolved for
// this call.
func connectionFromContext(ctx context.Context) (string, *mcp.CallToolResult) {
	session := mcpserver.ClientSessionFromContext(ctx)
	if session == nil || session.SessionID() == "" {
		return "", mcp.NewToolResultError("no connection id; initialize the connection first")
	}
	return session.SessionID(), nil
}

// decodeArguments maps the call's argument object onto target. A nil
// arguments field decodes as all zero values.
func decodeArguments(req mcp.CallToolRequest, target any) *mcp.CallToolResult {
	if req.Params.Arguments == nil {
		return nil
	}
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("arguments must be an object, got %T", req.Params.Arguments))
	}
	data, err := json.Marshal(args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode arguments: %v", err))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}
