// Package tools exposes Garmin Connect data as MCP tools. Every data tool
// resolves the caller's bearer token to a live upstream session; a caller
// without one gets an actionable error telling it to re-run the OAuth flow.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fitsync/garmin-mcp/internal/garmin"
	"github.com/fitsync/garmin-mcp/internal/oauth"
	"github.com/fitsync/garmin-mcp/internal/session"
)

const reauthMessage = "No active Garmin Connect session. Re-authenticate through the OAuth authorization flow to reconnect your account."

// Toolkit bundles the dependencies the tool handlers need.
type Toolkit struct {
	sessions *session.Manager
	logger   *slog.Logger
}

// NewToolkit creates the tool layer.
func NewToolkit(sessions *session.Manager, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{sessions: sessions, logger: logger}
}

// Register adds every tool to the MCP server.
func (t *Toolkit) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("get_user_profile",
		mcp.WithDescription("Get the connected Garmin Connect user's social profile"),
	), t.handleUserProfile)

	s.AddTool(mcp.NewTool("list_activities",
		mcp.WithDescription("List recent Garmin Connect activities"),
		mcp.WithNumber("start",
			mcp.Description("Offset into the activity list (default 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of activities to return (default 20)"),
		),
	), t.handleListActivities)

	s.AddTool(mcp.NewTool("get_sleep_data",
		mcp.WithDescription("Get sleep data for a calendar date"),
		mcp.WithString("date",
			mcp.Description("Date in YYYY-MM-DD format (default today)"),
		),
	), t.handleSleepData)

	s.AddTool(mcp.NewTool("get_steps_data",
		mcp.WithDescription("Get daily step counts for a date range"),
		mcp.WithString("start_date",
			mcp.Description("Range start in YYYY-MM-DD format (default today)"),
		),
		mcp.WithString("end_date",
			mcp.Description("Range end in YYYY-MM-DD format (default start_date)"),
		),
	), t.handleStepsData)

	s.AddTool(mcp.NewTool("get_heart_rate",
		mcp.WithDescription("Get heart rate data for a calendar date"),
		mcp.WithString("date",
			mcp.Description("Date in YYYY-MM-DD format (default today)"),
		),
	), t.handleHeartRate)

	s.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Check whether a Garmin Connect session is stored for this account"),
	), t.handleSessionStatus)

	s.AddTool(mcp.NewTool("disconnect",
		mcp.WithDescription("Delete the stored Garmin Connect session for this account"),
	), t.handleDisconnect)
}

// client resolves the caller's bearer token into an upstream Garmin client.
func (t *Toolkit) client(ctx context.Context) (*garmin.Client, *mcp.CallToolResult) {
	token := oauth.TokenFromContext(ctx)
	if token == "" {
		return nil, mcp.NewToolResultError(reauthMessage)
	}
	client, err := t.sessions.ResolveClient(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrReauthRequired) {
			return nil, mcp.NewToolResultError(reauthMessage)
		}
		t.logger.Error("resolve garmin client", "error", err)
		return nil, mcp.NewToolResultError(fmt.Sprintf("Failed to load Garmin session: %v", err))
	}
	return client, nil
}

func (t *Toolkit) handleUserProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, errResult := t.client(ctx)
	if errResult != nil {
		return errResult, nil
	}
	profile, err := client.UserProfile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch user profile: %v", err)), nil
	}
	return mcp.NewToolResultText(string(profile)), nil
}

func (t *Toolkit) handleListActivities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, errResult := t.client(ctx)
	if errResult != nil {
		return errResult, nil
	}

	start := req.GetInt("start", 0)
	limit := req.GetInt("limit", 20)
	if start < 0 || limit < 1 || limit > 100 {
		return mcp.NewToolResultError("start must be >= 0 and limit between 1 and 100"), nil
	}

	activities, err := client.Activities(ctx, start, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch activities: %v", err)), nil
	}
	return mcp.NewToolResultText(string(activities)), nil
}

func (t *Toolkit) handleSleepData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, errResult := t.client(ctx)
	if errResult != nil {
		return errResult, nil
	}

	date, err := dateArg(req, "date", today())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sleep, err := client.SleepData(ctx, date)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch sleep data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(sleep)), nil
}

func (t *Toolkit) handleStepsData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, errResult := t.client(ctx)
	if errResult != nil {
		return errResult, nil
	}

	startDate, err := dateArg(req, "start_date", today())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	endDate, err := dateArg(req, "end_date", startDate)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	steps, err := client.StepsDaily(ctx, startDate, endDate)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch steps data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(steps)), nil
}

func (t *Toolkit) handleHeartRate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, errResult := t.client(ctx)
	if errResult != nil {
		return errResult, nil
	}

	date, err := dateArg(req, "date", today())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	hr, err := client.HeartRate(ctx, date)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch heart rate data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(hr)), nil
}

func (t *Toolkit) handleSessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := oauth.UserIDFromContext(ctx)
	if userID == "" {
		return mcp.NewToolResultError(reauthMessage), nil
	}
	if t.sessions.HasSession(userID) {
		return mcp.NewToolResultText("Garmin Connect session is active."), nil
	}
	return mcp.NewToolResultText("No Garmin Connect session stored. Re-authenticate to connect."), nil
}

func (t *Toolkit) handleDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := oauth.UserIDFromContext(ctx)
	if userID == "" {
		return mcp.NewToolResultError(reauthMessage), nil
	}
	removed, err := t.sessions.RemoveSession(userID)
	if err != nil {
		t.logger.Error("remove garmin session", "user_id", userID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to remove session: %v", err)), nil
	}
	if !removed {
		return mcp.NewToolResultText("No Garmin Connect session was stored."), nil
	}
	return mcp.NewToolResultText("Garmin Connect session removed."), nil
}

func dateArg(req mcp.CallToolRequest, key, fallback string) (string, error) {
	value := req.GetString(key, fallback)
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return "", fmt.Errorf("%s must be in YYYY-MM-DD format", key)
	}
	return value, nil
}

func today() string {
	return time.Now().Format("2006-01-02")
}
