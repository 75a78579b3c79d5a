package report

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/raspi-doctor/internal/health"
	"github.com/jamesprial/raspi-doctor/internal/safety"
	"github.com/jamesprial/raspi-doctor/internal/tools"
)

// DestructiveTools require a confirmation token because they can execute
// corrective actions.
var DestructiveTools = []string{"cycle_run", "action_run"}

func categoryNames() []string {
	names := make([]string, len(health.Categories))
	for i, c := range health.Categories {
		names[i] = string(c)
	}
	return names
}

// Tools returns every health tool. Write tools are only included when the
// service can run cycles.
func Tools(svc *Service, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) []tools.Registration {
	regs := []tools.Registration{
		healthLatest(svc, audit),
		healthHistory(svc, audit),
		actionsRecent(svc, audit),
		unitsStatus(svc, audit),
		metricTrend(svc, audit),
		actionSuccessRate(svc, audit),
	}
	if svc.opts.Cycles != nil {
		regs = append(regs, cycleRun(svc, confirm, audit))
	}
	if svc.opts.Actions != nil {
		regs = append(regs, actionRun(svc, confirm, audit))
	}
	return regs
}

// ---------------------------------------------------------------------------
// Read-only tools
// ---------------------------------------------------------------------------

func healthLatest(svc *Service, audit *safety.AuditLogger) tools.Registration {
	const toolName = "health_latest"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Get the most recent reading for a health category."),
		mcp.WithString("category",
			mcp.Required(),
			mcp.Enum(categoryNames()...),
			mcp.Description("Reading category."),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		category := req.GetString("category", "")
		params := map[string]any{"category": category}

		r, err := svc.Latest(category)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(r), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func healthHistory(svc *Service, audit *safety.AuditLogger) tools.Registration {
	const toolName = "health_history"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Get the last N readings of a health category, oldest first."),
		mcp.WithString("category",
			mcp.Required(),
			mcp.Enum(categoryNames()...),
			mcp.Description("Reading category."),
		),
		mcp.WithNumber("window",
			mcp.Description(fmt.Sprintf("Number of readings (default %d, max %d).", DefaultHistoryWindow, MaxHistoryWindow)),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		category := req.GetString("category", "")
		window := tools.IntArg(req, "window", DefaultHistoryWindow, 1, MaxHistoryWindow)
		params := map[string]any{"category": category, "window": window}

		rs, err := svc.History(category, window)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(rs), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func actionsRecent(svc *Service, audit *safety.AuditLogger) tools.Registration {
	const toolName = "actions_recent"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("List recent corrective actions with their outcome, oldest first."),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of actions (default %d, max %d).", DefaultActionLimit, MaxActionLimit)),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		limit := tools.IntArg(req, "limit", DefaultActionLimit, 1, MaxActionLimit)
		params := map[string]any{"limit": limit}

		acts, err := svc.RecentActions(limit)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(acts), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func unitsStatus(svc *Service, audit *safety.AuditLogger) tools.Registration {
	const toolName = "units_status"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Show the remediation state (healthy, degraded, remediating) of every monitored unit."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		units := svc.Units()
		tools.LogAudit(audit, toolName, map[string]any{}, "ok", start)
		return tools.JSONResult(units), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func metricTrend(svc *Service, audit *safety.AuditLogger) tools.Registration {
	const toolName = "metric_trend"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Summarise the long-term trend of a metric such as cpu.temp_c or disk.used_ratio."),
		mcp.WithString("metric",
			mcp.Required(),
			mcp.Description("Metric name."),
		),
		mcp.WithNumber("hours",
			mcp.Description(fmt.Sprintf("Look-back window in hours (default %d).", DefaultTrendHours)),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		metric := req.GetString("metric", "")
		hours := tools.IntArg(req, "hours", DefaultTrendHours, 1, MaxTrendHours)
		params := map[string]any{"metric": metric, "hours": hours}

		if metric == "" {
			tools.LogAudit(audit, toolName, params, "error: metric is required", start)
			return tools.ErrorResult("metric is required"), nil
		}
		tr, err := svc.Trend(ctx, metric, hours)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(tr), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func actionSuccessRate(svc *Service, audit *safety.AuditLogger) tools.Registration {
	const toolName = "action_success_rate"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Report how often a corrective action has succeeded."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Action name from the action table, e.g. restart_service."),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		action := req.GetString("action", "")
		params := map[string]any{"action": action}

		rate, err := svc.SuccessRate(ctx, action)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(rate), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Confirmed tools
// ---------------------------------------------------------------------------

func cycleRun(svc *Service, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "cycle_run"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Run a full sample, evaluate and remediate cycle now. Corrective actions may execute. Requires confirmation."),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool."),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		token := req.GetString("confirmation_token", "")
		params := map[string]any{}

		if !confirm.Confirm(token, toolName, "") {
			return tools.ConfirmPrompt(confirm, toolName, "", "Run a monitoring cycle now. Any fired condition with a mapped action will be remediated."), nil
		}

		rep, err := svc.RunCycle(ctx)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(rep), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func actionRun(svc *Service, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "action_run"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Run one corrective action from the action table now. Requires confirmation."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Action name, e.g. restart_service."),
		),
		mcp.WithString("subject",
			mcp.Description("Unit name or IP address substituted for {subject}."),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool."),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		action := req.GetString("action", "")
		subject := req.GetString("subject", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"action": action, "subject": subject}
		target := health.UnitID(action, subject)

		if !confirm.Confirm(token, toolName, target) {
			return tools.ConfirmPrompt(confirm, toolName, target, fmt.Sprintf("Run action %s now.", target)), nil
		}

		act, err := svc.TriggerAction(ctx, action, subject)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, string(act.Outcome), start)
		return tools.JSONResult(act), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
