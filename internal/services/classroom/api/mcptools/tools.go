// Package mcptools exposes the student-facing gateway operations as MCP
// tools.
package mcptools

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/gateway"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

const serverName = "classroom-rpc"

// NewServer registers the classroom tools on a new MCP server.
func NewServer(gw *gateway.Gateway) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: gateway.Version}, nil)
	mcp.AddTool(server, ListFunctionsTool(), ListFunctionsHandler(gw))
	mcp.AddTool(server, CallFunctionTool(), CallFunctionHandler(gw))
	mcp.AddTool(server, QueryLogsTool(), QueryLogsHandler(gw))
	mcp.AddTool(server, LogOptionsTool(), LogOptionsHandler(gw))
	return server
}

// Handler serves the tools over streamable HTTP.
func Handler(gw *gateway.Gateway) http.Handler {
	server := NewServer(gw)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

// ExperimentInput selects an experiment; empty means the root experiment.
type ExperimentInput struct {
	Experiment string `json:"experiment,omitempty" jsonschema:"experiment name; defaults to the root experiment"`
}

// ParamView describes one declared parameter.
type ParamView struct {
	Name     string `json:"name" jsonschema:"parameter name"`
	Type     string `json:"type" jsonschema:"declared type, empty when unchecked"`
	Required bool   `json:"required" jsonschema:"whether the parameter must be supplied"`
	Default  any    `json:"default,omitempty" jsonschema:"value used when omitted"`
}

// FunctionView describes one callable.
type FunctionView struct {
	Name     string      `json:"name" jsonschema:"function name"`
	Params   []ParamView `json:"params" jsonschema:"declared parameters in positional order"`
	Variadic bool        `json:"variadic" jsonschema:"whether extra positional arguments are accepted"`
	Returns  string      `json:"returns,omitempty" jsonschema:"return type hint"`
	Doc      string      `json:"doc,omitempty" jsonschema:"documentation"`
}

// ListFunctionsResult is the list_functions output.
type ListFunctionsResult struct {
	Functions []FunctionView `json:"functions" jsonschema:"callables sorted by name"`
}

func functionView(desc function.Descriptor) FunctionView {
	params := make([]ParamView, 0, len(desc.Params))
	for _, p := range desc.Params {
		params = append(params, ParamView{Name: p.Name, Type: p.Type, Required: p.Required, Default: p.Default})
	}
	return FunctionView{Name: desc.Name, Params: params, Variadic: desc.Variadic, Returns: desc.ReturnHint, Doc: desc.Doc}
}

// ListFunctionsTool defines the list_functions tool.
func ListFunctionsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_functions",
		Description: "Lists the functions an experiment exposes with their signatures",
	}
}

// ListFunctionsHandler describes the resolved experiment's functions.
func ListFunctionsHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[ExperimentInput, ListFunctionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExperimentInput) (*mcp.CallToolResult, ListFunctionsResult, error) {
		descs, err := gw.ListFunctions(ctx, gateway.Target{Experiment: input.Experiment})
		if err != nil {
			return nil, ListFunctionsResult{}, toolError(err)
		}
		result := ListFunctionsResult{Functions: make([]FunctionView, 0, len(descs))}
		for _, desc := range descs {
			result.Functions = append(result.Functions, functionView(desc))
		}
		return nil, result, nil
	}
}

// CallFunctionInput is the call_function input.
type CallFunctionInput struct {
	Experiment string         `json:"experiment,omitempty" jsonschema:"experiment name; defaults to the root experiment"`
	StudentID  string         `json:"student_id" jsonschema:"caller's student id"`
	FuncName   string         `json:"func_name" jsonschema:"function to invoke"`
	Args       []any          `json:"args,omitempty" jsonschema:"positional arguments"`
	Kwargs     map[string]any `json:"kwargs,omitempty" jsonschema:"keyword arguments"`
	Trial      string         `json:"trial,omitempty" jsonschema:"optional trial tag recorded with the call"`
}

// CallFunctionResult mirrors the call envelope.
type CallFunctionResult struct {
	OK     bool   `json:"ok" jsonschema:"whether the function succeeded"`
	Result any    `json:"result,omitempty" jsonschema:"function result on success"`
	Error  string `json:"error,omitempty" jsonschema:"failure summary"`
}

// CallFunctionTool defines the call_function tool.
func CallFunctionTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "call_function",
		Description: "Invokes an experiment function and records the call",
	}
}

// CallFunctionHandler dispatches a call through the gateway.
func CallFunctionHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[CallFunctionInput, CallFunctionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CallFunctionInput) (*mcp.CallToolResult, CallFunctionResult, error) {
		env, err := gw.Call(ctx, gateway.CallRequest{
			Target:    gateway.Target{Experiment: input.Experiment},
			StudentID: input.StudentID,
			FuncName:  input.FuncName,
			Args:      input.Args,
			Kwargs:    input.Kwargs,
			Trial:     input.Trial,
		})
		if err != nil {
			return nil, CallFunctionResult{}, toolError(err)
		}
		return nil, CallFunctionResult{OK: env.OK, Result: env.Result, Error: env.Error}, nil
	}
}

// QueryLogsInput is the query_logs input.
type QueryLogsInput struct {
	Experiment string `json:"experiment,omitempty" jsonschema:"experiment name; defaults to the root experiment"`
	StudentID  string `json:"student_id,omitempty" jsonschema:"only calls by this student"`
	Trial      string `json:"trial,omitempty" jsonschema:"only calls with this trial tag"`
	StartTime  string `json:"start_time,omitempty" jsonschema:"inclusive RFC 3339 lower bound"`
	EndTime    string `json:"end_time,omitempty" jsonschema:"inclusive RFC 3339 upper bound"`
	Order      string `json:"order,omitempty" jsonschema:"latest (default) or earliest"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum records, 1 to 10000"`
	Filter     string `json:"filter,omitempty" jsonschema:"AIP-160 filter over student_id, trial, func_name, experiment_name, ts, id"`
	OrderBy    string `json:"order_by,omitempty" jsonschema:"AIP-132 ordering, e.g. 'ts desc'"`
}

// LogView is one call record.
type LogView struct {
	ID         int64   `json:"id" jsonschema:"record id"`
	Timestamp  string  `json:"ts" jsonschema:"call time, RFC 3339"`
	Experiment string  `json:"experiment_name" jsonschema:"experiment the call ran in"`
	StudentID  string  `json:"student_id" jsonschema:"caller"`
	Trial      string  `json:"trial,omitempty" jsonschema:"trial tag"`
	FuncName   string  `json:"func_name" jsonschema:"function name"`
	Args       any     `json:"args,omitempty" jsonschema:"arguments as sent"`
	Result     any     `json:"result,omitempty" jsonschema:"result on success"`
	Error      *string `json:"error,omitempty" jsonschema:"failure summary"`
	OK         bool    `json:"ok" jsonschema:"whether the call succeeded"`
}

// QueryLogsResult is the query_logs output.
type QueryLogsResult struct {
	Logs []LogView `json:"logs" jsonschema:"matching records"`
}

func decodeRaw(raw json.RawMessage) any {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return nil
	}
	return v
}

func logView(entry gateway.LogEntry) LogView {
	view := LogView{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp,
		Experiment: entry.ExperimentName,
		StudentID:  entry.StudentID,
		FuncName:   entry.FuncName,
		Args:       decodeRaw(entry.Args),
		Result:     decodeRaw(entry.Result),
		Error:      entry.Error,
		OK:         entry.OK,
	}
	if entry.Trial != nil {
		view.Trial = *entry.Trial
	}
	return view
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, apperrors.Newf(apperrors.CodeInvalidArgument, "%s must be an RFC 3339 timestamp", field)
	}
	return ts, nil
}

// QueryLogsTool defines the query_logs tool.
func QueryLogsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "query_logs",
		Description: "Reads recorded function calls of an experiment",
	}
}

// QueryLogsHandler reads the call log.
func QueryLogsHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[QueryLogsInput, QueryLogsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input QueryLogsInput) (*mcp.CallToolResult, QueryLogsResult, error) {
		start, err := parseTime("start_time", input.StartTime)
		if err != nil {
			return nil, QueryLogsResult{}, toolError(err)
		}
		end, err := parseTime("end_time", input.EndTime)
		if err != nil {
			return nil, QueryLogsResult{}, toolError(err)
		}
		entries, err := gw.QueryLogs(ctx, gateway.Target{Experiment: input.Experiment}, storage.LogQuery{
			StudentID: input.StudentID,
			Trial:     input.Trial,
			Start:     start,
			End:       end,
			Order:     storage.ParseOrder(input.Order),
			Limit:     input.Limit,
			Filter:    input.Filter,
			OrderBy:   input.OrderBy,
		})
		if err != nil {
			return nil, QueryLogsResult{}, toolError(err)
		}
		result := QueryLogsResult{Logs: make([]LogView, 0, len(entries))}
		for _, entry := range entries {
			result.Logs = append(result.Logs, logView(entry))
		}
		return nil, result, nil
	}
}

// LogOptionsResult is the log_options output.
type LogOptionsResult struct {
	Students []string `json:"students" jsonschema:"student ids with at least one call"`
	Trials   []string `json:"trials" jsonschema:"trial tags in use"`
}

// LogOptionsTool defines the log_options tool.
func LogOptionsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "log_options",
		Description: "Lists the student ids and trial tags present in an experiment's log",
	}
}

// LogOptionsHandler lists filter values.
func LogOptionsHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[ExperimentInput, LogOptionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExperimentInput) (*mcp.CallToolResult, LogOptionsResult, error) {
		opts, err := gw.LogOptions(ctx, gateway.Target{Experiment: input.Experiment})
		if err != nil {
			return nil, LogOptionsResult{}, toolError(err)
		}
		return nil, LogOptionsResult{Students: opts.Students, Trials: opts.Trials}, nil
	}
}

// toolError renders domain errors with their kind so clients see
// "NotFound: ..." rather than a bare message.
func toolError(err error) error {
	return &summaryError{err: err}
}

type summaryError struct{ err error }

func (e *summaryError) Error() string { return apperrors.Summary(e.err) }
func (e *summaryError) Unwrap() error { return e.err }
