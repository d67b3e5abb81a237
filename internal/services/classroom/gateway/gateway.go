// Package gateway dispatches remote calls and administrative operations
// against the experiment a request resolves to. Every call it accepts
// produces exactly one log record.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/platform/otel"
	"github.com/louisbranch/classroom-rpc/internal/platform/timeouts"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/experiment"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/session"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

// Version is reported by Health.
const Version = "0.1.0"

// Target names the experiment a request is aimed at.
type Target struct {
	// Mount is the experiment whose mount path the request arrived on.
	Mount string
	// Experiment is an explicit experiment name carried by the request.
	Experiment string
}

// Config wires a Gateway.
type Config struct {
	Experiments *experiment.Registry
	Sessions    *session.Manager
	// ExperimentsRoot is where Start looks for bundles that are not yet
	// registered. Empty disables lazy registration.
	ExperimentsRoot string
}

// Gateway is the single entry point for student and admin operations.
type Gateway struct {
	experiments *experiment.Registry
	sessions    *session.Manager
	root        string
	tracer      trace.Tracer
	now         func() time.Time
}

// New builds a gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		experiments: cfg.Experiments,
		sessions:    cfg.Sessions,
		root:        cfg.ExperimentsRoot,
		tracer:      otel.Tracer("classroom/gateway"),
		now:         time.Now,
	}
}

// Experiments exposes the registry the gateway resolves against.
func (g *Gateway) Experiments() *experiment.Registry {
	return g.experiments
}

// resolve finds the experiment for target: the explicit name, else the mount
// the request arrived on, else the root binding.
func (g *Gateway) resolve(target Target) (*experiment.Experiment, error) {
	name := target.Experiment
	if target.Mount != "" {
		if name != "" && name != target.Mount {
			return nil, apperrors.WithMetadata(apperrors.CodeConflict,
				fmt.Sprintf("mismatched experiment context: expected %q, got %q", target.Mount, name),
				map[string]string{"experiment": target.Mount})
		}
		name = target.Mount
	}

	var exp *experiment.Experiment
	if name != "" {
		var ok bool
		exp, ok = g.experiments.Lookup(name)
		if !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeNotFound,
				fmt.Sprintf("experiment %q not found", name), map[string]string{"experiment": name})
		}
	} else {
		var ok bool
		exp, ok = g.experiments.Root()
		if !ok {
			return nil, apperrors.New(apperrors.CodeNoActiveExperiment, "no experiment is bound to the root")
		}
	}
	if !exp.Mounted() {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("experiment %q is not mounted", exp.Name), map[string]string{"experiment": exp.Name})
	}
	return exp, nil
}

// acquire resolves target and pins the experiment against removal. The
// caller must call release.
func (g *Gateway) acquire(target Target, requireActive bool) (*experiment.Experiment, func(), error) {
	exp, err := g.resolve(target)
	if err != nil {
		return nil, nil, err
	}
	release, ok := exp.Begin()
	if !ok {
		return nil, nil, apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("experiment %q not found", exp.Name), map[string]string{"experiment": exp.Name})
	}
	if requireActive && !exp.Active() {
		release()
		return nil, nil, apperrors.WithMetadata(apperrors.CodeNoActiveExperiment,
			fmt.Sprintf("experiment %q is not active", exp.Name), map[string]string{"experiment": exp.Name})
	}
	return exp, release, nil
}

// storageFailure logs a platform failure in full and returns the generic
// error callers see.
func storageFailure(exp *experiment.Experiment, op string, err error) error {
	log.Printf("storage failure experiment=%s op=%s: %v", exp.Name, op, err)
	return apperrors.Wrap(apperrors.CodeStorageError, "storage unavailable", err)
}

// CallRequest is one remote invocation.
type CallRequest struct {
	Target
	StudentID string
	FuncName  string
	Args      []any
	Kwargs    map[string]any
	Trial     string
	// LegacyTrial carries the former "experiment" tagging field.
	LegacyTrial string
}

// Envelope is the caller-visible outcome of a call.
type Envelope struct {
	OK     bool
	Result any
	Error  string
}

// MarshalJSON renders {ok, result} on success and {ok, error} on failure.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.OK {
		return json.Marshal(struct {
			OK     bool `json:"ok"`
			Result any  `json:"result"`
		}{true, e.Result})
	}
	return json.Marshal(struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{false, e.Error})
}

// Call dispatches req and records it. Function-level failures (unknown
// function, bad arguments, raised errors) are reported in the envelope and
// logged; resolution, authorization and storage failures are returned as
// errors.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (Envelope, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Call", trace.WithAttributes(
		attribute.String("classroom.function", req.FuncName),
		attribute.String("classroom.student_id", req.StudentID),
	))
	defer span.End()

	env, err := g.call(ctx, req, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.Summary(err))
	} else if !env.OK {
		span.SetStatus(codes.Error, env.Error)
	}
	return env, err
}

func (g *Gateway) call(ctx context.Context, req CallRequest, span trace.Span) (Envelope, error) {
	if req.StudentID == "" {
		return Envelope{}, apperrors.New(apperrors.CodeInvalidArgument, "student_id is required")
	}
	if req.FuncName == "" {
		return Envelope{}, apperrors.New(apperrors.CodeInvalidArgument, "func_name is required")
	}

	exp, release, err := g.acquire(req.Target, true)
	if err != nil {
		return Envelope{}, err
	}
	defer release()
	span.SetAttributes(attribute.String("classroom.experiment", exp.Name))

	if exp.Bundle.RequireRegistration {
		registered, err := exp.Store.StudentExists(ctx, req.StudentID)
		if err != nil {
			return Envelope{}, storageFailure(exp, "student_exists", err)
		}
		if !registered {
			return Envelope{}, apperrors.WithMetadata(apperrors.CodeForbidden,
				fmt.Sprintf("invalid student id %q", req.StudentID), map[string]string{"student_id": req.StudentID})
		}
	}

	args := req.Args
	if args == nil {
		args = []any{}
	}
	record := storage.LogRecord{
		Timestamp:      g.now().UTC(),
		ExperimentName: exp.Name,
		StudentID:      req.StudentID,
		FuncName:       req.FuncName,
		ArgsJSON:       encodeArgs(args, req.Kwargs),
	}
	if trial := storage.ResolveTrial(req.Trial, req.LegacyTrial); trial != "" {
		record.Trial = &trial
	}

	result, callErr := exp.Functions.Invoke(ctx, req.FuncName, args, req.Kwargs)
	var env Envelope
	if callErr == nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			callErr = apperrors.Wrap(apperrors.CodeInvocationError, "result is not JSON encodable", err)
		} else {
			resultJSON := string(encoded)
			record.ResultJSON = &resultJSON
			env = Envelope{OK: true, Result: result}
		}
	}
	if callErr != nil {
		summary := apperrors.Summary(callErr)
		record.Error = &summary
		env = Envelope{OK: false, Error: summary}
	}

	// The record must survive the caller going away.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.LogWrite)
	defer cancel()
	if _, err := exp.Store.AppendLog(writeCtx, record); err != nil {
		return Envelope{}, storageFailure(exp, "append_log", err)
	}
	return env, nil
}

func encodeArgs(args []any, kwargs map[string]any) string {
	var payload any = args
	if len(kwargs) > 0 {
		payload = map[string]any{"args": args, "kwargs": kwargs}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(payload))
	}
	return string(encoded)
}

// ListFunctions describes the callables of the resolved experiment.
func (g *Gateway) ListFunctions(ctx context.Context, target Target) ([]function.Descriptor, error) {
	exp, release, err := g.acquire(target, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return exp.Functions.Describe(), nil
}

// HealthStatus reports process liveness.
type HealthStatus struct {
	OK                bool     `json:"ok"`
	Active            *string  `json:"active"`
	ActiveExperiments []string `json:"active_experiments"`
	Version           string   `json:"version"`
}

// Health reports the root experiment when it is active and every active
// experiment.
func (g *Gateway) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{OK: true, ActiveExperiments: []string{}, Version: Version}
	for _, info := range g.experiments.List() {
		if !info.Active {
			continue
		}
		status.ActiveExperiments = append(status.ActiveExperiments, info.Name)
		if info.Root {
			name := info.Name
			status.Active = &name
		}
	}
	return status
}
