// Package dispatch resolves requests against the server and worker action
// tables and invokes the matching handler.
//
// Resolution order:
//
//	server table (invoked with the raw params)
//	  → worker table (params validated against the declaration first)
//	    → "Invalid action"
//
// A handler error or panic becomes a failure response; nothing raised by an
// action reaches the connection loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"patchwire/action"
	"patchwire/message"
)

const (
	ActionGetActions = "get_actions"
	// ActionExit ends the session; the server closes after replying.
	ActionExit = "exit"
)

// WorkerSource yields the live worker table. Implementations swap the whole
// table in one step, so a dispatch sees either the old or the new table.
type WorkerSource interface {
	Current() *action.Table
}

type Dispatcher struct {
	log    *zap.SugaredLogger
	server *action.Table
	worker WorkerSource
}

type Option func(d *Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l.Named("dispatch").Sugar()
	}
}

// New creates a dispatcher reading worker actions from worker. Server actions
// are installed with SetServerActions before the dispatcher is used.
func New(worker WorkerSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:    zap.NewNop().Sugar(),
		worker: worker,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetServerActions builds the fixed server table. It may be called once.
func (d *Dispatcher) SetServerActions(serverVersion string, descriptors ...action.Descriptor) error {
	if d.server != nil {
		return errors.New("server actions already installed")
	}
	table, err := action.NewTable(serverVersion, descriptors...)
	if err != nil {
		return fmt.Errorf("building server actions: %w", err)
	}
	d.server = table
	return nil
}

// ServerTable returns the fixed server table.
func (d *Dispatcher) ServerTable() *action.Table {
	return d.server
}

// WorkerTable returns the worker table as of now.
func (d *Dispatcher) WorkerTable() *action.Table {
	return d.worker.Current()
}

type snapshotKey struct{}

// Snapshot pins the current worker table to ctx. Dispatch and GetActions under
// the returned context use the pinned table, so a response can be stamped
// with the version of the table that produced it.
func (d *Dispatcher) Snapshot(ctx context.Context) (context.Context, *action.Table) {
	table := d.worker.Current()
	return context.WithValue(ctx, snapshotKey{}, table), table
}

func (d *Dispatcher) workerTable(ctx context.Context) *action.Table {
	if table, ok := ctx.Value(snapshotKey{}).(*action.Table); ok && table != nil {
		return table
	}
	return d.worker.Current()
}

// Dispatch runs one request and always returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	params := action.Params(req.Params)
	if params == nil {
		params = action.Params{}
	}

	if desc, ok := d.server.Find(req.Action); ok {
		d.log.Debugw("performing server action", "action", desc.Name)
		return d.invoke(ctx, desc, params)
	}

	// One snapshot per request, an update landing mid-dispatch is not observed
	worker := d.workerTable(ctx)
	desc, ok := worker.Find(req.Action)
	if !ok {
		d.log.Debugw("unknown action", "action", req.Action)
		return message.Failure("Invalid action: %s", req.Action)
	}

	if missing := desc.Validate(params); len(missing) > 0 {
		return action.MissingParams(missing)
	}

	d.log.Debugw("performing worker action", "action", desc.Name, "workerVersion", worker.Version())
	return d.invoke(ctx, desc, params)
}

func (d *Dispatcher) invoke(ctx context.Context, desc *action.Descriptor, params action.Params) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("action panicked", "action", desc.Name, "panic", r, "stack", string(debug.Stack()))
			resp = message.Failure("Error performing action: %v", r)
		}
	}()

	resp, err := desc.Handler(ctx, params)
	if err != nil {
		d.log.Warnw("action failed", "action", desc.Name, "error", err)
		return message.Failure("Error performing action: %v", err)
	}
	if resp == nil {
		return message.Failure("Error performing action: %s returned no response", desc.Name)
	}
	if resp.Type == "" {
		resp.Type = desc.ResponseType
	}
	return resp
}

// GetActions lists server actions followed by worker actions.
func (d *Dispatcher) GetActions(ctx context.Context, params action.Params) (*message.Response, error) {
	infos := d.server.Infos()
	infos = append(infos, d.workerTable(ctx).Infos()...)
	return message.JSON(infos)
}

// GetActionsDescriptor is the descriptor for the built-in get_actions action.
func (d *Dispatcher) GetActionsDescriptor() action.Descriptor {
	return action.Descriptor{
		Name:         ActionGetActions,
		ResponseType: message.TypeString,
		Handler:      d.GetActions,
	}
}
