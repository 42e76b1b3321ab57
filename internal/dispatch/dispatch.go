// Package dispatch implements Squall's three backend transports — streaming
// HTTP, subprocess CLI, and launch-then-poll async jobs — behind one
// tagged-variant entry point keyed on a model's registered Backend.
package dispatch

import (
	"context"
	"os"

	"github.com/squall-dispatch/squall/internal/squallerr"
	"github.com/squall-dispatch/squall/internal/telemetry"
	"github.com/squall-dispatch/squall/pkg/models"
)

// ModelResolver is the subset of *registry.Registry that dispatch depends
// on, kept narrow so tests can supply a fake catalog.
type ModelResolver interface {
	Get(key string) (models.ModelEntry, bool)
	Provider(name string) (models.ProviderEntry, bool)
}

// Dispatcher routes a DispatchRequest to the backend named by its resolved
// model, applying the matching concurrency limiter around the call.
type Dispatcher struct {
	registry  ModelResolver
	sem       *Semaphores
	http      *HTTPDispatch
	cli       *CLIDispatch
	asyncPoll *AsyncPollDispatch
}

func NewDispatcher(registry ModelResolver, persistRawCLI bool) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		sem:       NewSemaphores(),
		http:      NewHTTPDispatch(),
		cli:       &CLIDispatch{PersistRaw: persistRawCLI},
		asyncPoll: NewAsyncPollDispatch(),
	}
}

// QueryModel resolves req.ModelKey to a catalog entry and dispatches it on
// the appropriate backend. A model that isn't registered, or whose provider
// lacks a credential/executable, returns a StatusError outcome rather than
// an error — dispatch failures are always per-model outcomes, never process
// errors (spec §3).
func (d *Dispatcher) QueryModel(ctx context.Context, req models.DispatchRequest) models.DispatchOutcome {
	model, ok := d.registry.Get(req.ModelKey)
	if !ok {
		return models.DispatchOutcome{
			ModelKey: req.ModelKey, Status: models.StatusError,
			ErrorKind: string(squallerr.KindConfig), ErrorMsg: "model not found in catalog",
		}
	}
	provider, ok := d.registry.Provider(model.Provider)
	if !ok || !provider.Available {
		reason := "provider unavailable"
		if ok {
			reason = provider.UnavailableReason
		}
		return errOutcome(model, squallerr.New(squallerr.KindConfig, model.Provider, reason, nil))
	}

	ctx, span := telemetry.StartDispatch(ctx, model.Key, string(model.Backend))
	defer span.End()

	switch model.Backend {
	case models.BackendHTTP:
		return d.dispatchHTTP(ctx, req, model, provider)
	case models.BackendCLI:
		return d.dispatchCLI(ctx, req, model, provider)
	case models.BackendAsyncPoll:
		return d.dispatchAsyncPoll(ctx, req, model, provider)
	default:
		return errOutcome(model, squallerr.New(squallerr.KindConfig, model.Provider, "unknown backend kind", nil))
	}
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry) models.DispatchOutcome {
	apiKey, ok := provider.Credential(os.LookupEnv)
	if !ok {
		return errOutcome(model, squallerr.New(squallerr.KindAuthFailed, provider.Name, "no credential configured", nil))
	}
	if err := d.sem.HTTP.Acquire(ctx, 1); err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "cancelled while waiting for an HTTP dispatch slot", err))
	}
	defer d.sem.HTTP.Release(1)
	outcome, err := d.http.QueryModel(ctx, req, model, provider, apiKey)
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindUnknown, provider.Name, "dispatch failed", err))
	}
	return outcome
}

func (d *Dispatcher) dispatchCLI(ctx context.Context, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry) models.DispatchOutcome {
	parser := ParserFor(provider.Parser)
	if err := d.sem.CLI.Acquire(ctx, 1); err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "cancelled while waiting for a CLI dispatch slot", err))
	}
	defer d.sem.CLI.Release(1)
	outcome, err := d.cli.QueryModel(ctx, req, model, provider, parser)
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindUnknown, provider.Name, "dispatch failed", err))
	}
	return outcome
}

func (d *Dispatcher) dispatchAsyncPoll(ctx context.Context, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry) models.DispatchOutcome {
	apiKey, ok := provider.Credential(os.LookupEnv)
	if !ok {
		return errOutcome(model, squallerr.New(squallerr.KindAuthFailed, provider.Name, "no credential configured", nil))
	}
	if err := d.sem.AsyncPoll.Acquire(ctx, 1); err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "cancelled while waiting for an async-poll dispatch slot", err))
	}
	defer d.sem.AsyncPoll.Release(1)
	outcome, err := d.asyncPoll.QueryModel(ctx, req, model, provider, apiKey)
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindUnknown, provider.Name, "dispatch failed", err))
	}
	return outcome
}
