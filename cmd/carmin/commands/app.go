package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CARMIN-org/CARMIN-server/pkg/catalog"
	"github.com/CARMIN-org/CARMIN-server/pkg/config"
	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
	"github.com/CARMIN-org/CARMIN-server/pkg/engine"
	"github.com/CARMIN-org/CARMIN-server/pkg/identity"
	"github.com/CARMIN-org/CARMIN-server/pkg/sandbox"
	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// drainTimeout bounds how long Close waits for running supervisions.
const drainTimeout = 30 * time.Second

// app holds the wired components shared by the commands.
type app struct {
	platform  *config.Platform
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	catalog   *catalog.Catalog
	sandbox   *sandbox.Manager
	service   *engine.Service
	logger    *telemetry.Logger
}

// openApp loads the platform properties and opens every component.
// With export set, vendor descriptors are exported before indexing;
// otherwise the existing canonical documents are indexed as they are.
func openApp(ctx context.Context, export bool) (*app, error) {
	platform, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := platform.ValidateDirectories(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(platform.Telemetry)
	if err != nil {
		return nil, err
	}
	r := &app{
		platform:  platform,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("cli"),
	}

	r.store, err = stores.NewSQLiteStore(stores.Config{Path: platform.DatabasePath})
	if err != nil {
		return nil, r.abort(err)
	}
	if err := r.store.Init(ctx); err != nil {
		r.store = nil
		return nil, r.abort(err)
	}
	if err := r.store.Migrate(ctx); err != nil {
		return nil, r.abort(err)
	}

	registry := descriptor.DefaultRegistry(platform.BoshPath)
	r.catalog = catalog.New(platform.PipelineDirectory, registry, tel.Logger)
	if export {
		err = r.catalog.ExportAll(ctx)
	} else {
		err = r.catalog.Refresh()
	}
	if err != nil {
		return nil, r.abort(fmt.Errorf("failed to load pipelines: %w", err))
	}

	r.sandbox, err = sandbox.NewManager(platform.DataDirectory, platform.PathURLPrefix())
	if err != nil {
		return nil, r.abort(err)
	}

	r.service, err = engine.NewService(engine.Options{
		Platform:  platform,
		Store:     r.store,
		Sandbox:   r.sandbox,
		Catalog:   r.catalog,
		Registry:  registry,
		Telemetry: tel,
	})
	if err != nil {
		return nil, r.abort(err)
	}
	return r, nil
}

func (r *app) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return errors.Join(err, r.Close(ctx))
}

// Close drains the worker pool, closes the store and flushes telemetry.
func (r *app) Close(ctx context.Context) error {
	var errs []error
	if r.service != nil {
		if err := r.service.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain executions: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withApp opens the components for the duration of fn.
func withApp(ctx context.Context, export bool, fn func(*app) error) (err error) {
	r, err := openApp(ctx, export)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		err = errors.Join(err, r.Close(closeCtx))
	}()
	return fn(r)
}

// currentUser builds the acting identity from the global flags.
func currentUser() (identity.User, error) {
	if username == "" {
		return identity.User{}, errors.New("--user is required")
	}
	u := identity.User{Username: username, Role: identity.Role(role)}
	if err := u.Role.Validate(); err != nil {
		return identity.User{}, err
	}
	return u, nil
}
