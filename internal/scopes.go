package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/starford/docscope/internal/catalog"
	"github.com/starford/docscope/internal/scope"
	"github.com/starford/docscope/internal/storage"
	"github.com/starford/docscope/internal/storage/local"
	"github.com/starford/docscope/internal/storage/s3"
)

// newApplication applies opts and checks the result.
func newApplication(opts []Option) (*application, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// logger builds the structured JSON logger and installs it as the default.
func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// runtime holds what every mode shares: the registry and its catalog.
type runtime struct {
	reg     *scope.Registry
	catalog *catalog.DB
	logger  *slog.Logger
}

// close drains the registry and releases the catalog.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.reg.Close(ctx); err != nil {
		rt.logger.Error("registry close error", slog.String("error", err.Error()))
	}
	if rt.catalog != nil {
		if err := rt.catalog.Close(); err != nil {
			rt.logger.Error("catalog close error", slog.String("error", err.Error()))
		}
	}
}

// openRuntime opens the catalog and registers every configured scope.
func openRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}

	var store catalog.Store
	if cfg.Catalog.Enabled() {
		db, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("init catalog: %w", err)
		}
		rt.catalog = db
		store = db
	}
	rt.reg = scope.NewRegistry(logger, store)

	for _, sc := range cfg.Scopes {
		backend, err := newBackend(ctx, sc, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("scope %s: %w", sc.ID, err)
		}
		if _, err := rt.reg.Add(ctx, backend, scope.Options{Role: scopeRole(sc.Role)}); err != nil {
			rt.close()
			return nil, fmt.Errorf("scope %s: %w", sc.ID, err)
		}
	}
	return rt, nil
}

func scopeRole(role string) scope.Role {
	switch role {
	case ScopeRoleTrash:
		return scope.RoleTrash
	case ScopeRoleTemplate:
		return scope.RoleTemplate
	default:
		return scope.RoleNone
	}
}

func newBackend(ctx context.Context, sc ScopeConfig, logger *slog.Logger) (storage.Backend, error) {
	switch sc.Kind {
	case ScopeKindS3:
		return s3.New(ctx, s3.Config{
			ID:        sc.ID,
			Name:      sc.DisplayName(),
			Endpoint:  sc.S3.Endpoint,
			Bucket:    sc.S3.Bucket,
			Prefix:    sc.S3.Prefix,
			Region:    sc.S3.Region,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			CacheDir:  sc.S3.CacheDir,
		}, logger)
	default:
		if err := os.MkdirAll(sc.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create scope dir: %w", err)
		}
		return local.NewFS(sc.Path,
			local.WithIdentifier(sc.ID),
			local.WithDisplayName(sc.DisplayName()),
			local.WithPackageExtensions(sc.PackageExtensions...),
		)
	}
}

// waitScanned blocks until every scope finished its initial scan.
func waitScanned(ctx context.Context, reg *scope.Registry) error {
	for _, s := range reg.Scopes() {
		select {
		case <-s.ScanDone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListScopes registers the configured scopes, waits for their initial scans
// and writes a summary table to w.
func ListScopes(ctx context.Context, w io.Writer, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger()

	rt, err := openRuntime(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	scanCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := waitScanned(scanCtx, rt.reg); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tROLE\tITEMS\tURL")
	for _, s := range rt.reg.Scopes() {
		role := "-"
		switch {
		case s.IsTrash():
			role = scope.RoleTrash.String()
		case s.IsTemplate():
			role = scope.RoleTemplate.String()
		}
		items := fmt.Sprint(len(s.FileItems()))
		if !s.HasFinishedInitialScan() {
			items = "scanning"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Identifier(), s.DisplayName(), s.Kind(), role, items, s.DocumentsURL())
	}
	return tw.Flush()
}
