package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mlsync/internal/config"
	"mlsync/internal/encryption"
	"mlsync/internal/exchange"
	mlfs "mlsync/internal/fs"
	"mlsync/internal/index"
	"mlsync/internal/library"
	"mlsync/internal/model"
	"mlsync/internal/mount"
	"mlsync/internal/notify"
	"mlsync/internal/vault"
	"mlsync/internal/workpool"
)

// App is the application layer between the CLI and the library engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the index lifecycle on Close.
type App struct {
	cfg         *config.Config
	index       library.Index
	fsmgr       *mlfs.OSFilesystemManager
	syncer      *library.Syncer
	vault       library.Vault
	encryptor   library.Encryptor
	snapshotter *library.Snapshotter
	webhook     *notify.WebhookNotifier
	logger      library.Logger
	clock       library.Clock
	idgen       library.IDGenerator
	op          *Operation
	logFile     *os.File
}

// New creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "run", "import").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := library.RealClock{}
	opID := clock.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &App{
		cfg:     cfg,
		fsmgr:   mlfs.NewOSFilesystemManager(),
		logger:  logger,
		clock:   clock,
		idgen:   library.UUIDGenerator{},
		op:      NewOperation(operation, "", clock.Now()),
		logFile: logFile,
	}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	ignore, err := mlfs.LoadIgnoreMatcher(cfg.Scan.Ignore, cfg.WatchDirs)
	if err != nil {
		return fmt.Errorf("loading ignore rules: %w", err)
	}

	notifiers := notify.MultiNotifier{notify.NewLogNotifier(a.logger)}
	if cfg.Notify.WebhookURL != "" {
		a.webhook = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout.Duration, cfg.Notify.QueueSize, a.logger)
		notifiers = append(notifiers, a.webhook)
	}

	idx, err := index.NewIndexFromConfig(cfg.Database, notifiers, a.clock)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	a.index = idx

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	var refresher library.Refresher
	if cfg.MediaServer.RefreshURL != "" {
		refresher = notify.NewMediaServerRefresher(cfg.MediaServer.RefreshURL, cfg.MediaServer.Token, cfg.Notify.Timeout.Duration)
	}

	reconciler := library.NewReconciler(idx, resolver, a.fsmgr, notifiers, refresher, a.logger, a.clock, library.ReconcilerOptions{
		LibraryRoot: cfg.LibraryRoot,
		TrashDir:    cfg.Cleanup.TrashDir,
		WalkLimit:   cfg.Cleanup.WalkLimit,
	})
	cleanup := library.NewCleanup(idx, a.fsmgr, notifiers, a.logger, a.clock, library.CleanupOptions{
		LibraryRoot: cfg.LibraryRoot,
		TrashDir:    cfg.Cleanup.TrashDir,
		WalkLimit:   cfg.Cleanup.WalkLimit,
	})
	detector := library.NewChangeDetector(a.fsmgr, ignore)
	monitor := library.NewMountMonitor(mount.NewProber(), a.logger, cfg.Mount.Enabled)

	a.syncer = library.NewSyncer(idx, reconciler, cleanup, detector, monitor, workpool.New(cfg.PoolSize()),
		a.fsmgr, ignore, a.logger, a.clock, a.idgen, library.SyncOptions{
			WatchDirs:       cfg.WatchDirs,
			Interval:        cfg.Scan.Interval.Duration,
			RecheckInterval: cfg.Mount.RecheckInterval.Duration,
			MaxRecords:      cfg.Database.MaxRecords,
			SweepOnStart:    cfg.Cleanup.SweepOnStart,
		})

	if a.vault, err = vault.NewVaultFromConfig(ctx, cfg.Vault); err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if a.vault != nil {
		a.snapshotter = library.NewSnapshotter(idx, a.vault, a.encryptor, a.logger)
	}
	return nil
}

func newResolver(cfg *config.Config) (library.Resolver, error) {
	var r library.Resolver
	switch cfg.Resolver.Type {
	case "", "mirror":
		r = library.NewMirrorResolver(cfg.LibraryRoot, cfg.WatchDirs, cfg.Scan.Extensions)
	default:
		return nil, fmt.Errorf("unknown resolver type: %s", cfg.Resolver.Type)
	}
	if cfg.Resolver.CacheSize > 0 {
		r = library.NewCachingResolver(r, cfg.Resolver.CacheSize)
	}
	return r, nil
}

func (a *App) requireWatchDirs() error {
	if len(a.cfg.WatchDirs) == 0 {
		return fmt.Errorf("no watch_dirs configured")
	}
	return nil
}

// RunLoop runs sync cycles until ctx is cancelled.
func (a *App) RunLoop(ctx context.Context) error {
	if err := a.requireWatchDirs(); err != nil {
		return err
	}
	a.op.markMutated()
	return a.op.Fail(a.syncer.Run(ctx))
}

// RunOnce runs a single sync cycle.
func (a *App) RunOnce(ctx context.Context) (*library.CycleReport, error) {
	if err := a.requireWatchDirs(); err != nil {
		return nil, err
	}
	a.op.markMutated()
	report, err := a.syncer.RunCycle(ctx)
	return report, a.op.Fail(err)
}

// Reconcile resolves the given paths and reconciles the files at or under them.
func (a *App) Reconcile(ctx context.Context, rawPaths []string) (*library.CycleReport, error) {
	paths := make([]string, 0, len(rawPaths))
	for _, raw := range rawPaths {
		p, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("resolving path: %w", err)
		}
		paths = append(paths, p)
	}
	a.op.Parameters = fmt.Sprint(paths)
	a.op.markMutated()
	report, err := a.syncer.ReconcilePaths(ctx, paths)
	return report, a.op.Fail(err)
}

// Cleanup removes the links belonging to a source path that no longer exists.
// The path may not exist on disk; resolution uses filepath.Abs only.
func (a *App) Cleanup(ctx context.Context, rawPath string) (int, error) {
	p, err := filepath.Abs(rawPath)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}
	a.op.Parameters = p
	a.op.markMutated()
	n, err := a.syncer.Cleanup(ctx, p)
	return n, a.op.Fail(err)
}

// Sweep walks the whole library and heals broken, duplicate and untracked links.
func (a *App) Sweep(ctx context.Context) (*library.SweepReport, error) {
	a.op.markMutated()
	report, err := a.syncer.Sweep(ctx)
	return report, a.op.Fail(err)
}

// FindMissing returns linked records whose source file is gone.
func (a *App) FindMissing(ctx context.Context) ([]*model.Record, error) {
	return a.syncer.FindMissing(ctx)
}

// History returns the most recent sync runs.
func (a *App) History(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return a.index.ListSyncRuns(ctx, limit)
}

// Stats returns index counters.
func (a *App) Stats(ctx context.Context) (*model.Stats, error) {
	return a.index.Stats(ctx)
}

// Search returns records whose source or destination matches pattern.
func (a *App) Search(ctx context.Context, pattern string) ([]*model.Record, error) {
	return a.index.Search(ctx, pattern)
}

// Export writes every linked pair to path.
func (a *App) Export(ctx context.Context, path string) (int, error) {
	return exchange.Export(ctx, a.index, path)
}

// Import loads pairs from path into the index.
func (a *App) Import(ctx context.Context, path string) (int, error) {
	a.op.Parameters = path
	a.op.markRecorded()
	n, err := exchange.Import(ctx, a.index, path, a.cfg.LibraryRoot)
	a.op.Added = int64(n)
	return n, a.op.Fail(err)
}

// Vacuum compacts the index store.
func (a *App) Vacuum(ctx context.Context) error {
	return a.index.Vacuum(ctx)
}

// Verify checks index integrity and schema version.
func (a *App) Verify(ctx context.Context) error {
	return a.index.VerifyIntegrity(ctx)
}

// Reset drops every record and run and recreates an empty index.
func (a *App) Reset(ctx context.Context) error {
	a.op.markRecorded()
	return a.op.Fail(a.index.Reset(ctx))
}

// Snapshot uploads a copy of the index to the vault and returns its version.
func (a *App) Snapshot(ctx context.Context) (int64, error) {
	if a.snapshotter == nil {
		return 0, fmt.Errorf("no vault configured")
	}
	return a.snapshotter.Backup(ctx)
}

// NeedsPassphrase reports whether Restore must unlock a private key.
func (a *App) NeedsPassphrase() bool {
	return a.encryptor != nil
}

// Restore downloads the latest snapshot into dest, which must not exist.
func (a *App) Restore(ctx context.Context, dest, passphrase string) error {
	if a.snapshotter == nil {
		return fmt.Errorf("no vault configured")
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	var dc library.DecryptionContext
	if a.encryptor != nil {
		if dc, err = a.encryptor.Unlock(passphrase); err != nil {
			return fmt.Errorf("unlocking private key: %w", err)
		}
	}
	return a.snapshotter.Restore(ctx, absDest, dc)
}

// SetupKeys generates the snapshot encryption key pair described by cfg.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc == nil {
		return fmt.Errorf("encryption is disabled: set [encryption] type in the config")
	}
	return enc.Setup(passphrase)
}

// recordOperation writes a sync run for operations the syncer does not record itself.
func (a *App) recordOperation(ctx context.Context) error {
	run := &model.SyncRun{
		RunID:     a.idgen.New(),
		Operation: a.op.Name,
		StartedAt: a.op.StartedAt,
		Status:    "running",
	}
	if err := a.index.CreateSyncRun(ctx, run); err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	run.Status = a.op.Status
	run.Added = a.op.Added
	run.Removed = a.op.Removed
	run.Failed = a.op.Failed
	run.FinishedAt.Time = a.clock.Now()
	run.FinishedAt.Valid = true
	if err := a.index.FinishSyncRun(ctx, run); err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	return nil
}

// Close finalizes the operation and closes all resources.
// For mutating operations: records the run where needed and uploads an index
// snapshot when a vault is configured.
func (a *App) Close() error {
	ctx := context.Background()
	var errs []error

	if a.op.Recorded() {
		errs = append(errs, a.recordOperation(ctx))
	}
	if a.op.Mutated() && a.snapshotter != nil {
		if version, err := a.snapshotter.Backup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("uploading index snapshot: %w", err))
		} else {
			a.logger.Info("index snapshot uploaded", "version", version)
		}
	}

	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.webhook != nil {
		errs = append(errs, a.webhook.Close())
		if n := a.webhook.Dropped(); n > 0 {
			a.logger.Warn("notifications dropped", "count", n)
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing index: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// Elapsed returns how long the current operation has been running.
func (a *App) Elapsed() time.Duration {
	return a.clock.Now().Sub(a.op.StartedAt)
}
