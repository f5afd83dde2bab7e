package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/portalcrane/portalcrane/pkg/api"
	"github.com/portalcrane/portalcrane/pkg/audit"
	"github.com/portalcrane/portalcrane/pkg/auth"
	"github.com/portalcrane/portalcrane/pkg/config"
	"github.com/portalcrane/portalcrane/pkg/execrunner"
	"github.com/portalcrane/portalcrane/pkg/gitnote"
	"github.com/portalcrane/portalcrane/pkg/lifecycle"
	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/model"
	"github.com/portalcrane/portalcrane/pkg/proxy"
	"github.com/portalcrane/portalcrane/pkg/registry"
	"github.com/portalcrane/portalcrane/pkg/replicate"
	"github.com/portalcrane/portalcrane/pkg/staging"
	"github.com/portalcrane/portalcrane/pkg/store"
	"github.com/portalcrane/portalcrane/pkg/supervisor"
	"github.com/portalcrane/portalcrane/pkg/util"
)

// Version and GitCommit are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	// LogLevel controls the minimum slog level Setup installs.
	LogLevel string
	// DryRun flips the lifecycle controller's garbage-collection dry-run
	// mode for the lifetime of the process.
	DryRun bool
	// GitNoteDir, if set, enables the optional git-tracked GC history note.
	GitNoteDir string
)

const defaultLogLevelEnvironmentVariable = "LOG_LEVEL"
const defaultDryRunEnvironmentVariable = "GC_DRY_RUN"
const defaultGitNoteDirEnvironmentVariable = "GC_HISTORY_GIT_DIR"

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serve(c *cli.Context) error {
	ctx := context.Background()
	logger.Setup(parseLogLevel(LogLevel))
	util.InitDryRunMode()
	util.SetDryRunMode(DryRun)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(ctx, err.Error())
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal(ctx, fmt.Sprintf("creating data dir: %v", err))
	}

	users, err := store.NewUserStore(cfg.DataDir)
	if err != nil {
		logger.Fatal(ctx, err.Error())
	}
	folders, err := store.NewFolderStore(cfg.DataDir)
	if err != nil {
		logger.Fatal(ctx, err.Error())
	}
	registries, err := store.NewRegistryStore(cfg.DataDir)
	if err != nil {
		logger.Fatal(ctx, err.Error())
	}

	if err := applyBootstrap(cfg, folders); err != nil {
		logger.Fatal(ctx, err.Error())
	}

	auditSink, err := audit.NewSink(cfg.DataDir+"/audit-events.jsonl", cfg.AuditMaxEvents)
	if err != nil {
		logger.Fatal(ctx, err.Error())
	}

	resolver := &auth.Resolver{
		SecretKey:     cfg.SecretKey,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		Users:         users,
	}

	localClient := registry.New(cfg.RegistryURL, "", "")

	proxyEnv := execrunner.ProxyEnv(cfg.HTTPProxy, cfg.HTTPSProxy, cfg.NoProxy)
	if cfg.DockerPullProxy != "" {
		proxyEnv = append(proxyEnv, "DOCKER_PULL_PROXY="+cfg.DockerPullProxy)
	}

	stagingEngine, err := staging.NewEngine(cfg.StagingRoot, cfg.RegistryPushHost, staging.Policy{
		VulnScanEnabled:   cfg.VulnScanEnabled,
		VulnSeverities:    cfg.VulnScanSeverities,
		VulnIgnoreUnfixed: cfg.VulnIgnoreUnfixed,
		VulnScanTimeout:   cfg.VulnScanTimeout,
		TrivyServerURL:    cfg.TrivyServerURL,
		ProxyEnv:          proxyEnv,
	}, auditSink)
	if err != nil {
		logger.Fatal(ctx, err.Error())
	}
	stagingEngine.DockerHubUser = cfg.DockerHubUsername
	stagingEngine.DockerHubPass = cfg.DockerHubPassword

	replicateEngine := replicate.NewEngine(localClient, proxyEnv)

	supervisorClient := supervisor.New(cfg.SupervisorRPCURL)
	lifecycleController := lifecycle.New(cfg.RegistryDataRoot, cfg.RegistryDataRoot+"/config.yml", "registry", supervisorClient, localClient)

	var gitNote *gitnote.Notebook
	if GitNoteDir != "" {
		gitNote, err = gitnote.Open(GitNoteDir)
		if err != nil {
			logger.Log(ctx, slog.LevelWarn, "git history note disabled", logger.Err(err))
			gitNote = nil
		}
	}

	reverseProxy := proxy.New(cfg.RegistryURL, cfg.ProxyAuthEnabled, cfg.ProxyTimeout, resolver, folders, auditSink)

	apiServer := &api.Server{
		Resolver:          resolver,
		Users:             users,
		Folders:           folders,
		Registries:        registries,
		Staging:           stagingEngine,
		Replicate:         replicateEngine,
		Lifecycle:         lifecycleController,
		Audit:             auditSink,
		GitNote:           gitNote,
		AccessTokenExpiry: cfg.AccessTokenExpiry,
		SecretKey:         cfg.SecretKey,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Router())
	mux.Handle("/v2/", reverseProxy)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Log(ctx, slog.LevelInfo, "listening", logger.Component("main"), slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Log(ctx, slog.LevelInfo, "received signal, shutting down", logger.Component("main"), slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func applyBootstrap(cfg *config.Config, folders *store.FolderStore) error {
	bootstrap, err := cfg.LoadBootstrap()
	if err != nil {
		return err
	}
	if bootstrap == nil {
		return nil
	}
	if len(folders.List()) > 0 {
		return nil
	}
	for _, bf := range bootstrap.Folders {
		folder, err := folders.Create(model.Folder{Name: bf.Name, Description: bf.Description, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		for _, p := range bf.Permissions {
			if err := folders.SetPermission(folder.ID, model.FolderPermission{
				Username: p.Username, CanPull: p.CanPull, CanPush: p.CanPush,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "portalcrane"
	app.Version = fmt.Sprintf("%s (%s)", Version, GitCommit)
	app.Usage = "Container registry management appliance: authenticating proxy, staged pull/scan/push, replication, and lifecycle GC"

	logLevelFlag := cli.StringFlag{
		Name:        "log-level",
		Usage:       "debug, info, warn, or error",
		Value:       "info",
		Destination: &LogLevel,
		EnvVar:      defaultLogLevelEnvironmentVariable,
	}
	dryRunFlag := cli.BoolFlag{
		Name:        "dry-run",
		Usage:       "Skip the registry stop, garbage-collect and restart steps of a GC run; no estimate of reclaimable space is made",
		Destination: &DryRun,
		EnvVar:      defaultDryRunEnvironmentVariable,
	}
	gitNoteDirFlag := cli.StringFlag{
		Name:        "gc-history-dir",
		Usage:       "Optional git-backed directory to record a gc-history.md audit note after every GC run",
		Destination: &GitNoteDir,
		EnvVar:      defaultGitNoteDirEnvironmentVariable,
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the registry proxy and admin API server",
			Action: serve,
			Flags:  []cli.Flag{logLevelFlag, dryRunFlag, gitNoteDirFlag},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(context.Background(), err.Error())
	}
}
