// Command graphmcpd is the process entrypoint: it wires the configured graph
// and vector store backings to every engine, registers the full tool catalog
// on a dispatch.Core, and serves /metrics and /debug/health alongside the MCP
// transport a surrounding bridge process drives this binary's dispatch core
// through. Grounded on JeffreyRichter-MCP/mcpsvr/main.go's wire-everything-
// then-serve shape (config load, backing selection by what's configured,
// net.Listen, a one-line startup message to stdout).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphmcp/server/internal/config"
	"github.com/graphmcp/server/internal/contextpack"
	"github.com/graphmcp/server/internal/coordination"
	"github.com/graphmcp/server/internal/diffsince"
	"github.com/graphmcp/server/internal/dispatch"
	"github.com/graphmcp/server/internal/elementresolver"
	"github.com/graphmcp/server/internal/episode"
	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/health"
	"github.com/graphmcp/server/internal/metrics"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/rebuild"
	"github.com/graphmcp/server/internal/retrieval"
	"github.com/graphmcp/server/internal/session"
	"github.com/graphmcp/server/internal/vectorstore"
	"github.com/graphmcp/server/internal/watcher"
)

var errorLogger = slog.New(slog.NewJSONHandler(os.Stderr, nil))

func main() {
	cfg := config.Get()

	graph, closeGraph := buildGraphStore(cfg)
	defer closeGraph()
	vectors := buildVectorStore(cfg)

	sessions := session.New(errorLogger)
	episodes := episode.New(graph, nil, ports.SystemClock{})
	coord := coordination.New(graph, episodes, ports.SystemClock{})
	builds := rebuild.New(graph, vectors, noopBuildEngine{}, nil, nil, coord, ports.SystemClock{}, errorLogger)
	retrieve := retrieval.New(graph, nil)
	pack := contextpack.New(graph, episodes, nil, nil)
	diff := diffsince.New(graph)
	reporter := health.New(graph, vectors, builds)
	resolver := elementresolver.New(graph)

	reg := prometheus.NewRegistry()
	promMetrics := metrics.New(reg)

	builds.SetHealthRecorder(reporter)
	builds.SetMetricsRecorder(promMetrics)

	core := dispatch.New()
	core.SetMetrics(promMetrics)
	dispatch.RegisterAll(core, dispatch.Deps{
		Config:     cfg,
		Sessions:   sessions,
		Graph:      graph,
		Vectors:    vectors,
		Rebuild:    builds,
		Coord:      coord,
		Episodes:   episodes,
		Retrieval:  retrieve,
		Pack:       pack,
		Diff:       diff,
		Health:     reporter,
		Resolver:   resolver,
		TestSel:    nil,
		ArchVal:    nil,
		Embed:      nil,
		ParseISO:   parseISO8601,
		Metrics:    promMetrics,
		NewWatcher: newSessionWatcher(cfg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	port := os.Getenv("GRAPHMCP_METRICS_PORT")
	if port == "" {
		port = "0"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", port))
	if err != nil {
		errorLogger.Error("listen failed", "error", err)
		os.Exit(1)
	}
	_, boundPort, _ := net.SplitHostPort(ln.Addr().String())
	fmt.Printf(`{"metricsPort":%q,"toolCount":%d}`+"\n", boundPort, len(core.Names()))
	os.Stdout.Sync()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	sessions.CleanupAllSessions()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errorLogger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func buildGraphStore(cfg *config.Config) (graphstore.Store, func()) {
	var store graphstore.Store
	if cfg.MongoURI == "" {
		store = graphstore.NewMemory()
	} else {
		mongoStore, err := graphstore.NewMongo(context.Background(), cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			errorLogger.Error("mongo connect failed, falling back to in-memory graph store", "error", err)
			mongoStore = graphstore.NewMemory()
		}
		store = mongoStore
	}

	if cfg.AzureBlobURL == "" || cfg.AzureQueueURL == "" {
		return store, func() {}
	}
	azStore, err := wrapWithAzureTxLog(cfg, store)
	if err != nil {
		errorLogger.Error("azure tx log setup failed, GraphTx fan-out disabled", "error", err)
		return store, func() {}
	}
	return azStore, func() {}
}

// wrapWithAzureTxLog builds the blob and queue clients exactly as
// mcpsvr/main.go does: Azurite shared-key credentials when AzuriteAccount is
// set (local development against the Azurite emulator), otherwise
// azidentity.DefaultAzureCredential for a real Azure Storage account.
func wrapWithAzureTxLog(cfg *config.Config, store graphstore.Store) (graphstore.Store, error) {
	ctx := context.Background()
	var blobClient *azblob.Client
	var queueClient *azqueue.QueueClient

	if cfg.AzuriteAccount != "" {
		blobCred, err := azblob.NewSharedKeyCredential(cfg.AzuriteAccount, cfg.AzuriteKey)
		if err != nil {
			return nil, err
		}
		blobClient, err = azblob.NewClientWithSharedKeyCredential(cfg.AzureBlobURL, blobCred, nil)
		if err != nil {
			return nil, err
		}
		queueCred, err := azqueue.NewSharedKeyCredential(cfg.AzuriteAccount, cfg.AzuriteKey)
		if err != nil {
			return nil, err
		}
		queueClient, err = azqueue.NewQueueClientWithSharedKeyCredential(cfg.AzureQueueURL, queueCred, nil)
		if err != nil {
			return nil, err
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		blobClient, err = azblob.NewClient(cfg.AzureBlobURL, cred, nil)
		if err != nil {
			return nil, err
		}
		queueClient, err = azqueue.NewQueueClient(cfg.AzureQueueURL, cred, nil)
		if err != nil {
			return nil, err
		}
	}

	return graphstore.NewAzureTxLog(ctx, store, blobClient, queueClient, cfg.AzureTxContainer)
}

// newSessionWatcher builds the dispatch.WatcherFactory graph_set_workspace
// uses to start a real filesystem watcher per session, configured from the
// process-wide debounce/ignore policy.
func newSessionWatcher(cfg *config.Config) dispatch.WatcherFactory {
	return func(pc model.ProjectContext, cb watcher.Callback) (session.Watcher, error) {
		return watcher.New(pc.ProjectID, pc.WorkspaceRoot, pc.SourceDir, cfg.WatcherDebounce, cfg.WatcherIgnorePatterns, cb, errorLogger)
	}
}

func buildVectorStore(cfg *config.Config) vectorstore.Store {
	if cfg.MongoURI == "" {
		return vectorstore.NewMemory()
	}
	return vectorstore.NewRedis(net.JoinHostPort(cfg.VectorStoreHost, fmt.Sprintf("%d", cfg.VectorStorePort)))
}

// parseISO8601 backs the since-anchor resolver's ISO-timestamp fallback.
func parseISO8601(s string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// noopBuildEngine is the process's default BuildEngine: language-specific
// source parsing lives outside this binary, so this satisfies the interface
// until a real parser is wired in by whatever bridges to it.
type noopBuildEngine struct{}

func (noopBuildEngine) Rebuild(ctx context.Context, projectID, sourceDir string, changedFiles []string, excludeDirs []string, incremental bool) error {
	return nil
}
