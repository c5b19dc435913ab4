// Package config loads the server's environment-controlled policy into a
// typed struct, grounded on mcpsvr/config/config.go's caarlos0/env +
// sync.OnceValue idiom.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process-wide environment-controlled policy.
type Config struct {
	// WorkspaceRootFallback is used when a tool call omits workspaceRoot and
	// no session binding exists.
	WorkspaceRootFallback string `env:"WORKSPACE_ROOT_FALLBACK"`

	// RuntimePathFallbackAllowed permits resolving a ProjectContext whose
	// sourceDir falls outside workspaceRoot instead of returning
	// WORKSPACE_PATH_SANDBOXED.
	RuntimePathFallbackAllowed bool `env:"RUNTIME_PATH_FALLBACK_ALLOWED" envDefault:"false"`

	// WatcherEnabled gates whether graph_set_workspace starts a filesystem
	// watcher for the session.
	WatcherEnabled bool `env:"WATCHER_ENABLED" envDefault:"true"`

	// WatcherDebounce is the quiescence window before a batch of raw change
	// events is delivered to the rebuild orchestrator.
	WatcherDebounce time.Duration `env:"WATCHER_DEBOUNCE_MS" envDefault:"500ms"`

	// WatcherIgnorePatterns is a comma-separated list parsed into a slice by
	// caarlos0/env's built-in slice support.
	WatcherIgnorePatterns []string `env:"WATCHER_IGNORE_PATTERNS" envSeparator:"," envDefault:"node_modules,dist,.next,__tests__,coverage,.git"`

	// VectorStoreHost/Port address the vector store client.
	VectorStoreHost string `env:"VECTOR_STORE_HOST" envDefault:"localhost"`
	VectorStorePort int    `env:"VECTOR_STORE_PORT" envDefault:"6379"`

	// SummarizerURL is the optional HTTP endpoint for the community/episode
	// summarizer. It is parsed only: nothing in the server reads it, and no
	// summarization enrichment runs whether or not it is set.
	SummarizerURL string `env:"SUMMARIZER_URL"`

	// DefaultAgentID is parsed only: no handler reads it, so a tool call
	// that omits agentId runs with an empty agent id.
	DefaultAgentID string `env:"DEFAULT_AGENT_ID" envDefault:"default-agent"`

	// MongoURI/Database address the durable graph store backing.
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"graphmcp"`

	// AzureBlobURL/AzureQueueURL, when both set, wrap the graph store with
	// an AzureTxLog that fans out every GraphTx append to blob storage and a
	// storage queue, mirroring mcpsvr's Azurite/Azure split for its tool-call
	// backing. When AzuriteAccount is set, Azurite shared-key credentials are
	// built from AzuriteAccount/AzuriteKey; otherwise
	// azidentity.DefaultAzureCredential is used.
	AzureBlobURL            string `env:"AZURE_BLOB_URL"`
	AzureQueueURL           string `env:"AZURE_QUEUE_URL"`
	AzureTxContainer        string `env:"AZURE_TX_CONTAINER" envDefault:"graphtx"`
	AzuriteAccount          string `env:"AZURITE_ACCOUNT"`
	AzuriteKey              string `env:"AZURITE_KEY"`

	// BuildErrorLedgerSize is parsed and validated (must be positive), but the
	// Rebuild Orchestrator does not read it: its per-project ring buffer keeps
	// a fixed 10 entries.
	BuildErrorLedgerSize int `env:"BUILD_ERROR_LEDGER_SIZE" envDefault:"10"`
}

func (c *Config) validate() error {
	if c.BuildErrorLedgerSize <= 0 {
		return fmt.Errorf("BUILD_ERROR_LEDGER_SIZE must be positive, got %d", c.BuildErrorLedgerSize)
	}
	return nil
}

// Get lazily parses and caches the process Config, exiting the process on a
// malformed environment exactly as mcpsvr/config/config.go does.
var Get = sync.OnceValue(func() *Config {
	cfg := &Config{}
	err := env.ParseWithOptions(cfg, env.Options{Prefix: "GRAPHMCP_"})
	if err == nil {
		err = cfg.validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
})
