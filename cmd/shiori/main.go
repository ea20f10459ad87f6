// Package main is the Shiori CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/chat"
	"github.com/hyperjump/shiori/internal/cli"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/server"
	"github.com/hyperjump/shiori/internal/vector"
	"github.com/hyperjump/shiori/internal/watcher"
	"github.com/hyperjump/shiori/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/shiori/config.yaml"
	defaultServerURL  = "http://localhost:8000"
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory takes precedence if it exists, so "shiori server" run from a
// project directory uses that project's config.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "chat":
		runChat()
	case "documents":
		runDocuments()
	case "delete":
		runDelete()
	case "reprocess":
		runReprocess()
	case "status":
		runStatus()
	case "clear":
		runClear()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("shiori version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openDirect loads the config and initializes components for commands that work
// against local storage. The returned func closes everything.
func openDirect(configPath string) (*Components, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(context.Background(), cfg, logger, nil)
	if err != nil {
		_ = logger.Sync()
		fatalf("Failed to initialize: %v", err)
	}
	return components, func() {
		components.Close()
		_ = logger.Sync()
	}
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchSvc := watcher.New(cfg.Watch, components.Knowledge, watcher.WithLogger(logger))
	if err := watchSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	defer watchSvc.Stop()
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(components.Knowledge, components.Chat, &cfg.Server, cfg.Upload,
		server.WithLogger(logger),
		server.WithMetrics(components.Metrics, prometheus.DefaultGatherer),
		server.WithWatch(watchSvc, resolvedConfigPath, cfg),
		server.WithHealth(server.Health{
			Version:           version,
			IndexType:         string(vector.IndexTypeMemory),
			Dimensions:        components.VectorIndex.Dimensions(),
			EmbeddingModel:    components.Embedder.ModelID(),
			GeneratorProvider: cfg.Generator.Provider,
			GeneratorModel:    components.Generator.Model(),
		}),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "upload through a running server instead of using local storage")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: shiori ingest [flags] <file-or-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		fatalf("Failed to stat path: %v", err)
	}
	ctx := context.Background()

	if *serverURL != "" {
		if info.IsDir() {
			fatalf("Directories can only be ingested directly; omit --server or use 'shiori watch add'")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			fatalf("Failed to read file: %v", err)
		}
		res, err := newAPIClient(*serverURL).Upload(ctx, path, data)
		if err != nil {
			fatalf("Upload failed: %v", err)
		}
		fmt.Printf("Document queued: %s (%s)\n", res.DocumentID, res.Status)
		return
	}

	components, closeAll := openDirect(*configPath)
	cfg := components.Config

	if info.IsDir() {
		summary, err := components.Knowledge.IngestDirectory(ctx, path, cfg.Watch.Extensions, cfg.Ingestion.Workers)
		closeAll()
		if err != nil {
			fatalf("Ingesting directory failed: %v", err)
		}
		fmt.Printf("Ingested %d file(s) from %s (%d unchanged, %d failed)\n",
			summary.Processed, path, summary.Unchanged, len(summary.Failed))
		for file, reason := range summary.Failed {
			fmt.Printf("  %s: %s\n", file, reason)
		}
		return
	}
	doc, err := components.Knowledge.IngestPath(ctx, path)
	closeAll()
	if err != nil {
		fatalf("Ingestion failed: %v", err)
	}
	fmt.Printf("Document ingested: %s (%d fragments)\n", doc.ID, doc.FragmentCount)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// configPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
func configPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") {
			return a[strings.Index(a, "=")+1:]
		}
	}
	return defaultPath
}

// searchDefaultsFromConfig returns the configured default result count, or 5 when
// the config cannot be loaded.
func searchDefaultsFromConfig(path string) int {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil {
		return 5
	}
	return cfg.Retrieval.DefaultTopK
}

// argsReorder moves any flags (and their values) that appear after the positional
// arguments to the front so that flag.Parse sees them. The flag package stops at
// the first non-flag argument, so "shiori search tomato care -n 3" would otherwise
// leave -n unparsed.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: shiori search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  shiori search tomato watering
  shiori search -n 10 --type pdf "crop rotation"
  shiori search --server "" soil ph          # search local storage directly
`)
}

func runSearch() {
	args := argsReorder(os.Args[2:])
	defaultN := searchDefaultsFromConfig(configPathFromArgs(args, defaultConfigPath))

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage)")
	n := fs.Int("n", defaultN, "number of results")
	fileType := fs.String("type", "", "only search documents of this file type")
	docs := fs.String("documents", "", "comma-separated document IDs to restrict the search to")
	output := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(args)

	query := buildSearchQuery(fs.Args())
	if query == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*output)
	q := &models.SearchQuery{Query: query, NResults: *n, FileType: *fileType, DocumentIDs: splitList(*docs)}
	ctx := context.Background()

	var response *models.SearchResponse
	var err error
	if *serverURL != "" {
		response, err = newAPIClient(*serverURL).Search(ctx, q)
	} else {
		components, closeAll := openDirect(*configPath)
		defer closeAll()
		response, err = components.Knowledge.Search(ctx, q)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runChat() {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage)")
	session := fs.String("session", "", "continue an existing session")
	noKB := fs.Bool("no-kb", false, "answer without consulting the knowledge base")
	docs := fs.String("documents", "", "comma-separated document IDs to restrict retrieval to")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	message := buildSearchQuery(fs.Args())
	if message == "" {
		fmt.Println("Usage: shiori chat [flags] <message>")
		os.Exit(1)
	}
	format := parseFormat(*output)
	req := chat.Request{
		Message:           message,
		SessionID:         *session,
		UseKnowledgeBase:  !*noKB,
		SelectedDocuments: splitList(*docs),
	}
	ctx := context.Background()

	var resp *chat.Response
	var err error
	if *serverURL != "" {
		resp, err = newAPIClient(*serverURL).Chat(ctx, req)
	} else {
		components, closeAll := openDirect(*configPath)
		defer closeAll()
		resp, err = components.Chat.Send(ctx, req)
	}
	if err != nil {
		fatalf("Chat failed: %v", err)
	}
	if err := cli.WriteChatResponse(os.Stdout, resp, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runDocuments() {
	fs := flag.NewFlagSet("documents", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage)")
	offset := fs.Int("offset", 0, "skip this many documents")
	limit := fs.Int("limit", 100, "maximum documents to list")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format := parseFormat(*output)
	ctx := context.Background()
	var docs []*models.Document
	var err error
	if *serverURL != "" {
		docs, err = newAPIClient(*serverURL).Documents(ctx, *offset, *limit)
	} else {
		components, closeAll := openDirect(*configPath)
		defer closeAll()
		docs, err = components.Knowledge.List(ctx, *offset, *limit)
	}
	if err != nil {
		fatalf("Listing documents failed: %v", err)
	}
	if err := cli.WriteDocuments(os.Stdout, docs, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage)")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: shiori delete [flags] <document-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)
	ctx := context.Background()
	var err error
	if *serverURL != "" {
		err = newAPIClient(*serverURL).Delete(ctx, docID)
	} else {
		components, closeAll := openDirect(*configPath)
		defer closeAll()
		err = components.Knowledge.Delete(ctx, docID)
	}
	if err != nil {
		fatalf("Deletion failed: %v", err)
	}
	fmt.Printf("Document deleted: %s\n", docID)
}

func runReprocess() {
	fs := flag.NewFlagSet("reprocess", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: shiori reprocess [flags] <document-id>")
		os.Exit(1)
	}
	doc, err := newAPIClient(*serverURL).Reprocess(context.Background(), fs.Arg(0))
	if err != nil {
		fatalf("Reprocess failed: %v", err)
	}
	fmt.Printf("Document queued: %s (%s)\n", doc.ID, doc.Status)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format := parseFormat(*output)
	ctx := context.Background()
	var stats *models.Statistics
	var err error
	if *serverURL != "" {
		stats, err = newAPIClient(*serverURL).Statistics(ctx)
	} else {
		components, closeAll := openDirect(*configPath)
		defer closeAll()
		stats, err = components.Knowledge.Stats(ctx)
	}
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	if err := cli.WriteStatistics(os.Stdout, stats, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runClear() {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use local storage)")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	_ = fs.Parse(os.Args[2:])

	if !*yes {
		fmt.Print("Delete every document and fragment? [y/N] ")
		var answer string
		_, _ = fmt.Scanln(&answer)
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}
	ctx := context.Background()
	var err error
	if *serverURL != "" {
		err = newAPIClient(*serverURL).Clear(ctx)
	} else {
		components, closeAll := openDirect(*configPath)
		defer closeAll()
		err = components.Knowledge.Clear(ctx)
	}
	if err != nil {
		fatalf("Clear failed: %v", err)
	}
	fmt.Println("Knowledge base cleared.")
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shiori watch <add|remove|list> [path]")
		fmt.Println("  shiori watch add <path>     Add directory to watch")
		fmt.Println("  shiori watch remove <path>  Remove directory from watch")
		fmt.Println("  shiori watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	noSync := fs.Bool("no-sync", false, "do not ingest files already in the directory")
	_ = fs.Parse(argsReorder(os.Args[3:]))

	client := newAPIClient(*serverURL)
	ctx := context.Background()
	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fmt.Printf("Usage: shiori watch %s <path>\n", sub)
			os.Exit(1)
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fatalf("Invalid path: %v", err)
		}
		if sub == "add" {
			if err := client.WatchAdd(ctx, path, !*noSync); err != nil {
				fatalf("Add failed: %v", err)
			}
			fmt.Printf("Added: %s\n", path)
			return
		}
		if err := client.WatchRemove(ctx, path); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotImplemented {
				fatalf("The server has no inbox watcher")
			}
			fatalf("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		dirs, err := client.WatchList(ctx)
		if err != nil {
			fatalf("List failed: %v", err)
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fatalf("Unknown watch subcommand: %s", sub)
	}
}

func printUsage() {
	fmt.Println(`shiori - Knowledge-base chat over your own documents

Usage:
  shiori server [flags]              Start the HTTP server and inbox watcher
  shiori ingest [flags] <path>       Ingest a file or directory
  shiori search [flags] <query>      Retrieve matching fragments
  shiori chat [flags] <message>      Ask a question grounded in the knowledge base
  shiori documents [flags]           List documents
  shiori delete [flags] <id>         Delete a document
  shiori reprocess [flags] <id>      Re-run ingestion for a document
  shiori status [flags]              Show knowledge-base statistics
  shiori clear [flags]               Delete every document
  shiori watch <add|remove|list>     Manage watched inbox directories
  shiori version                     Show version
  shiori help                        Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/shiori/config.yaml, or ./config.yaml if present)
  --server string    Server URL (default: http://localhost:8000). Use --server "" to work on local storage
                     directly when the server is not running. ingest defaults to local storage.
  --output string    Output format: text or json (default: text)

Search Flags:
  -n int             Number of results (default from retrieval.default_top_k)
  --type string      Restrict to a file type (pdf, docx, txt, ...)
  --documents string Comma-separated document IDs

Chat Flags:
  --session string   Continue an existing session
  --no-kb            Answer without retrieval
  --documents string Comma-separated document IDs to retrieve from

Examples:
  shiori server
  shiori ingest ~/notes
  shiori search "tomato watering"
  shiori chat "How often should I water tomatoes?"
  shiori chat --session 6f1c... "And peppers?"
  shiori status --output json
  shiori watch add ~/inbox`)
}
