// DotRAG - Retrieval agent with routed research and long-term memory
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"

	"github.com/dotsetgreg/dotrag/pkg/agent"
	"github.com/dotsetgreg/dotrag/pkg/api"
	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/structured"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotrag"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	_ = godotenv.Load()

	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTRAG_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotrag", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// appRuntime holds the long-lived services one command needs.
type appRuntime struct {
	cfg      *config.Config
	store    *memory.SQLiteStore
	backend  retrieval.Backend
	embedder retrieval.Embedder
}

func openRuntime(cfg *config.Config) (*appRuntime, error) {
	store, err := memory.NewSQLiteStore(cfg.MemoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	rt := &appRuntime{cfg: cfg, store: store}

	if retrieval.NeedsEmbedder(cfg.Retrieval.Provider) {
		rt.embedder, err = retrieval.NewEmbedder(cfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}
	rt.backend, err = retrieval.New(cfg, rt.embedder)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create retriever: %w", err)
	}
	return rt, nil
}

func (rt *appRuntime) Close() {
	if rt.backend != nil {
		_ = rt.backend.Close()
	}
	if c, ok := rt.embedder.(*retrieval.CachedEmbedder); ok {
		c.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

func (rt *appRuntime) graph() (*agent.Graph, error) {
	return agent.NewGraphFromConfig(rt.cfg, rt.backend, rt.store)
}

func (rt *appRuntime) worker() (*memory.Worker, error) {
	cfg := rt.cfg
	provider, model, err := providers.ForModel(cfg, cfg.Agent.QueryModel)
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	extractor := structured.NewToolExtractor(provider, model, structured.WithRetry(agent.RetryPolicyFromConfig(cfg)))
	engine := memory.NewEngine(rt.store, extractor)

	mc := cfg.Memory
	return memory.NewWorker(memory.WorkerConfig{
		AssistantID: mc.AssistantID,
		Poll:        time.Duration(mc.WorkerPollMS) * time.Millisecond,
		Lease:       time.Duration(mc.WorkerLeaseSeconds) * time.Second,
		Concurrency: mc.WorkerConcurrency,
		Retention:   time.Duration(mc.JobRetentionDays) * 24 * time.Hour,
		SweepCron:   mc.SweepCron,
	}, rt.store, rt.store, engine, rt.store)
}

func initCmd(out io.Writer, in io.Reader, force bool) error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s\n", configPath)
		fmt.Fprint(out, "Overwrite? (y/n): ")
		response, readErr := bufio.NewReader(in).ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read input: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	typesPath := filepath.Join(filepath.Dir(configPath), "memory_types.yaml")
	cfg.Memory.TypesFile = typesPath
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := config.SaveMemoryTypesFile(typesPath, memory.DefaultMemoryTypeConfigs()); err != nil {
		return fmt.Errorf("save memory types: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.WorkspacePath(), "state"), 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	fmt.Fprintf(out, "%s is ready!\n", appName)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your API key to", configPath)
	fmt.Fprintln(out, "     Get one at: https://openrouter.ai/keys")
	fmt.Fprintln(out, "  2. Index documents: dotrag index ./docs/*.md")
	fmt.Fprintln(out, "  3. Ask a question: dotrag ask \"How do I configure retries?\"")
	fmt.Fprintln(out, "  4. Run the API and memory worker: dotrag serve")
	return nil
}

func runTurn(ctx context.Context, g *agent.Graph, tc agent.TurnConfig, threadID string, messages []providers.Message) (*agent.TurnResult, error) {
	res, err := g.Run(ctx, agent.TurnInput{ThreadID: threadID, Messages: messages}, tc)
	if err != nil && res != nil {
		logger.WarnCF("agent", "Turn answered but not remembered", map[string]interface{}{
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return res, nil
	}
	return res, err
}

func askCmd(out io.Writer, question, threadID, userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, err := rt.graph()
	if err != nil {
		return err
	}
	tc, err := agent.TurnConfigFromConfig(cfg)
	if err != nil {
		return err
	}
	if userID != "" {
		tc.UserID = userID
	}

	ctx, cancel := signalContext()
	defer cancel()
	res, err := runTurn(ctx, g, tc, threadID, []providers.Message{{Role: "user", Content: question}})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s %s\n", appName, res.Answer)
	return nil
}

func chatCmd(threadID, userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, err := rt.graph()
	if err != nil {
		return err
	}
	tc, err := agent.TurnConfigFromConfig(cfg)
	if err != nil {
		return err
	}
	if userID != "" {
		tc.UserID = userID
	}
	if threadID == "" {
		threadID, err = agent.ResolveThreadID("", agent.WorkspaceNamespace(cfg.WorkspacePath()), "cli", "chat", tc.UserID)
		if err != nil {
			return err
		}
	}

	turn := func(input string) {
		res, err := runTurn(context.Background(), g, tc, threadID, []providers.Message{{Role: "user", Content: input}})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("\n%s %s\n\n", appName, res.Answer)
	}

	fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
	interactiveMode(turn)
	return nil
}

func interactiveMode(turn func(string)) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dotrag_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})

	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(turn)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}
		turn(input)
	}
}

func simpleInteractiveMode(turn func(string)) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}
		turn(input)
	}
}

func serveCmd(withWorker bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, err := rt.graph()
	if err != nil {
		return err
	}
	tc, err := agent.TurnConfigFromConfig(cfg)
	if err != nil {
		return err
	}

	if withWorker {
		w, err := rt.worker()
		if err != nil {
			return err
		}
		w.Start()
		defer w.Close()
		fmt.Println("✓ Memory worker started")
	}

	ctx, cancel := signalContext()
	defer cancel()

	router := api.NewRouter(api.Deps{Turns: g, Memories: rt.store, Jobs: rt.store, Defaults: tc})
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("✓ API listening on %s\n", addr)
	if err := api.Serve(ctx, addr, router); err != nil {
		return err
	}
	fmt.Println("✓ Server stopped")
	return nil
}

func workerCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	w, err := rt.worker()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	w.Start()
	fmt.Printf("✓ Memory worker running for assistant %q (Ctrl+C to stop)\n", cfg.Memory.AssistantID)
	<-ctx.Done()
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Println("✓ Memory worker stopped")
	return nil
}

func indexCmd(paths []string, chunkLines int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("  Indexing files"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		docs := retrieval.ChunkFile(path, string(data), chunkLines)
		if err := rt.backend.Index(ctx, docs); err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		total += len(docs)
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	fmt.Printf("✓ Indexed %d chunks from %d files into %s\n", total, len(paths), cfg.Retrieval.Provider)
	return nil
}

func memoriesCmd(out io.Writer, userID string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.MemoryDBPath())
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	if userID == "" {
		userID = cfg.Memory.UserID
	}
	records, err := store.Search(context.Background(), memory.StatesNamespace(userID), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No memories stored for %s.\n", userID)
		return nil
	}
	fmt.Fprintf(out, "%d memories for %s", len(records), userID)
	fmt.Fprint(out, memory.FormatMemories(records))
	return nil
}
