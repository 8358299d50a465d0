package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		debug       bool
	)

	root := &cobra.Command{
		Use:   "dotrag",
		Short: "Retrieval agent with routed research and long-term memory",
		Long: strings.TrimSpace(`dotrag answers questions over indexed documents.

Each turn is routed to a clarifying question, a general reply, or a research
plan run against the retriever. Answered turns queue a memory job that
consolidates what was learned about the user.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newInitCommand())
	root.AddCommand(newAskCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newIndexCommand())
	root.AddCommand(newMemoriesCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize ~/.dotrag config and memory types",
		Long:    "Write the default configuration and the built-in memory types YAML for a new installation.",
		Example: "  dotrag init",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initCmd(cmd.OutOrStdout(), cmd.InOrStdin(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newAskCommand() *cobra.Command {
	var thread, user string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one turn and print the answer",
		Args:  cobra.MinimumNArgs(1),
		Example: strings.Join([]string{
			"  dotrag ask \"How do I configure retries?\"",
			"  dotrag ask --thread support-42 --user alice \"and the backoff?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return askCmd(cmd.OutOrStdout(), strings.Join(args, " "), thread, user)
		},
	}
	cmd.Flags().StringVarP(&thread, "thread", "t", "", "Thread id (generated when empty)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id memories are stored under")
	return cmd
}

func newChatCommand() *cobra.Command {
	var thread, user string

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Interactive chat on one thread",
		Long:    "Run a readline session where every line is a turn on the same thread.",
		Example: "  dotrag chat --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(thread, user)
		},
	}
	cmd.Flags().StringVarP(&thread, "thread", "t", "", "Thread id (derived from workspace and user when empty)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id memories are stored under")
	return cmd
}

func newServeCommand() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API and memory worker",
		Long:    "Serve turns, memories and memory jobs over HTTP, consolidating memories in the background.",
		Example: "  dotrag serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd(!noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Serve the API without consolidating memories")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "worker",
		Short:   "Run the memory worker only",
		Long:    "Claim queued memory jobs for the configured assistant and consolidate them.",
		Example: "  dotrag worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return workerCmd()
		},
	}
}

func newIndexCommand() *cobra.Command {
	var chunkLines int

	cmd := &cobra.Command{
		Use:     "index <file>...",
		Short:   "Chunk files and add them to the retriever",
		Args:    cobra.MinimumNArgs(1),
		Example: "  dotrag index docs/*.md",
		RunE: func(cmd *cobra.Command, args []string) error {
			return indexCmd(args, chunkLines)
		},
	}
	cmd.Flags().IntVar(&chunkLines, "chunk-lines", 80, "Maximum lines per chunk")
	return cmd
}

func newMemoriesCommand() *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:     "memories",
		Short:   "List a user's stored memories",
		Example: "  dotrag memories --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return memoriesCmd(cmd.OutOrStdout(), user, limit)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to memory.user_id)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum records to show")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotrag version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
