// Command lcminspect is an operator tool for inspecting an LCM store: it
// grep's messages and summaries, describes a summary's subtree, and expands
// a summary's descendants, either as one-shot CLI subcommands or as an
// interactive terminal browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/martian-engineering/lcm/internal/lcm"
	"github.com/martian-engineering/lcm/internal/lcmstore"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default, when stdout is a terminal):
  %s -db <path>                        Browse the store interactively

SUBCOMMANDS:
  %s grep <pattern> [options]          Search messages and/or summaries
  %s describe <id>                     Show a summary or large-file's metadata and subtree manifest
  %s expand <summary_id> [options]     Walk a summary's descendants

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
EXAMPLES:
  Interactive browser:   %s -db ./lcm.db
  Full-text search:      %s -db ./lcm.db grep "panic" -mode full_text -scope both
  Describe a summary:    %s -db ./lcm.db describe sum_abc123
  Expand with messages:  %s -db ./lcm.db expand sum_abc123 -include-messages -token-cap 4000
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	dbPath := flag.String("db", lcmstore.DefaultDBPath(), "path to the LCM sqlite database")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := lcmstore.Open(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	retrieval := lcm.NewRetrieval(store, 8000)

	args := flag.Args()
	if len(args) == 0 {
		if !isatty.IsTerminal(os.Stdout.Fd()) {
			printUsage()
			os.Exit(2)
		}
		if err := runBrowser(ctx, retrieval); err != nil {
			fmt.Fprintf(os.Stderr, "browser: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "grep":
		os.Exit(runGrepCommand(ctx, retrieval, args[1:]))
	case "describe":
		os.Exit(runDescribeCommand(ctx, retrieval, args[1:]))
	case "expand":
		os.Exit(runExpandCommand(ctx, retrieval, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runGrepCommand(ctx context.Context, r *lcm.Retrieval, args []string) int {
	fs := flag.NewFlagSet("grep", flag.ExitOnError)
	mode := fs.String("mode", "regex", "search mode: regex or full_text")
	scope := fs.String("scope", "both", "search scope: messages, summaries, or both")
	convID := fs.Int64("conversation", 0, "restrict to one conversation id (0 = all)")
	limit := fs.Int("limit", 50, "max hits to return")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "grep requires a pattern argument")
		return 2
	}
	pattern := fs.Arg(0)

	q := lcm.GrepQuery{
		Pattern: pattern,
		Mode:    lcm.GrepMode(*mode),
		Scope:   lcm.GrepScope(*scope),
		Limit:   *limit,
	}
	if *convID != 0 {
		q.ConversationID = *convID
	} else {
		q.AllConversations = true
	}

	hits, err := r.Grep(ctx, q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grep: %v\n", err)
		return 1
	}
	for _, h := range hits {
		fmt.Printf("%s\t%s\tconv=%d\t%s\n\t%s\n", h.ID, h.Kind, h.ConversationID, h.CreatedAt.Format("2006-01-02T15:04:05Z"), h.Snippet)
	}
	fmt.Printf("\n%d hit(s)\n", len(hits))
	return 0
}

func runDescribeCommand(ctx context.Context, r *lcm.Retrieval, args []string) int {
	fs := flag.NewFlagSet("describe", flag.ExitOnError)
	tokenCap := fs.Int("token-cap", 8000, "token cap for budget_fit estimation")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "describe requires an id argument")
		return 2
	}

	result, err := r.Describe(ctx, fs.Arg(0), *tokenCap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "describe: %v\n", err)
		return 1
	}
	fmt.Printf("id:          %s\n", result.Summary.SummaryID)
	fmt.Printf("kind:        %s\n", result.Summary.Kind)
	fmt.Printf("depth:       %d\n", result.Summary.Depth)
	fmt.Printf("parents:     %v\n", result.ParentIDs)
	fmt.Printf("children:    %v\n", result.ChildIDs)
	fmt.Printf("source msgs: %v\n", result.SourceMessageIDs)
	fmt.Println("subtree manifest:")
	for _, n := range result.SubtreeManifest {
		fmt.Printf("  %s  depth=%d  descendants=%d  cost(summaries_only=%d, with_messages=%d)  fits(summaries_only=%t, with_messages=%t)\n",
			n.SummaryID, n.Depth, n.DescendantCount,
			n.Costs.SummariesOnly, n.Costs.WithMessages,
			n.BudgetFit.SummariesOnly, n.BudgetFit.WithMessages)
	}
	return 0
}

func runExpandCommand(ctx context.Context, r *lcm.Retrieval, args []string) int {
	fs := flag.NewFlagSet("expand", flag.ExitOnError)
	maxDepth := fs.Int("max-depth", 0, "max descent depth (0 = unlimited)")
	tokenCap := fs.Int("token-cap", 8000, "token budget for the walk")
	includeMessages := fs.Bool("include-messages", false, "include source messages for leaf summaries")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "expand requires a summary_id argument")
		return 2
	}

	opts := lcm.ExpandOptions{
		TokenCap:        *tokenCap,
		IncludeMessages: *includeMessages,
	}
	if *maxDepth > 0 {
		opts.MaxDepth = *maxDepth
	}

	result, err := r.Expand(ctx, fs.Arg(0), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "expand: %v\n", err)
		return 1
	}
	printExpandNode(result.Root, 0)
	fmt.Printf("\nestimated tokens: %d  truncated: %t\n", result.EstimatedTokens, result.Truncated)
	return 0
}

func printExpandNode(n lcm.ExpandNode, indent int) {
	prefix := strings.Repeat("  ", indent)
	fmt.Printf("%s- %s\n%s  %s\n", prefix, n.SummaryID, prefix, truncateForDisplay(n.Content, 200))
	for _, child := range n.Children {
		printExpandNode(child, indent+1)
	}
}

func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func runBrowser(ctx context.Context, r *lcm.Retrieval) error {
	m := newBrowserModel(ctx, r)
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
