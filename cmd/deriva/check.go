package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/validation"
)

// runCheck validates and compiles an item file without touching any store.
// It returns 0 when every item compiles, 1 on compile errors and 2 when the
// file cannot be loaded.
func runCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	itemsPath := fs.String("items", "", "item list file (default: items_path from settings)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg := loadConfig()
	if *itemsPath != "" {
		cfg.ItemsPath = *itemsPath
	}
	if fs.NArg() > 0 {
		cfg.ItemsPath = fs.Arg(0)
	}
	return checkItems(context.Background(), cfg, stdout, stderr)
}

func checkItems(ctx context.Context, cfg Config, stdout, stderr io.Writer) int {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	list, err := items.NewFileProvider(cfg.ItemsPath, validator, logger).Load(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", cfg.ItemsPath, err)
		return 2
	}

	engine := expressions.NewFormulaEngine(expressions.Limits{
		MaxNodes:  cfg.MaxNodes,
		MaxDepth:  cfg.MaxDepth,
		MaxLength: cfg.MaxFormulaLength,
	})
	cache := items.NewCache(items.NewCompiler(engine, cfg.MaxDiscoveredIDs, logger), cfg.MaxSourceIDs, logger)
	res, _ := cache.Refresh(ctx, list)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, ci := range cache.Items() {
		status, detail := "ok", fmt.Sprintf("%d source(s)", len(ci.SourceIDs))
		if !ci.OK {
			status, detail = "error", ci.Err.Error()
		} else if !ci.Enabled() {
			status = "disabled"
		}
		id := ci.OutputID
		if id == "" {
			id = fmt.Sprintf("#%d", ci.Index)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", status, id, detail)
	}
	tw.Flush()

	configured, enabled := cache.Counts()
	fmt.Fprintf(stdout, "%d item(s), %d enabled, %d compile error(s), %d source id(s)\n",
		configured, enabled, res.CompileErrors, len(res.SourceIDs))
	if res.Truncated > 0 {
		fmt.Fprintf(stdout, "%d source id(s) over the limit of %d are not subscribed\n", res.Truncated, cfg.MaxSourceIDs)
	}
	if res.CompileErrors > 0 {
		return 1
	}
	return 0
}
