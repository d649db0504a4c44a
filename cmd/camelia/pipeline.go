package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Camelia/internal/log"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/pipeline"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

var (
	flagVariant string
	flagInput   string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "pipeline runs detection and synthesis once over a directory of images",
	Long: `pipeline runs detection and synthesis once over a directory of images
without the HTTP service. Stage output is printed to stdout, paths of the
results are printed when both stages succeed.`,
	RunE: doPipeline,
}

func doPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	variant, err := model.ParseVariant(flagVariant)
	if err != nil {
		return err
	}
	p, err := pipeline.New(config)
	if err != nil {
		return err
	}
	root, err := staging.New(config.Staging.Root, config.Staging.Output)
	if err != nil {
		return err
	}

	var inputs []string
	for e, err := range staging.Images(ctx, flagInput) {
		if err != nil {
			return fmt.Errorf("listing %s: %w", flagInput, err)
		}
		inputs = append(inputs, e.Path())
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%s: %w", flagInput, model.ErrNoValidFiles)
	}

	id := model.NewJobID()
	ctx = log.JobAttrs(ctx, id, string(variant))
	area, err := root.Area(id)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(area.Dir()); err != nil {
			slog.WarnContext(ctx, "removing staging", "error", err)
		}
	}()
	if err := area.Prepare(variant); err != nil {
		return err
	}
	if _, err := area.Stage(ctx, variant, inputs, nil); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	err = p.Run(ctx, area.Dirs(variant), func(_ context.Context, line string) {
		_, _ = fmt.Fprintln(out, line)
	})
	if err != nil {
		return err
	}

	results, err := area.Collect(ctx, area.Dirs(variant).Output, nil)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("%s: no results produced", id)
	}
	for _, a := range results {
		_, _ = fmt.Fprintln(out, a.Path)
	}
	return nil
}
