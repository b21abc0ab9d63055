package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/menta2k/phrase-grounder/internal/utils"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

var (
	detectOutDir  string
	detectOverlay bool
)

var detectCmd = &cobra.Command{
	Use:   "detect [file|dir|url]...",
	Short: "Run detection on local images or URLs",
	Long: `Runs the caption and grounding stages on every image and writes
<name>.json next to an optional <name>_overlay image with the boxes drawn.`,
	Args: cobra.MinimumNArgs(1),
	RunE: detectCommand,
}

func init() {
	detectCmd.Flags().StringVarP(&detectOutDir, "out", "o", "", "output directory (overrides pipeline.output_dir)")
	detectCmd.Flags().BoolVar(&detectOverlay, "overlay", false, "write a debug overlay per image")
}

func detectCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("out") {
		cfg.Pipeline.OutputDir = detectOutDir
	}
	if cmd.Flags().Changed("overlay") {
		cfg.Pipeline.Overlay = detectOverlay
	}

	sources, err := utils.ExpandSources(args)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no images found in %v", args)
	}
	if err := utils.EnsureDir(cfg.Pipeline.OutputDir); err != nil {
		return err
	}

	g, err := newGrounder(cfg)
	if err != nil {
		return err
	}
	if err := g.Init(ctx); err != nil {
		return err
	}

	failed := 0
	for _, src := range sources {
		img, err := g.LoadImage(src)
		if err != nil {
			slog.Error("skipping image", "source", src, "error", err)
			failed++
			continue
		}

		result, err := g.Detect(ctx, img)
		if err != nil {
			slog.Error("detection failed", "source", src, "error", err)
			failed++
			continue
		}
		slog.Info("detected", "source", src, "objects", len(result.Objects), "caption", result.Caption)

		jsonPath := utils.GenerateOutputFilename(src, cfg.Pipeline.OutputDir, "", "", "json")
		if err := writeResult(result, jsonPath); err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		slog.Info("wrote", "path", jsonPath)

		if cfg.Pipeline.Overlay {
			overlayPath := utils.GenerateOutputFilename(src, cfg.Pipeline.OutputDir, "", "_overlay", cfg.Pipeline.OverlayFormat)
			if err := g.SaveImage(g.Overlay(img, result), overlayPath, cfg.Pipeline.OverlayFormat, 92); err != nil {
				slog.Error("overlay save failed", "path", overlayPath, "error", err)
			} else {
				slog.Info("wrote", "path", overlayPath)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(sources))
	}
	return nil
}

// writeResult stores one detection result as indented JSON
func writeResult(result *types.DetectionResult, path string) error {
	js, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return os.WriteFile(path, js, 0o644)
}
