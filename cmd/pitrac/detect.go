package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pitrac/internal/app"
	"pitrac/internal/detector"
	"pitrac/internal/detector/opencv"
	"pitrac/internal/frame"
)

var annotatePath string

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Run the ball detector on an image file and print the detections.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		engine := detector.NewEngine(app.DetectorConfig(cfg), opencv.NewSession, opencv.Imager{}, log)
		if err := engine.Initialize(); err != nil {
			return err
		}
		defer engine.Close()

		f, err := frame.Load(args[0])
		if err != nil {
			return err
		}

		dets, metrics := engine.DetectWithMetrics(f)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d detection(s) in %dx%d image\n", len(dets), f.Width, f.Height)
		for _, d := range dets {
			fmt.Fprintf(out, "  %-12s %.3f  x=%.1f y=%.1f w=%.1f h=%.1f\n",
				detector.ClassLabel(d.ClassID), d.Confidence, d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
		}
		fmt.Fprintf(out, "preprocess %.2fms  inference %.2fms  postprocess %.2fms  total %.2fms  pool %d bytes\n",
			metrics.PreprocessingMs, metrics.InferenceMs, metrics.PostprocessingMs, metrics.TotalMs, metrics.MemoryUsageBytes)

		if annotatePath != "" {
			if err := opencv.AnnotateFile(f, dets, annotatePath); err != nil {
				return err
			}
			log.Info("🖼️ Annotated image written to %s", annotatePath)
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().StringVarP(&annotatePath, "annotate", "o", "", "write the image with detection boxes to this path")
	rootCmd.AddCommand(detectCmd)
}
