package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pitrac/internal/results/sqlite"
)

var shotsLimit int

var shotsCmd = &cobra.Command{
	Use:   "shots",
	Short: "List the most recent stored results.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := sqlite.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer repo.Close()

		shots, err := repo.List(shotsLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range shots {
			dets, err := repo.DetectionsFor(s.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s  %s  %-12s %-28s %d detection(s)  %s\n",
				s.ReceivedAt.Local().Format("2006-01-02 15:04:05"), s.ID, s.SystemID, s.ResultType, len(dets), s.ImagePath)
		}
		return nil
	},
}

func init() {
	shotsCmd.Flags().IntVarP(&shotsLimit, "limit", "n", 20, "number of shots to show")
	rootCmd.AddCommand(shotsCmd)
}
