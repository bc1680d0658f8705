package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Manage the edge cache",
}

var edgeActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Precache the shell for the configured version and purge older generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		w, store, err := a.OpenEdge()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := w.Install(cmd.Context()); err != nil {
			return err
		}
		if err := w.Activate(cmd.Context()); err != nil {
			return err
		}
		gens, err := store.Generations(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("edge cache %s is %s, generations: %v\n", w.Version(), w.State(), gens)
		return nil
	},
}

func init() {
	edgeCmd.AddCommand(edgeActivateCmd)
	rootCmd.AddCommand(edgeCmd)
}
