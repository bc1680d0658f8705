package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wurt83ow/offsync/pkg/netmon"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or replay the persisted write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued write operations, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.Engine.Pending(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMETHOD\tENDPOINT\tAGE")
		for _, op := range ops {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op.ID, op.Method, op.Endpoint, time.Since(op.EnqueuedAt).Round(time.Second))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		info := a.SyncInfo.GetSyncInfo()
		if info.LastDrain.IsZero() {
			fmt.Println("\nno drain recorded yet")
			return nil
		}
		fmt.Printf("\nlast drain %s: replayed %d, expired %d, failed %d, pending %d\n",
			info.LastDrain.Local().Format(time.RFC3339), info.Replayed, info.Expired, info.Failed, info.Pending)
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if f := a.Options.ConnectivityFile; f != "" {
			if reachable, ok := netmon.NewFileSignal(f, a.Logger).Current(); ok {
				a.Monitor.Set(reachable)
			}
		}

		rep, err := a.Engine.Drain(cmd.Context())
		if err != nil {
			return err
		}
		if rep.Skipped {
			fmt.Println("device is offline, nothing sent")
			return nil
		}
		fmt.Printf("attempted %d, replayed %d, expired %d, failed %d, pending %d\n",
			rep.Attempted, rep.Replayed, rep.Expired, rep.Failed, rep.Pending)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
