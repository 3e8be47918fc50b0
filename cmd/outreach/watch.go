package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alfredjeanlab/outreach/internal/client"
	"github.com/alfredjeanlab/outreach/internal/ui"
	"github.com/spf13/cobra"
)

// errWatchDone stops the stream once --count events have been printed.
var errWatchDone = errors.New("watch done")

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream enrollment transitions as they happen",
	Long: `Stream enrollment transitions from the engine's event feed.

Topics accept NATS-style wildcards: "*" matches one segment and ">" matches
the rest, e.g. outreach.enrollment.* or outreach.>.`,
	GroupID: "engagement",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, _ := cmd.Flags().GetStringSlice("topic")
		count, _ := cmd.Flags().GetInt("count")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		seen := 0
		err := outreachClient.Watch(ctx, topics, func(evt client.StreamEvent) error {
			if jsonOutput {
				line, err := json.Marshal(map[string]any{"id": evt.ID, "topic": evt.Topic, "data": evt.Data})
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, string(line))
			} else {
				fmt.Fprintf(stdout, "%s %s %s\n",
					ui.RenderMuted(time.Now().Format("15:04:05")), ui.RenderAccent(evt.Topic), evt.Data)
			}
			seen++
			if count > 0 && seen >= count {
				return errWatchDone
			}
			return nil
		})
		if errors.Is(err, errWatchDone) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringSliceP("topic", "t", nil, "topic pattern to follow (repeatable; default all)")
	watchCmd.Flags().Int("count", 0, "exit after this many events (0 = until interrupted)")
}
