package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alfredjeanlab/outreach/internal/ingest"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <contact-id> <channel> <type>",
	Short: "Record an engagement event (opened, replied, bounced, ...)",
	Long: `Record an engagement event the way a provider webhook would.

Pass --file - to read a raw webhook payload from stdin instead of arguments.`,
	GroupID: "engagement",
	Args:    cobra.RangeArgs(0, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		var raw ingest.RawEvent
		switch {
		case file != "":
			if len(args) > 0 {
				return fmt.Errorf("positional arguments cannot be combined with --file")
			}
			var err error
			if raw, err = readRawEvent(file); err != nil {
				return err
			}
		case len(args) == 3:
			enrollmentID, _ := cmd.Flags().GetString("enrollment")
			eventID, _ := cmd.Flags().GetString("event-id")
			at, _ := cmd.Flags().GetString("at")
			raw = ingest.RawEvent{
				ContactID:       args[0],
				EnrollmentID:    enrollmentID,
				Channel:         args[1],
				Type:            args[2],
				ProviderEventID: eventID,
				Timestamp:       time.Now().UTC(),
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				raw.Timestamp = ts
			}
			if raw.ProviderEventID == "" {
				raw.ProviderEventID = fmt.Sprintf("cli-%s-%d", actor, raw.Timestamp.UnixNano())
			}
		default:
			return fmt.Errorf("expected <contact-id> <channel> <type> or --file")
		}

		resp, err := outreachClient.Ingest(context.Background(), raw)
		if err != nil {
			return fmt.Errorf("ingesting event: %w", err)
		}
		if jsonOutput {
			return printJSON(resp)
		}
		if resp.Duplicate {
			fmt.Fprintln(stdout, "Duplicate event ignored.")
			return nil
		}
		fmt.Fprintf(stdout, "Recorded %s %s for %s\n", resp.Event.Channel, resp.Event.Type, resp.Event.ContactID)
		return nil
	},
}

// readRawEvent decodes a webhook payload from path, or stdin when path is "-".
func readRawEvent(path string) (ingest.RawEvent, error) {
	var raw ingest.RawEvent
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return raw, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return raw, fmt.Errorf("decoding event: %w", err)
	}
	return raw, nil
}

func init() {
	ingestCmd.Flags().StringP("file", "f", "", "read a JSON webhook payload from a file (- for stdin)")
	ingestCmd.Flags().String("enrollment", "", "attribute the event to one enrollment")
	ingestCmd.Flags().String("event-id", "", "provider event ID used for deduplication (default: generated)")
	ingestCmd.Flags().String("at", "", "event time in RFC 3339 (default: now)")
}
