package main

import (
	"os"
	"os/user"

	"github.com/alfredjeanlab/outreach/internal/client"
	"github.com/alfredjeanlab/outreach/internal/ui"
	"github.com/spf13/cobra"
)

var (
	httpURL    string
	authToken  string
	jsonOutput bool
	actor      string

	outreachClient client.OutreachClient
)

func defaultActor() string {
	if s := os.Getenv("OUTREACH_ACTOR"); s != "" {
		return s
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func envOr(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

var rootCmd = &cobra.Command{
	Use:          "outreach <command>",
	Short:        "Multi-channel outreach sequencing engine",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		outreachClient = client.NewHTTPClient(httpURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if outreachClient != nil {
			outreachClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", envOr("OUTREACH_HTTP_URL", "http://localhost:8080"), "engine HTTP URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("OUTREACH_AUTH_TOKEN"), "bearer token for the engine API")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded on enrollments and cancellations")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sequences", Title: "Sequences:"},
		&cobra.Group{ID: "enrollments", Title: "Enrollments:"},
		&cobra.Group{ID: "engagement", Title: "Engagement:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	ui.Setup()
	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Sequences
	rootCmd.AddCommand(sequenceCmd)

	// Enrollments
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(processCmd)

	// Engagement
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watchCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
