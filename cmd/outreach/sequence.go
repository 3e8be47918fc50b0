package main

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/outreach/internal/sequence"
	"github.com/spf13/cobra"
)

var sequenceCmd = &cobra.Command{
	Use:     "sequence",
	Aliases: []string{"seq"},
	Short:   "Define and inspect sequences",
	GroupID: "sequences",
}

var sequenceApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Define a sequence from a TOML or JSON file (creates a new version)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		seq, err := sequence.LoadFile(file)
		if err != nil {
			return err
		}
		defined, err := outreachClient.DefineSequence(context.Background(), seq)
		if err != nil {
			return fmt.Errorf("defining sequence: %w", err)
		}
		if jsonOutput {
			return printJSON(defined)
		}
		fmt.Fprintf(stdout, "Defined %s version %d (%d steps)\n", defined.ID, defined.Version, len(defined.Steps))
		return nil
	},
}

var sequenceShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a sequence (latest version unless --version is set)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt("version")
		seq, err := outreachClient.GetSequence(context.Background(), args[0], version)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(seq)
		}
		printSequence(seq)
		return nil
	},
}

var sequenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest version of every sequence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		seqs, err := outreachClient.ListSequences(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(seqs)
		}
		printSequenceList(seqs)
		return nil
	},
}

func init() {
	sequenceApplyCmd.Flags().StringP("file", "f", "", "sequence definition (.toml or .json)")
	sequenceShowCmd.Flags().Int("version", 0, "version to show (0 = latest)")

	sequenceCmd.AddCommand(sequenceApplyCmd)
	sequenceCmd.AddCommand(sequenceShowCmd)
	sequenceCmd.AddCommand(sequenceListCmd)
}
