package main

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/tracker"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:     "enroll <contact-id> <sequence-id>",
	Short:   "Enroll a contact in a sequence",
	GroupID: "enrollments",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt("version")
		tz, _ := cmd.Flags().GetString("timezone")

		e, err := outreachClient.Enroll(context.Background(), tracker.EnrollRequest{
			ContactID:       args[0],
			SequenceID:      args[1],
			SequenceVersion: version,
			Timezone:        tz,
			Actor:           actor,
		})
		if err != nil {
			return fmt.Errorf("enrolling: %w", err)
		}
		if jsonOutput {
			return printJSON(e)
		}
		fmt.Fprintf(stdout, "Enrolled %s in %s v%d as %s\n", e.ContactID, e.SequenceID, e.SequenceVersion, e.ID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List enrollments",
	GroupID: "enrollments",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := enrollmentFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		resp, err := outreachClient.ListEnrollments(context.Background(), filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}
		printEnrollmentList(resp)
		return nil
	},
}

func enrollmentFilterFromFlags(cmd *cobra.Command) (model.EnrollmentFilter, error) {
	contact, _ := cmd.Flags().GetString("contact")
	seq, _ := cmd.Flags().GetString("sequence")
	statuses, _ := cmd.Flags().GetStringSlice("status")
	sort, _ := cmd.Flags().GetString("sort")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := model.EnrollmentFilter{
		ContactID:  contact,
		SequenceID: seq,
		Sort:       sort,
		Limit:      limit,
		Offset:     offset,
	}
	for _, s := range statuses {
		st := model.Status(s)
		if !st.IsValid() {
			return filter, fmt.Errorf("unknown status %q", s)
		}
		filter.Status = append(filter.Status, st)
	}
	return filter, nil
}

var showCmd = &cobra.Command{
	Use:     "show <enrollment-id>",
	Short:   "Show an enrollment and its attempt history",
	GroupID: "enrollments",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := outreachClient.GetEnrollment(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(e)
		}
		printEnrollment(e)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events <enrollment-id>",
	Short:   "Show the transition log of an enrollment",
	GroupID: "enrollments",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evs, err := outreachClient.GetEvents(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(evs)
		}
		printEvents(evs)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:     "cancel <enrollment-id>",
	Short:   "Cancel an enrollment (terminates it with the given reason)",
	GroupID: "enrollments",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		e, err := outreachClient.CancelEnrollment(context.Background(), args[0], reason, actor)
		if err != nil {
			return fmt.Errorf("cancelling %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(e)
		}
		fmt.Fprintf(stdout, "Cancelled %s (%s)\n", e.ID, e.Status)
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:     "process <enrollment-id>",
	Short:   "Run one scheduler pass over an enrollment now",
	GroupID: "enrollments",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := outreachClient.ProcessEnrollment(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}
		if !resp.Processed {
			fmt.Fprintln(stdout, "Nothing to do: enrollment is not due, leased, or terminal.")
		}
		if resp.Enrollment != nil {
			printEnrollment(resp.Enrollment)
		}
		return nil
	},
}

func init() {
	enrollCmd.Flags().Int("version", 0, "sequence version to pin (0 = latest)")
	enrollCmd.Flags().String("timezone", "", "contact IANA timezone for quiet hours")

	listCmd.Flags().String("contact", "", "filter by contact ID")
	listCmd.Flags().String("sequence", "", "filter by sequence ID")
	listCmd.Flags().StringSliceP("status", "s", nil, "filter by status (repeatable)")
	listCmd.Flags().String("sort", "-created_at", "sort field; prefix - for descending")
	listCmd.Flags().Int("limit", 50, "maximum number of enrollments to return")
	listCmd.Flags().Int("offset", 0, "offset for pagination")

	cancelCmd.Flags().String("reason", "", "reason recorded on the enrollment")
}
