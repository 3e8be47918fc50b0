package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/outreach/internal/client"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(stdout, string(data))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printSequence(seq *model.Sequence) {
	fmt.Fprintf(stdout, "ID:        %s\n", seq.ID)
	fmt.Fprintf(stdout, "Version:   %d\n", seq.Version)
	if seq.Name != "" {
		fmt.Fprintf(stdout, "Name:      %s\n", seq.Name)
	}
	fmt.Fprintf(stdout, "Sender:    %s\n", seq.SenderIdentity())
	if !seq.CreatedAt.IsZero() {
		fmt.Fprintf(stdout, "Created:   %s\n", seq.CreatedAt.UTC().Format(timeLayout))
	}
	fmt.Fprintln(stdout)

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tCHANNEL\tDWELL\tFALLBACK\tTRIGGER\tTEMPLATE")
	for i, st := range seq.Steps {
		fallback := "-"
		if st.Fallback != nil {
			fallback = fmt.Sprintf("-> %d", *st.Fallback)
		}
		ch := string(st.Channel)
		if st.IsFallback {
			ch += " (fallback)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i, ch, st.Dwell, fallback, describeTrigger(&st), truncate(st.Template, 30))
	}
	w.Flush()
}

func describeTrigger(st *model.Step) string {
	evs := st.QualifyingEvents()
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = string(ev)
	}
	s := strings.Join(names, ",")
	if st.Trigger.AnyChannel {
		s += " (any channel)"
	}
	if st.StopOnEngagement {
		s += " stop"
	}
	return s
}

func printSequenceList(seqs []*model.Sequence) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTEPS\tNAME")
	for _, s := range seqs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.ID, s.Version, len(s.Steps), truncate(s.Name, 50))
	}
	w.Flush()
	fmt.Fprintf(stdout, "\n%d sequences\n", len(seqs))
}

func printEnrollment(e *model.Enrollment) {
	fmt.Fprintf(stdout, "ID:          %s\n", e.ID)
	fmt.Fprintf(stdout, "Contact:     %s\n", e.ContactID)
	fmt.Fprintf(stdout, "Sequence:    %s v%d\n", e.SequenceID, e.SequenceVersion)
	fmt.Fprintf(stdout, "Status:      %s\n", ui.RenderStatus(string(e.Status)))
	fmt.Fprintf(stdout, "Step:        %d\n", e.Cursor)
	fmt.Fprintf(stdout, "Due:         %s\n", formatTime(e.DueAt))
	if e.Timezone != "" {
		fmt.Fprintf(stdout, "Timezone:    %s\n", e.Timezone)
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(stdout, "Retries:     %d\n", e.RetryCount)
	}
	if e.Reason != "" {
		fmt.Fprintf(stdout, "Reason:      %s\n", e.Reason)
	}
	if e.LeaseOwner != "" {
		fmt.Fprintf(stdout, "Leased By:   %s until %s\n", e.LeaseOwner, formatTime(e.LeaseExpiresAt))
	}
	fmt.Fprintf(stdout, "Created At:  %s\n", e.CreatedAt.UTC().Format(timeLayout))
	fmt.Fprintf(stdout, "Updated At:  %s\n", e.UpdatedAt.UTC().Format(timeLayout))

	if len(e.History) == 0 {
		return
	}
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "History:")
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  STEP\tTRY\tCHANNEL\tRESULT\tSENT\tCLOSED\tDETAIL")
	for _, a := range e.History {
		ch := string(a.Channel)
		if a.ViaFallback {
			ch += "*"
		}
		detail := a.ProviderMessageID
		if a.Error != "" {
			detail = a.Error
		}
		if len(a.EngagementEvents) > 0 {
			detail = strings.Join(a.EngagementEvents, ",")
		}
		fmt.Fprintf(w, "  %d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			a.StepIndex, a.AttemptNo, ch, ui.RenderStatus(string(a.Result)),
			formatTime(&a.SentAt), formatTime(a.ClosedAt), truncate(detail, 40))
	}
	w.Flush()
}

func printEnrollmentList(resp *client.ListEnrollmentsResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONTACT\tSEQUENCE\tSTATUS\tSTEP\tDUE")
	for _, e := range resp.Enrollments {
		fmt.Fprintf(w, "%s\t%s\t%s@%d\t%s\t%d\t%s\n",
			e.ID, e.ContactID, e.SequenceID, e.SequenceVersion,
			ui.RenderStatus(string(e.Status)), e.Cursor, formatTime(e.DueAt))
	}
	w.Flush()
	fmt.Fprintf(stdout, "\n%d enrollments (%d total)\n", len(resp.Enrollments), resp.Total)
}

func printEvents(evs []*model.Event) {
	if len(evs) == 0 {
		fmt.Fprintln(stdout, "No events.")
		return
	}
	for _, ev := range evs {
		fmt.Fprintf(stdout, "[%s] %s %s\n",
			ev.CreatedAt.UTC().Format(timeLayout), ui.RenderAccent(ev.Topic), ui.RenderMuted(string(ev.Payload)))
	}
}

func printStats(resp *client.StatsResponse) {
	statuses := make([]string, 0, len(resp.Enrollments))
	for st := range resp.Enrollments {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", ui.RenderStatus(st), resp.Enrollments[model.Status(st)])
	}
	w.Flush()

	if sc := resp.Scheduler; sc != nil {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "Scheduler %s\n", sc.SchedulerID)
		fmt.Fprintf(stdout, "  claimed %d, processed %d, lease conflicts %d, errors %d\n",
			sc.Claimed, sc.Processed, sc.LeaseConflicts, sc.Errors)
		fmt.Fprintf(stdout, "  sent %d, failed %d, bounced %d, deferred %d\n",
			sc.Sent, sc.Failed, sc.Bounced, sc.Deferred)
		fmt.Fprintf(stdout, "  completed %d, terminated %d\n", sc.Completed, sc.Terminated)
		if !sc.LastPoll.IsZero() {
			fmt.Fprintf(stdout, "  last poll %s\n", sc.LastPoll.UTC().Format(timeLayout))
		}
	}
}
