package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
	"github.com/sentinel-sh/sentinel/sdk"
)

// statusLabel colours a status for terminal output. fatih/color disables
// itself when stdout is not a terminal.
func statusLabel(s access.Status) string {
	switch s {
	case access.StatusApproved:
		return color.GreenString(string(s))
	case access.StatusPending:
		return color.YellowString(string(s))
	case access.StatusDenied:
		return color.RedString(string(s))
	default:
		return color.New(color.Faint).Sprint(string(s))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRequest writes a request as a detail block. The secret value is
// shown in full only when reveal is set.
func printRequest(w io.Writer, r access.Request, reveal bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID) //nolint:errcheck
	status := statusLabel(r.Status)
	if access.IsTerminal(r.Status) {
		status += " (final)"
	}
	fmt.Fprintf(tw, "Status:\t%s\n", status)                            //nolint:errcheck
	fmt.Fprintf(tw, "Agent:\t%s\n", r.AgentID)                          //nolint:errcheck
	fmt.Fprintf(tw, "Resource:\t%s\n", r.ResourceID)                    //nolint:errcheck
	fmt.Fprintf(tw, "Task:\t%s\n", r.Intent.TaskID)                     //nolint:errcheck
	fmt.Fprintf(tw, "Summary:\t%s\n", r.Intent.Summary)                 //nolint:errcheck
	fmt.Fprintf(tw, "TTL requested:\t%ds\n", r.TTLRequested)            //nolint:errcheck
	fmt.Fprintf(tw, "Created:\t%s\n", r.CreatedAt.Format(time.RFC3339)) //nolint:errcheck
	if r.Decision != nil {
		fmt.Fprintf(tw, "Decided by:\t%s\n", r.Decision.DecidedBy)                      //nolint:errcheck
		fmt.Fprintf(tw, "Decided at:\t%s\n", r.Decision.DecidedAt.Format(time.RFC3339)) //nolint:errcheck
		if r.Decision.Reason != "" {
			fmt.Fprintf(tw, "Reason:\t%s\n", r.Decision.Reason) //nolint:errcheck
		}
	}
	if r.Secret != nil {
		value := r.Secret.Value
		if !reveal {
			value = access.MaskValue(value)
		}
		fmt.Fprintf(tw, "Secret:\t%s (%s)\n", value, r.Secret.Type)                //nolint:errcheck
		fmt.Fprintf(tw, "Expires:\t%s\n", r.Secret.ExpiresAt.Format(time.RFC3339)) //nolint:errcheck
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Intent.Description != "" {
		fmt.Fprintln(w, "\n--- Description ---") //nolint:errcheck
		fmt.Fprintln(w, r.Intent.Description)    //nolint:errcheck
	}
	return nil
}

func printRequestTable(w io.Writer, reqs []access.Request) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATUS\tAGENT\tRESOURCE\tTASK\tCREATED\n") //nolint:errcheck
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck
			r.ID, statusLabel(r.Status), r.AgentID, r.ResourceID, r.Intent.TaskID, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printHistory(w io.Writer, entries []audit.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SEQ\tAT\tEVENT\tACTOR\tDETAIL\n") //nolint:errcheck
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", //nolint:errcheck
			e.Seq, e.At.Format(time.RFC3339), e.Event, e.Actor, e.Detail)
	}
	return tw.Flush()
}

// fromSDK converts a server response for the shared printers.
func fromSDK(r *sdk.Request) access.Request {
	out := access.Request{
		ID:           r.ID,
		AgentID:      r.AgentID,
		ResourceID:   r.ResourceID,
		Intent:       access.Intent{TaskID: r.Intent.TaskID, Summary: r.Intent.Summary, Description: r.Intent.Description},
		TTLRequested: r.TTLRequested,
		Status:       access.Status(r.Status),
		CreatedAt:    r.CreatedAt,
	}
	if r.Decision != nil {
		out.Decision = &access.Decision{DecidedBy: r.Decision.DecidedBy, DecidedAt: r.Decision.DecidedAt, Reason: r.Decision.Reason}
	}
	if r.Secret != nil {
		out.Secret = &access.Secret{Type: r.Secret.Type, Value: r.Secret.Value, IssuedAt: r.Secret.IssuedAt, ExpiresAt: r.Secret.ExpiresAt}
	}
	return out
}
