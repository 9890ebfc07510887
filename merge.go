package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/offshore-budgeting/ledgersync/internal/ledger"
	"github.com/offshore-budgeting/ledgersync/internal/merge"
)

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate records left after combining datasets",
		Long: `Collapse records that describe the same thing.

With sync disabled every kind is deduplicated by a content signature and,
when sync.active_workspace is set, stray records are first adopted into
that workspace. With sync enabled only expense template children that
landed twice on the same budget are merged.

The whole merge commits as one transaction; on error nothing changes.`,
		RunE: runMerge,
	}
}

func runMerge(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	parent, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx := shutdownContext(parent, cc.Logger)

	svc, err := openServices(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.reconciler().MergeLocalIntoCloud(ctx)
	if err != nil {
		return fmt.Errorf("merging: %w", err)
	}

	return printMergeReport(cmd.OutOrStdout(), report, cc.Flags.JSON)
}

type mergeJSON struct {
	Mode       merge.Mode     `json:"mode"`
	DurationMS int64          `json:"duration_ms"`
	Adopted    map[string]int `json:"adopted,omitempty"`
	Deleted    map[string]int `json:"deleted"`
	Relinked   int            `json:"relinked"`
}

func kindCounts(m map[ledger.Kind]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, n := range m {
		out[k.String()] = n
	}

	return out
}

func printMergeReport(w io.Writer, r *merge.Report, asJSON bool) error {
	if asJSON {
		out := mergeJSON{
			Mode:       r.Mode,
			DurationMS: r.Duration.Milliseconds(),
			Deleted:    kindCounts(r.Deleted),
			Relinked:   r.Relinked,
		}

		if len(r.Adopted) > 0 {
			out.Adopted = kindCounts(r.Adopted)
		}

		return printJSON(w, out)
	}

	if !r.Changed() {
		fmt.Fprintf(w, "Merge (%s): nothing to do\n", r.Mode)
		return nil
	}

	fmt.Fprintf(w, "Merge (%s) in %s: %d deleted, %d relinked\n",
		r.Mode, formatDuration(r.Duration), r.Total(), r.Relinked)

	rows := make([][]string, 0, len(r.Deleted))

	for _, k := range ledger.DataKinds() {
		adopted, deleted := r.Adopted[k], r.Deleted[k]
		if adopted == 0 && deleted == 0 {
			continue
		}

		rows = append(rows, []string{k.String(), strconv.Itoa(adopted), strconv.Itoa(deleted)})
	}

	if len(rows) > 0 {
		printTable(w, []string{"KIND", "ADOPTED", "DELETED"}, rows)
	}

	return nil
}
