package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/offshore-budgeting/ledgersync/internal/canon"
	"github.com/offshore-budgeting/ledgersync/internal/identity"
	"github.com/offshore-budgeting/ledgersync/internal/ledger"
)

const notSet = "(not set)"

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration state and record counts",
		Long: `Display the identity migration flags, the migration lock, this device's
install id, and how many records of each kind the ledger holds.

Status never changes state: an install id that does not exist yet is shown
as unset rather than created.`,
		RunE: runStatus,
	}
}

// statusReport is the data behind "ledgersync status".
type statusReport struct {
	SyncEnabled bool           `json:"sync_enabled"`
	InstallID   string         `json:"install_id,omitempty"`
	LocalDone   bool           `json:"local_done"`
	SharedDone  bool           `json:"shared_done"`
	LockHolder  string         `json:"lock_holder,omitempty"`
	Workspaces  []string       `json:"workspaces"`
	Counts      map[string]int `json:"counts"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	svc, err := openServices(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := collectStatus(ctx, svc)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), report)
	}

	printStatus(cmd.OutOrStdout(), report)

	return nil
}

func collectStatus(ctx context.Context, svc *services) (*statusReport, error) {
	installID, _ := svc.defaults.Get(canon.KeyInstallID)

	report := &statusReport{
		SyncEnabled: svc.holder.SyncEnabled(),
		InstallID:   installID,
		LocalDone:   svc.flags.LocalDone(),
		SharedDone:  svc.flags.SharedDone(),
		LockHolder:  svc.lock.Holder(),
		Workspaces:  []string{},
		Counts:      make(map[string]int),
	}

	workspaces, err := svc.ledger.Workspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}

	for _, ws := range workspaces {
		report.Workspaces = append(report.Workspaces, identity.FormatID(ws))
	}

	kinds := append(ledger.DataKinds(), ledger.KindSpendingCap)
	for _, k := range kinds {
		n, err := svc.ledger.Count(ctx, k, ledger.AllWorkspaces)
		if err != nil {
			svc.logger.Warn("counting records", slog.String("kind", k.String()), slog.String("error", err.Error()))
			continue
		}

		report.Counts[k.String()] = n
	}

	return report, nil
}

func printStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "Sync:            %s\n", onOff(r.SyncEnabled))
	fmt.Fprintf(w, "Install ID:      %s\n", orNotSet(r.InstallID))
	fmt.Fprintf(w, "Migration done:  local %s, shared %s\n", yesNo(r.LocalDone), yesNo(r.SharedDone))
	fmt.Fprintf(w, "Migration lock:  %s\n", lockState(r.LockHolder))
	fmt.Fprintf(w, "Workspaces:      %d\n", len(r.Workspaces))

	kinds := append(ledger.DataKinds(), ledger.KindSpendingCap)
	rows := make([][]string, 0, len(kinds))

	for _, k := range kinds {
		n, ok := r.Counts[k.String()]
		if !ok {
			continue
		}

		rows = append(rows, []string{k.String(), strconv.Itoa(n)})
	}

	fmt.Fprintln(w)
	printTable(w, []string{"KIND", "RECORDS"}, rows)
}

func lockState(holder string) string {
	if holder == "" {
		return "free"
	}

	if id, err := uuid.Parse(holder); err == nil {
		holder = identity.FormatID(id)
	}

	return "held by " + holder
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}

	return "disabled"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

func orNotSet(s string) string {
	if s == "" {
		return notSet
	}

	return s
}
