package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Atomregen/startAmpelBLE/pkg/driftclub"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [id...]",
	Short: "Load a schedule from DriftClub and print it",
	Long: `Resolve the identifiers (event routes like g/<club>/<event> or session
routes), fetch the sessions and print the schedule as the device would get
it. Without arguments the [schedule] ids from the config are used.`,
	RunE: runFetch,
}

var syncCmd = &cobra.Command{
	Use:   "sync [id...]",
	Short: "Fetch a schedule and upload it to the device",
	RunE:  runSync,
}

func init() {
	fetchCmd.Flags().Bool("json", false, "Print JSON instead of a table")
	syncCmd.Flags().Bool("force", false, "Upload even if the device already has this schedule")
	syncCmd.Flags().Duration("timeout", 60*time.Second, "Overall timeout")
}

func scheduleIDs(a *app, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(a.settings.Schedule.IDs) > 0 {
		return a.settings.Schedule.IDs, nil
	}
	return nil, fmt.Errorf("no schedule identifiers given")
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ids, err := scheduleIDs(a, args)
	if err != nil {
		return err
	}

	tolerance := a.settings.Schedule.Tolerance
	if tolerance <= 0 {
		tolerance = a.profile.Tolerance
	}
	maxSessions := a.settings.Schedule.MaxSessions
	if maxSessions <= 0 {
		maxSessions = a.profile.MaxSessions
	}
	sched, err := a.client.Fetch(cmd.Context(), ids, driftclub.FetchOptions{
		Tolerance:   tolerance,
		MaxSessions: maxSessions,
		Now:         time.Now(),
	})
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, sched)
	}
	printSchedule(cmd, a, sched)
	return nil
}

func printSchedule(cmd *cobra.Command, a *app, sched schedule.Schedule) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTART\tNAME\tDURATION\tLAPS\tDELAY")
	for i, s := range sched.Sessions {
		dur := "-"
		if s.Duration > 0 {
			dur = (time.Duration(s.Duration) * time.Second).String()
		}
		laps := "-"
		if s.Laps > 0 {
			laps = fmt.Sprint(s.Laps)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%dms\n", i, s.Start().Local().Format("15:04:05"),
			a.profile.CleanName(s.Name), dur, laps, s.StartDelay)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "%d races, digest %s\n", sched.Len(), sched.Digest(a.profile))
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ids, err := scheduleIDs(a, args)
	if err != nil {
		return err
	}
	if err := a.openLedger(); err != nil {
		return err
	}
	if err := a.newController(false); err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if _, err := a.ctl.Fetch(ctx, ids); err != nil {
		return err
	}
	if err := a.ctl.Connect(ctx); err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	res, err := a.ctl.Upload(ctx, force)
	if err != nil {
		return err
	}
	printSchedule(cmd, a, a.ctl.Schedule())
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d races in %d frames (%s)\n", res.Sessions, res.Frames, res.Mode)
	return nil
}
