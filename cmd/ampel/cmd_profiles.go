package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the known device profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		r, err := buildRegistry(s)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tGENERATION\tDEVICE\tTRANSFER\tMAX\tCLOCK SYNC\tHOST TRIGGER")
		for _, name := range r.Names() {
			p, err := r.Get(name)
			if err != nil {
				return err
			}
			marker := ""
			if name == s.Device.Profile {
				marker = " *"
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%d\t%s\t%v\n", name, marker, p.Generation, p.NameFilter(),
				p.Transfer, p.MaxSessions, p.ClockSyncPeriod, p.HostTrigger)
		}
		return w.Flush()
	},
}
