package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rosterCmd = &cobra.Command{
	Use:   "roster GROUP",
	Short: "Fetch the latest positions of a group once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, release, err := setup(false)
		if err != nil {
			return err
		}
		defer release()
		ctx, stop := signalContext()
		defer stop()

		entries, err := a.Poller.Poll(ctx, args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tLATITUDE\tLONGITUDE\tALTITUDE\tACCURACY\tUPDATED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%s\t%s\t%s\n", e.MemberID, e.Latitude, e.Longitude,
				optional(e.Altitude), optional(e.Accuracy), e.Timestamp.Local().Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
