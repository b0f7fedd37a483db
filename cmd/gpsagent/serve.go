package main

import (
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"nuha.dev/gpsagent/internal/tui"
	"nuha.dev/gpsagent/internal/viewctl"
)

var (
	track bool
	group string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent headless with the local control API",
	Long: `serve resumes the stored session, or logs in when credentials are
given, and runs the control API until interrupted. With --track the agent
starts sampling immediately; --group also starts polling that group.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, release, err := setup(false)
		if err != nil {
			return err
		}
		defer release()
		ctx, stop := signalContext()
		defer stop()

		if err := a.Resume(ctx); err != nil {
			return err
		}
		if user, pass := credentials(); a.Controller.State() == viewctl.LoggedOut && user != "" {
			if err := a.Controller.Login(ctx, a.Config.Host, user, pass); err != nil {
				return err
			}
		}
		if track {
			if a.Controller.State() == viewctl.LoggedOut {
				log.Warn().Msg("not logged in, tracking waits for a login through the control API")
			} else if err := a.Controller.StartTracking(); err != nil {
				return err
			} else if group != "" {
				if err := a.Controller.ViewRoster(group); err != nil {
					return err
				}
			}
		}
		return a.Serve(ctx)
	},
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Run the agent with the terminal interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, release, err := setup(true)
		if err != nil {
			return err
		}
		defer release()
		ctx, stop := signalContext()
		defer stop()

		if err := a.Resume(ctx); err != nil {
			return err
		}
		return tui.Run(a.Controller, a.Config.Host)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&track, "track", false, "start tracking once logged in")
	serveCmd.Flags().StringVar(&group, "group", "", "with --track, also show this group's positions")
}
