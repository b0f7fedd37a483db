package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"nuha.dev/gpsagent/internal/viewctl"
)

var (
	username string
	password string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the tracking backend and keep the session",
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
		if a.Controller.State() != viewctl.LoggedOut {
			fmt.Fprintf(cmd.OutOrStdout(), "already logged in to %s\n", a.Controller.Snapshot().Host)
			return nil
		}
		user, pass := credentials()
		if user == "" || pass == "" {
			return errors.New("username and password are required")
		}
		if err := a.Controller.Login(ctx, a.Config.Host, user, pass); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s\n", a.Controller.Snapshot().Host)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Erase the stored session",
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
		if a.Controller.State() == viewctl.LoggedOut {
			fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
			return nil
		}
		if err := a.Controller.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the stored session state as JSON",
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
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(a.Controller.Snapshot())
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, serveCmd} {
		c.Flags().StringVarP(&username, "username", "u", "", "backend username (or GPSAGENT_USERNAME)")
		c.Flags().StringVarP(&password, "password", "p", "", "backend password (or GPSAGENT_PASSWORD)")
	}
}

// credentials prefers flags over the environment.
func credentials() (string, string) {
	user, pass := username, password
	if user == "" {
		user = os.Getenv("GPSAGENT_USERNAME")
	}
	if pass == "" {
		pass = os.Getenv("GPSAGENT_PASSWORD")
	}
	return user, pass
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
