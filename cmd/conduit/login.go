package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a gateway token in ~/.conduit/session.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		if err := app.session.SetToken(args[0], 0); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		fmt.Println("Signed in.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored gateway token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		if err := app.session.SetToken("", 0); err != nil {
			return fmt.Errorf("failed to clear token: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
