package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/workspace/livesync/internal/persistence"
)

func newEndpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Manage saved channel endpoints",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved endpoints as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(func(store *persistence.Store) error {
					endpoints, err := store.ListEndpoints()
					if err != nil {
						return err
					}
					if endpoints == nil {
						endpoints = []persistence.Endpoint{}
					}
					return writeJSON(cmd, endpoints)
				})
			},
		},
		&cobra.Command{
			Use:     "add <channel> <url>",
			Short:   "Save the URL a channel connects to",
			Example: "  livesync endpoints add overview ws://localhost:8000/ws/overview",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := validateSocketURL(args[1]); err != nil {
					return err
				}
				return a.withStore(func(store *persistence.Store) error {
					if err := store.SaveEndpoint(args[0], args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %s -> %s\n", args[0], args[1])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <channel>",
			Short: "Forget a channel's saved URL",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(store *persistence.Store) error {
					if err := store.DeleteEndpoint(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withStore(fn func(*persistence.Store) error) error {
	store, err := a.requireStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func validateSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}
