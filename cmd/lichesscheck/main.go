package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/Cheese-lichess-bot/internal/lichess"
	"github.com/park285/Cheese-lichess-bot/internal/statebus"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lichesscheck",
		Short:         "Connectivity checks for the lichess bot",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(accountCmd(), eventsCmd(), stateCmd())
	return root
}

func newClient(timeout time.Duration) (*lichess.Client, error) {
	token := os.Getenv("LICHESS_TOKEN")
	if token == "" {
		return nil, errors.New("LICHESS_TOKEN is required")
	}
	return lichess.NewClient(os.Getenv("LICHESS_BASE_URL"), token, lichess.WithTimeout(timeout)), nil
}

func accountCmd() *cobra.Command {
	var perf string
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Fetch the bot account and its rating",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(8 * time.Second)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			acc, err := client.Account(ctx)
			if err != nil {
				return fmt.Errorf("/api/account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account ok: id=%s username=%s %s=%d\n", acc.ID, acc.Username, perf, acc.Rating(perf))
			return nil
		},
	}
	cmd.Flags().StringVar(&perf, "perf", "blitz", "rating category to print")
	return cmd
}

func eventsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Observe the account event stream for a short window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(8 * time.Second)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, window)
			defer cancel()

			stream, err := client.StreamEvents(ctx)
			if err != nil {
				return fmt.Errorf("event stream: %w", err)
			}
			defer stream.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "event stream open; watching for %s\n", window)

			for {
				var ev lichess.Event
				err := stream.Next(&ev)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "event type=%s game=%s\n", ev.Type, ev.Game.Key())
				case errors.Is(err, io.EOF), ctx.Err() != nil:
					return nil
				default:
					return err
				}
			}
		},
	}
	cmd.Flags().DurationVar(&window, "window", 10*time.Second, "how long to observe")
	return cmd
}

func stateCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the latest bot state mirrored in Redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus, err := statebus.New(os.Getenv("REDIS_URL"), nil)
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			latest, err := bus.Latest(ctx)
			if err != nil {
				return err
			}
			if latest == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no state stored")
			} else if err := enc.Encode(latest); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			w, err := bus.Watch(ctx)
			if err != nil {
				return err
			}
			defer w.Close()
			for {
				s, err := w.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := enc.Encode(s); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new states")
	return cmd
}
