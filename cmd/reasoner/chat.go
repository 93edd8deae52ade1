package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/team"
	"github.com/mohammad-safakhou/reasoner/internal/vis"
	"github.com/spf13/cobra"
)

func chatCMD(cfgPath *string) *cobra.Command {
	var agent, session string
	var round int
	var follow bool

	chat := &cobra.Command{
		Use:   "chat [query]",
		Short: "Run one conversation round in-process and print its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cfg, "CHAT")
			if err != nil {
				return err
			}
			defer a.close()

			convID, err := a.team.Start(ctx, team.Request{
				Query:     strings.Join(args, " "),
				Agent:     agent,
				SessionID: session,
				Round:     round,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", convID)
			snapshots, err := a.memory.ChatMessages(ctx, convID)
			if err != nil {
				return err
			}
			var last string
			for snap := range snapshots {
				last = snap
				if follow {
					if err := printSnapshot(cmd.OutOrStdout(), snap, true); err != nil {
						return err
					}
				}
			}
			if last == "" {
				return fmt.Errorf("conversation %s produced no output", convID)
			}
			if follow {
				return nil
			}
			return printSnapshot(cmd.OutOrStdout(), last, false)
		},
	}
	chat.Flags().StringVar(&agent, "agent", "", "agent receiving the query (default: team entry)")
	chat.Flags().StringVar(&session, "session", "", "continue an existing session")
	chat.Flags().IntVar(&round, "round", 1, "conversation round within the session")
	chat.Flags().BoolVarP(&follow, "follow", "f", true, "print the newest entry of every snapshot as it arrives")
	return chat
}

// printSnapshot writes the entries of one snapshot; latest limits the output
// to the most recent entry.
func printSnapshot(w io.Writer, snapshot string, latest bool) error {
	var entries []vis.Entry
	if err := json.Unmarshal([]byte(snapshot), &entries); err != nil {
		_, werr := fmt.Fprintln(w, snapshot)
		return werr
	}
	if latest && len(entries) > 0 {
		entries = entries[len(entries)-1:]
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "## %s -> %s\n%s\n\n", e.Sender, e.Receiver, e.Markdown); err != nil {
			return err
		}
	}
	return nil
}
