package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-watch/internal/archive"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

const titleWidth = 48

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON   bool
		archived bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tracked sessions",
		Long: `List the sessions the running tracker knows about, most urgent first.

Examples:
  agent-watch list
  agent-watch list --json
  agent-watch list --archived --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := clientFor(g)
			out := cmd.OutOrStdout()
			if archived {
				entries, err := c.archived(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSONOut(out, entries)
				}
				renderArchive(out, entries)
				return nil
			}

			sessions, err := c.sessions(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(out, sessions)
			}
			renderList(out, sessions, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&archived, "archived", false, "list ended sessions from the archive")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum archived sessions to show")
	return cmd
}

func newFocusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "focus <session>",
		Short: "Bring a session's terminal or IDE to the front",
		Long: `Focus the tmux pane or application hosting a session.

The session may be named by id, id prefix or a fuzzy match on its title
or project.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(g)
			sess, err := findSession(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			ok, err := c.action(cmd.Context(), sess.ID, "focus", nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("could not focus %s", displayTitle(sess))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Focused %s\n", displayTitle(sess))
			return nil
		},
	}
}

func newTerminateCmd(g *globalFlags) *cobra.Command {
	var (
		signal string
		force  bool
	)
	cmd := &cobra.Command{
		Use:     "terminate <session>",
		Aliases: []string{"kill"},
		Short:   "Signal a session's agent process",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				signal = "KILL"
			}
			c := clientFor(g)
			sess, err := findSession(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			ok, err := c.action(cmd.Context(), sess.ID, "terminate", map[string]string{"signal": signal})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("could not signal %s (no live process)", displayTitle(sess))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIG%s to %s\n", strings.ToUpper(signal), displayTitle(sess))
			return nil
		},
	}
	cmd.Flags().StringVar(&signal, "signal", "TERM", "signal to send (TERM, INT, HUP, KILL)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "send SIGKILL")
	return cmd
}

func findSession(ctx context.Context, c *apiClient, query string) (tracker.Session, error) {
	sessions, err := c.sessions(ctx)
	if err != nil {
		return tracker.Session{}, err
	}
	return matchSession(sessions, query)
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// phaseRank orders the list: sessions needing the user first.
var phaseRank = map[tracker.Phase]int{
	tracker.PhaseWaitingForApproval: 0,
	tracker.PhaseWaitingForInput:    1,
	tracker.PhaseProcessing:         2,
	tracker.PhaseCompacting:         3,
	tracker.PhaseIdle:               4,
	tracker.PhaseEnded:              5,
}

func sortForDisplay(sessions []tracker.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		ri, rj := phaseRank[sessions[i].Phase], phaseRank[sessions[j].Phase]
		if ri != rj {
			return ri < rj
		}
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
}

func displayTitle(s tracker.Session) string {
	if s.Title != "" {
		return s.Title
	}
	return s.ID
}

// cell pads or truncates s to exactly width terminal columns.
func cell(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.FillRight(runewidth.Truncate(s, width, "…"), width)
}

func renderList(w io.Writer, sessions []tracker.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No active sessions."))
		return
	}
	sorted := append([]tracker.Session(nil), sessions...)
	sortForDisplay(sorted)

	fmt.Fprintln(w, headerStyle.Render(cell("PHASE", 11)+" "+cell("AGENT", 7)+" "+cell("SESSION", titleWidth)+" "+cell("WHERE", 6)+" ACTIVE"))
	for _, s := range sorted {
		where := "-"
		if s.InTmux {
			where = "tmux"
		} else if s.TTY != "" {
			where = "tty"
		}
		// Pad before styling so escape codes do not skew the columns.
		label, ok := phaseLabels[s.Phase]
		if !ok {
			label = string(s.Phase)
		}
		phase := strings.Replace(cell(label, 11), label, renderPhase(s.Phase), 1)
		fmt.Fprintf(w, "%s %s %s %s %s\n",
			phase,
			cell(s.Agent, 7),
			cell(displayTitle(s), titleWidth),
			cell(where, 6),
			dimStyle.Render(humanize.RelTime(s.LastActivity, now, "ago", "from now")))
		if s.ActivePermission != nil && s.ActivePermission.ToolName != "" {
			fmt.Fprintf(w, "%s %s\n", strings.Repeat(" ", 11), dimStyle.Render("needs approval: "+s.ActivePermission.ToolName))
		}
	}
}

func renderArchive(w io.Writer, entries []archive.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No archived sessions."))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(cell("ENDED", 17)+" "+cell("AGENT", 7)+" "+cell("SESSION", titleWidth)+" DURATION"))
	for _, e := range entries {
		title := e.Title
		if title == "" {
			title = e.ID
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			cell(e.EndedAt.Local().Format("2006-01-02 15:04"), 17),
			cell(e.Agent, 7),
			cell(title, titleWidth),
			e.Duration().Round(time.Second))
	}
}
