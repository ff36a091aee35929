package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-codex/codex"
	"github.com/zhubert/plural-codex/manager"
)

func newThreadsCmd(a *app) *cobra.Command {
	var (
		limit  int
		cursor string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List stored threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(_ *manager.SessionManager, s *codex.Session) error {
				var threads []codex.Thread
				next := cursor
				for {
					page, err := s.ThreadList(ctx, codex.ThreadListParams{Cursor: next, Limit: limit})
					if err != nil {
						return err
					}
					threads = append(threads, page.Data...)
					next = page.NextCursor
					if !all || next == "" {
						break
					}
				}

				writeThreads(a.out, threads)
				if next != "" {
					dimColor.Fprintf(a.out, "more: --cursor %s\n", next)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "threads per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume listing from a previous cursor")
	cmd.Flags().BoolVar(&all, "all", false, "follow cursors until every thread is listed")
	return cmd
}

func writeThreads(out io.Writer, threads []codex.Thread) {
	if len(threads) == 0 {
		dimColor.Fprintln(out, "no threads")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tPREVIEW")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, formatCreated(t.CreatedAt), preview(t.Preview, 60))
	}
	w.Flush()
}

func formatCreated(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Local().Format("2006-01-02 15:04")
}

// preview flattens s to one line of at most limit runes.
func preview(s string, limit int) string {
	runes := []rune(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, s))
	if len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return string(runes)
}
