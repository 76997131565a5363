package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ALE-backend/internal/capitalcall"
	"ALE-backend/internal/client"
)

var (
	flowVersion int64
	rejectWhy   string

	countsQueue string
	countsWatch time.Duration

	exportOut      string
	exportStatus   string
	exportQueue    string
	exportClient   string
	exportSort     string
	exportSortDesc bool
)

func transitionCmd(use, short string, run func(cmd *cobra.Command, s *client.Session, id int64) (*capitalcall.CapitalCall, error)) *cobra.Command {
	c := &cobra.Command{
		Use:     use + " <id>",
		GroupID: "workflow",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cc, err := run(cmd, newSession(0), id)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cc)
			}
			fmt.Fprintf(out, "%d: %s (version %d)\n", cc.ID, cc.WorkflowStatus, cc.Version)
			return nil
		},
	}
	c.Flags().Int64Var(&flowVersion, "version", 0, "version the change is based on")
	_ = c.MarkFlagRequired("version")
	return c
}

var submitCmd = transitionCmd("submit", "Submit a draft or rejected capital call for approval",
	func(cmd *cobra.Command, s *client.Session, id int64) (*capitalcall.CapitalCall, error) {
		return s.Submit(cmd.Context(), id, flowVersion)
	})

var approveCmd = transitionCmd("approve", "Approve a submitted capital call",
	func(cmd *cobra.Command, s *client.Session, id int64) (*capitalcall.CapitalCall, error) {
		return s.Approve(cmd.Context(), id, flowVersion)
	})

var rejectCmd = transitionCmd("reject", "Reject a submitted capital call",
	func(cmd *cobra.Command, s *client.Session, id int64) (*capitalcall.CapitalCall, error) {
		return s.Reject(cmd.Context(), id, flowVersion, rejectWhy)
	})

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show tab counts per category",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := capitalcall.Queue(strings.ToUpper(countsQueue))
		if countsWatch <= 0 {
			m, err := newClient().Counts(cmd.Context(), q)
			if err != nil {
				return err
			}
			printCounts(m)
			return nil
		}

		p := client.NewCountPoller(newClient(), q, countsWatch, nil)
		p.OnUpdate(func(m map[capitalcall.Category]int64) {
			fmt.Fprintf(out, "--- %s\n", time.Now().Format("15:04:05"))
			printCounts(m)
		})
		err := p.Run(cmd.Context())
		if cmd.Context().Err() != nil {
			return nil
		}
		return err
	},
}

func printCounts(m map[capitalcall.Category]int64) {
	if flagJSON {
		_ = printJSON(m)
		return
	}
	for _, c := range capitalcall.Categories() {
		fmt.Fprintf(out, "%-38s %d\n", c, m[c])
	}
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "items",
	Short:   "Export matching capital calls to an xlsx file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := capitalcall.SortAsc
		if exportSortDesc {
			dir = capitalcall.SortDesc
		}
		req := capitalcall.ExportRequest{
			Filters: capitalcall.SearchFilters{
				ClientName:     exportClient,
				WorkflowStatus: capitalcall.WorkflowStatus(strings.ToUpper(exportStatus)),
				Queue:          capitalcall.Queue(strings.ToUpper(exportQueue)),
			},
			SortField:     exportSort,
			SortDirection: dir,
		}

		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		n, err := newClient().Export(cmd.Context(), req, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(exportOut)
			return err
		}
		fmt.Fprintf(out, "wrote %d rows to %s\n", n, exportOut)
		return nil
	},
}

func init() {
	rejectCmd.Flags().StringVar(&rejectWhy, "reason", "", "reason shown to the submitter")
	_ = rejectCmd.MarkFlagRequired("reason")

	countsCmd.Flags().StringVar(&countsQueue, "queue", "", "restrict to one queue")
	countsCmd.Flags().DurationVar(&countsWatch, "watch", 0, "poll at this interval until interrupted (e.g. 30s)")

	f := exportCmd.Flags()
	f.StringVarP(&exportOut, "out", "o", "capital-calls.xlsx", "output file")
	f.StringVar(&exportStatus, "status", "", "workflow status")
	f.StringVar(&exportQueue, "queue", "", "queue")
	f.StringVar(&exportClient, "client", "", "client name contains")
	f.StringVar(&exportSort, "sort", capitalcall.DefaultSort, "sort field")
	f.BoolVar(&exportSortDesc, "desc", false, "sort descending")

	rootCmd.AddCommand(submitCmd, approveCmd, rejectCmd, countsCmd, exportCmd)
}
