package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ALE-backend/internal/capitalcall"
)

var (
	loginUser     string
	loginPassword string

	searchClient   string
	searchBatch    string
	searchStatus   string
	searchQueue    string
	searchCurrency string
	searchLockedBy string
	searchPage     int
	searchPageSize int
	searchSort     string
	searchDesc     bool

	commentText string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUser == "" {
			return errors.New("--user is required")
		}
		pw := loginPassword
		if pw == "" {
			pw = os.Getenv("ALE_PASSWORD")
		}
		if pw == "" {
			fmt.Fprint(os.Stderr, "password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return err
			}
			pw = strings.TrimSpace(line)
		}

		tok, err := newClient().Login(cmd.Context(), loginUser, pw)
		if err != nil {
			return err
		}
		cfg.User, cfg.Token = loginUser, tok
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(out, "logged in as %s\n", loginUser)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:     "search",
	GroupID: "items",
	Short:   "Search capital calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(searchPageSize)
		s.SetFilters(capitalcall.SearchFilters{
			ClientName:     searchClient,
			AleBatchID:     searchBatch,
			WorkflowStatus: capitalcall.WorkflowStatus(strings.ToUpper(searchStatus)),
			Queue:          capitalcall.Queue(strings.ToUpper(searchQueue)),
			Currency:       searchCurrency,
			LockedBy:       searchLockedBy,
		})
		dir := capitalcall.SortAsc
		if searchDesc {
			dir = capitalcall.SortDesc
		}
		s.SetSort(searchSort, dir)
		s.SetPage(searchPage)

		page, err := s.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(page)
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tBATCH\tCLIENT\tAMOUNT\tSTATUS\tQUEUE\tLOCKED BY\tVER")
		for _, cc := range page.Items() {
			holder := "-"
			if cc.LockedBy != nil {
				holder = *cc.LockedBy
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s %s\t%s\t%s\t%s\t%d\n",
				cc.ID, cc.AleBatchID, cc.ClientName, cc.TotalAmount.StringFixed(2), cc.Currency,
				cc.WorkflowStatus, cc.Queue, holder, cc.Version)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "page %d/%d (%d items)\n", page.CurrentPage()+1, page.TotalPages(), page.TotalElements())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "items",
	Short:   "Show a capital call with breakdowns, comments and audit trail",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		d, err := newClient().Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var lockStatusCmd = &cobra.Command{
	Use:     "lock-status <id>",
	GroupID: "items",
	Short:   "Show who holds the lock on a capital call",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st, err := newSession(0).LockState(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printLockState(id, st)
	},
}

var lockCmd = &cobra.Command{
	Use:     "lock <id>",
	GroupID: "items",
	Short:   "Acquire the edit lock",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st, err := newSession(0).AcquireLock(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printLockState(id, st)
	},
}

var unlockCmd = &cobra.Command{
	Use:     "unlock <id>",
	GroupID: "items",
	Short:   "Release a lock you hold",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := newSession(0).ReleaseLock(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d: unlocked\n", id)
		return nil
	},
}

var forceUnlockCmd = &cobra.Command{
	Use:     "force-unlock <id>",
	GroupID: "items",
	Short:   "Remove someone else's lock (administrators)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := newSession(0).ForceUnlock(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d: lock removed\n", id)
		return nil
	},
}

var commentCmd = &cobra.Command{
	Use:     "comment <id>",
	GroupID: "items",
	Short:   "Add a comment",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient().AddComment(cmd.Context(), id, commentText)
		if err != nil {
			return err
		}
		return printJSON(c)
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printLockState(id int64, st capitalcall.LockState) error {
	if flagJSON {
		return printJSON(map[string]any{"itemId": id, "state": st.Kind(), "detail": st})
	}
	switch v := st.(type) {
	case capitalcall.LockedBySelf:
		fmt.Fprintf(out, "%d: locked by you since %s\n", id, v.Since.Local().Format("2006-01-02 15:04"))
	case capitalcall.LockedByOther:
		fmt.Fprintf(out, "%d: locked by %s since %s\n", id, v.Holder, v.Since.Local().Format("2006-01-02 15:04"))
	default:
		fmt.Fprintf(out, "%d: unlocked\n", id)
	}
	return nil
}

func init() {
	loginCmd.Flags().StringVarP(&loginUser, "user", "u", "", "account id")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (or ALE_PASSWORD, or prompt)")

	f := searchCmd.Flags()
	f.StringVar(&searchClient, "client", "", "client name contains")
	f.StringVar(&searchBatch, "batch", "", "ALE batch id contains")
	f.StringVar(&searchStatus, "status", "", "workflow status")
	f.StringVar(&searchQueue, "queue", "", "queue")
	f.StringVar(&searchCurrency, "currency", "", "ISO currency code")
	f.StringVar(&searchLockedBy, "locked-by", "", "lock holder")
	f.IntVar(&searchPage, "page", 0, "page number (0-based)")
	f.IntVar(&searchPageSize, "page-size", capitalcall.DefaultPageSize, "items per page")
	f.StringVar(&searchSort, "sort", capitalcall.DefaultSort, "sort field: "+strings.Join(capitalcall.SortFields(), ", "))
	f.BoolVar(&searchDesc, "desc", false, "sort descending")

	commentCmd.Flags().StringVar(&commentText, "text", "", "comment text")
	_ = commentCmd.MarkFlagRequired("text")

	rootCmd.AddCommand(loginCmd, searchCmd, showCmd, lockStatusCmd, lockCmd, unlockCmd, forceUnlockCmd, commentCmd)
}
