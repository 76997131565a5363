// ccctl は capital-call API を操作するコマンドラインツール
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ALE-backend/internal/capitalcall"
	"ALE-backend/internal/client"
)

var (
	flagServer   string
	flagInsecure bool
	flagJSON     bool
	flagVerbose  bool

	cfg cliConfig
	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:           "ccctl",
	Short:         "Operate capital calls from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if flagServer != "" {
			cfg.Server = flagServer
		}
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "API base URL (default from ~/.ccctl/config.json)")
	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "skip TLS certificate verification (dev certificates)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "items", Title: "Capital calls:"},
		&cobra.Group{ID: "workflow", Title: "Workflow:"},
	)
}

func newClient() *client.Client {
	hc := &http.Client{Timeout: client.DefaultTimeout}
	if flagInsecure {
		hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // 開発用証明書向け
	}
	return client.New(cfg.Server, client.WithHTTPClient(hc), client.WithToken(cfg.Token))
}

func newSession(pageSize int) *client.Session {
	return client.NewSession(newClient(), cfg.User, pageSize, slog.Default())
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode はエラーコードごとに終了コードを分ける（スクリプトから判定できるように）
func exitCode(err error) int {
	switch capitalcall.CodeOf(err) {
	case capitalcall.CodeAlreadyLocked, capitalcall.CodeNotLockHolder:
		return 3
	case capitalcall.CodeStaleVersion:
		return 4
	case capitalcall.CodeNetworkFailure:
		return 5
	}
	return 1
}

func describe(err error) string {
	var api *capitalcall.APIError
	if !errors.As(err, &api) {
		return err.Error()
	}
	if api.Code == capitalcall.CodeAlreadyLocked && api.Holder != "" && api.Since != nil {
		return fmt.Sprintf("%s: locked by %s since %s", api.Code, api.Holder, api.Since.Local().Format("2006-01-02 15:04"))
	}
	return api.Error()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		stop()
		os.Exit(exitCode(err))
	}
}
