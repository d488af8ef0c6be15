// Command csvupload sends a CSV file to csvapi through one of its three entry
// points and prints the response.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/prompted/csvrelay/internal/config"
	"github.com/prompted/csvrelay/internal/httpx"
	"github.com/prompted/csvrelay/internal/logging"
	"github.com/prompted/csvrelay/internal/uploader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		mode    string
		owner   string
		apiURL  string
		retries int
	)

	cmd := &cobra.Command{
		Use:           "csvupload <file.csv>",
		Short:         "Upload a CSV file to csvapi",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadUpload()
			if err != nil {
				return err
			}
			_, syncLogs, err := logging.New("csvupload", cfg.SlogLevel())
			if err != nil {
				return err
			}
			defer syncLogs()

			m, err := uploader.ParseMode(mode)
			if err != nil {
				return err
			}
			if owner == "" {
				return errors.New("--owner is required")
			}
			if apiURL == "" {
				apiURL = cfg.APIBaseURL
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read file")
			}

			client := uploader.New(httpx.NewClient(cfg.Timeout, retries), apiURL, cfg.OwnerHeader)
			res, err := client.Send(cmd.Context(), m, owner, args[0], content)
			if err != nil {
				return err
			}

			printJSON(cmd.OutOrStdout(), res.Body)
			if !res.OK() {
				return errors.Errorf("upload failed with status %d", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(uploader.ModeUpload), "entry point: upload, queue1 or queue2")
	cmd.Flags().StringVarP(&owner, "owner", "o", os.Getenv("CSV_OWNER"), "owner id sent in the identity header")
	cmd.Flags().StringVar(&apiURL, "api", "", "API base URL (default $API_BASE_URL)")
	cmd.Flags().IntVar(&retries, "retries", 2, "retries on 429, 5xx and network errors")
	return cmd
}

func printJSON(w io.Writer, raw []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, out.String())
}
