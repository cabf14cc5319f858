package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// errRejected is returned by scan when the guard rejects the input.
var errRejected = errors.New("input rejected")

// Exit codes: 0 accepted, 1 rejected, 2 any other error.
func exitCode(err error) int {
	if errors.Is(err, errRejected) {
		return 1
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 2
}

func newScanCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "scan [text]",
		Short: "Screen one query and print the decision as JSON",
		Long: `Screen one query through redaction and risk scoring and print the
decision as JSON. The query is taken from the arguments, from --file, or
from stdin, in that order.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}

			sess, err := rt.orch.Screen(cmd.Context(), text)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sess.Decision()); err != nil {
				return err
			}
			if !sess.Decision().Accepted() {
				return errRejected
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the query from this file")
	return cmd
}

func readQuery(stdin io.Reader, file string, args []string) (string, error) {
	switch {
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read query: %w", err)
		}
		return string(b), nil
	default:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read query: %w", err)
		}
		return string(b), nil
	}
}
