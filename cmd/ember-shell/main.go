// Command ember-shell replays SQL against a fixture-backed session, through
// the same client layer real applications use. It is a debugging tool for
// the driver itself: escape translation, statement lifecycle and error
// reporting behave exactly as they do in production, only the engine is a
// scripted fake.
//
//	ember-shell --fixture users.yaml < session.sql
package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/emberdb/ember/client"
	"github.com/emberdb/ember/enginetest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		fixture string
		echo    bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "ember-shell",
		Short: "replay SQL against a fixture-backed Ember session",
		Long: "ember-shell reads SQL statements from stdin, one per line, runs them\n" +
			"through the Ember client layer against a session scripted from a YAML\n" +
			"fixture, and prints result tables and update counts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []enginetest.Option{}
			if verbose {
				opts = append(opts, enginetest.WithLogger(slog.New(
					slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))))
			}
			sess, err := enginetest.LoadFixture(fixture, opts...)
			if err != nil {
				return fmt.Errorf("load fixture: %w", err)
			}
			return run(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), sess, echo)
		},
	}
	cmd.Flags().StringVarP(&fixture, "fixture", "f", "", "YAML fixture scripting the session (required)")
	cmd.Flags().BoolVar(&echo, "echo", false, "echo each statement before its result")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log driver activity to stderr")
	cmd.MarkFlagRequired("fixture")
	return cmd
}

func run(in io.Reader, out, errOut io.Writer, sess *enginetest.Session, echo bool) error {
	conn := client.Open(sess)
	defer conn.Close()

	errColor := color.New(color.FgRed, color.Bold)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		sql := strings.TrimSpace(scanner.Text())
		if sql == "" || strings.HasPrefix(sql, "--") {
			continue
		}
		if echo {
			fmt.Fprintln(out, "> "+sql)
		}
		if err := runStatement(out, conn, sql); err != nil {
			errColor.Fprintln(errOut, "error: "+err.Error())
		}
	}
	return scanner.Err()
}

func runStatement(out io.Writer, conn *client.Conn, sql string) error {
	stmt, err := conn.Prepare(sql, client.WithGeneratedKeys(true))
	if err != nil {
		return err
	}
	defer stmt.Close()
	isQuery, err := stmt.Execute()
	if err != nil {
		return err
	}
	if isQuery {
		return printRows(out, stmt.Result())
	}
	fmt.Fprintf(out, "update count: %d\n", stmt.LargeUpdateCount())
	keys, err := stmt.GeneratedKeys()
	if err != nil {
		return err
	}
	if len(keys.Columns()) > 0 {
		fmt.Fprintln(out, "generated keys:")
		return printRows(out, keys)
	}
	return nil
}

func printRows(out io.Writer, rows *client.Rows) error {
	defer rows.Close()
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	header := color.New(color.Bold)
	header.Fprintln(w, strings.Join(rows.Columns(), "\t"))
	count := 0
	for rows.Next() {
		cells := make([]string, 0, len(rows.Columns()))
		for _, v := range rows.Row() {
			cells = append(cells, formatValue(v))
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
		count++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "(%d rows)\n", count)
	return nil
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}
