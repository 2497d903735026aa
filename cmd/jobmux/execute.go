package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobmux/pkg/client"
)

func newExecuteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <text>...",
		Short: "Run one string job and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			comp, err := a.jobCompression()
			if err != nil {
				return err
			}
			s, done, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer done()
			v, err := s.Execute(ctx, strings.Join(args, " "), comp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
			return nil
		},
	}
}

func newSubmitCmd(a *app) *cobra.Command {
	window := 16
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit every stdin line as a string job and print results as they arrive",
		Long: `Submit reads jobs line by line from stdin and keeps at most --window of
them in flight. Each result is printed as "<job id>\t<value>" in arrival order;
failed jobs are reported on stderr and do not stop the batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if window < 1 {
				return fmt.Errorf("--window must be at least 1")
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			comp, err := a.jobCompression()
			if err != nil {
				return err
			}
			s, done, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer done()

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			failed := 0
			yield := func() error {
				r, err := s.Yield(ctx, "")
				if err != nil && r.ID == "" {
					return err
				}
				if err != nil {
					failed++
					fmt.Fprintf(errOut, "%s\terror: %v\n", r.ID, err)
					return nil
				}
				fmt.Fprintf(out, "%s\t%s\n", r.ID, formatValue(r.Value))
				return nil
			}

			sc := bufio.NewScanner(cmd.InOrStdin())
			submitted := 0
			for sc.Scan() {
				line := sc.Text()
				if strings.TrimSpace(line) == "" {
					continue
				}
				if len(s.Pending())+len(s.Buffered()) >= window {
					if err := yield(); err != nil {
						return err
					}
				}
				if _, err := s.Submit(ctx, line, comp); err != nil {
					return err
				}
				submitted++
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read jobs: %w", err)
			}
			for {
				err := yield()
				if errors.Is(err, client.ErrNothingPending) {
					break
				}
				if err != nil {
					return err
				}
			}
			zap.L().Info("batch done", zap.Int("jobs", submitted), zap.Int("failed", failed))
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, submitted)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", window, "maximum jobs in flight")
	return cmd
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

