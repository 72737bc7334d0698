package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/engine"
	"github.com/xkilldash9x/subsentry/internal/observability"
	"github.com/xkilldash9x/subsentry/internal/store"
)

// newBatchCmd creates the `batch` command: one action over many accounts.
func newBatchCmd(c *cli) *cobra.Command {
	var action string
	var only []string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run one action for every account in the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := schemas.ParseAction(action)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := newFactory().Create(ctx, c.cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			accounts, err := components.Directory.ListAccounts(ctx)
			if err != nil {
				return err
			}
			accounts = selectAccounts(accounts, only)
			if len(accounts) == 0 {
				return fmt.Errorf("no accounts selected")
			}

			var sink engine.ResultSink = store.NewJSONSink(cmd.OutOrStdout())
			if components.Store != nil {
				sink = components.Store
			}

			eng, err := engine.New(c.cfg.Engine, components.Supervisor, sink, logger)
			if err != nil {
				return err
			}
			summary, runErr := eng.Run(ctx, accounts, engine.Options{
				Action: act,
				Lookup: components.Directory,
				Debug:  c.cfg.Workflow.Debug,
			})
			if summary != nil {
				printSummary(cmd, summary)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "action to perform: pause or resume")
	cmd.Flags().StringSliceVar(&only, "accounts", nil, "restrict the batch to these account IDs")
	cmd.Flags().Int("concurrency", 3, "maximum number of concurrent browsers")
	cmd.Flags().String("accounts-file", "", "YAML account directory used without a database")
	cmd.Flags().Duration("workflow-timeout", 5*time.Minute, "hard time limit per run")
	cmd.Flags().Bool("debug", false, "capture a screenshot at every step")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func selectAccounts(all []schemas.Account, only []string) []schemas.Account {
	if len(only) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(only))
	for _, id := range only {
		want[id] = struct{}{}
	}
	var out []schemas.Account
	for _, a := range all {
		if _, ok := want[a.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}

func printSummary(cmd *cobra.Command, s *engine.Summary) {
	w := cmd.ErrOrStderr()
	total := len(s.Results)
	fmt.Fprintf(w, "\nBatch complete: %d/%d succeeded", s.Succeeded, total)
	if s.NotStarted > 0 {
		fmt.Fprintf(w, ", %d not started", s.NotStarted)
	}
	if s.PersistErrors > 0 {
		fmt.Fprintf(w, ", %d results not persisted", s.PersistErrors)
	}
	fmt.Fprintln(w)

	outcomes := make([]string, 0, len(s.Outcomes))
	for o := range s.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-16s %d\n", o, s.Outcomes[schemas.Outcome(o)])
	}
}
