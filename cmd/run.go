package cmd

import (
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/observability"
	"github.com/xkilldash9x/subsentry/internal/service"
	"github.com/xkilldash9x/subsentry/internal/supervisor"
)

// newFactory is replaced in tests.
var newFactory = service.NewFactory

// newRunCmd creates the `run` command: one workflow for one account.
func newRunCmd(c *cli) *cobra.Command {
	var accountID, action string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pause or resume the subscription of one account",
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

			account, err := components.Directory.FindAccount(ctx, accountID)
			if err != nil {
				return err
			}

			res := components.Supervisor.Run(ctx, supervisor.Request{
				Account: *account,
				Action:  act,
				Lookup:  components.Directory,
				Debug:   c.cfg.Workflow.Debug,
			})

			if components.Store != nil {
				if err := components.Store.WriteStatus(ctx, res); err != nil {
					logger.Error("Failed to persist run result", zap.Error(err))
				}
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if !res.Success {
				return fmt.Errorf("run %s finished with outcome %s", res.RunID, res.Outcome)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account ID from the account directory")
	cmd.Flags().StringVar(&action, "action", "", "action to perform: pause or resume")
	cmd.Flags().Duration("workflow-timeout", 5*time.Minute, "hard time limit for the run")
	cmd.Flags().Bool("debug", false, "capture a screenshot at every step")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
