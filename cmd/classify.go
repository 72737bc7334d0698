package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/browser"
	"github.com/xkilldash9x/subsentry/internal/classifier"
	"github.com/xkilldash9x/subsentry/internal/dates"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

// classifyReport is the output of the classify command.
type classifyReport struct {
	State        schemas.SubscriptionState `json:"state"`
	Provisional  bool                      `json:"provisional,omitempty"`
	Rule         string                    `json:"rule"`
	Evidence     string                    `json:"evidence,omitempty"`
	Locale       string                    `json:"locale"`
	LocaleSource string                    `json:"locale_source"`
	Dates        []schemas.CandidateDate   `json:"dates,omitempty"`
	Controls     []string                  `json:"controls,omitempty"`
}

// newClassifyCmd creates the `classify` command, which runs the classifier
// over a saved page without a browser.
func newClassifyCmd(c *cli) *cobra.Command {
	var htmlPath, localeCode, pageURL string

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a saved membership page offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(htmlPath)
			if err != nil {
				return fmt.Errorf("failed to open page: %w", err)
			}
			defer f.Close()

			snap, err := browser.ParseHTML(f, pageURL)
			if err != nil {
				return err
			}

			registry, err := locale.Load(c.cfg.Locale.TablesPath, c.cfg.Locale.Default)
			if err != nil {
				return err
			}

			report := classifyReport{}
			var table *locale.Table
			if localeCode != "" {
				t, ok := registry.Get(localeCode)
				if !ok {
					return fmt.Errorf("no locale table for %q (have %v)", localeCode, registry.Codes())
				}
				table, report.LocaleSource = t, "flag"
			} else {
				d := registry.Detect(snap.Lang, snap.Text)
				table, report.LocaleSource = d.Table, string(d.Source)
			}

			resolver := dates.NewResolver(dates.WithYearWindow(c.cfg.Dates.MinYear, c.cfg.Dates.MaxYear))
			result := classifier.New(resolver).ClassifySnapshot(snap, table)

			report.State = result.State
			report.Provisional = result.Provisional
			report.Rule = result.Rule.String()
			report.Evidence = result.Evidence
			report.Locale = table.Code
			report.Dates = result.Dates
			for _, ctl := range snap.VisibleControls() {
				report.Controls = append(report.Controls, ctl.Text)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&htmlPath, "html", "", "saved HTML of the membership page")
	cmd.Flags().StringVar(&localeCode, "locale", "", "locale table to use (detected when empty)")
	cmd.Flags().StringVar(&pageURL, "url", "", "URL the page was saved from")
	_ = cmd.MarkFlagRequired("html")
	return cmd
}
