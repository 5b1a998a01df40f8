package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/secmon/internal/rules"
)

func newRulesCmd(load configLoader) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the active rule set",
		Long:  "Print the built-in threat rules followed by any rules loaded from configured files.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			active, err := loadRules(cfg.Rules.Files)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				type view struct {
					Name        string `json:"name"`
					Trigger     string `json:"trigger"`
					Window      string `json:"window,omitempty"`
					Threshold   int    `json:"threshold,omitempty"`
					Severity    string `json:"severity"`
					Action      string `json:"action"`
					Description string `json:"description"`
				}
				views := make([]view, 0, len(active))
				for _, r := range active {
					v := view{
						Name:        r.Name,
						Trigger:     string(r.Trigger),
						Threshold:   r.Threshold,
						Severity:    string(r.Severity),
						Action:      string(r.Action),
						Description: r.Description,
					}
					if r.Window > 0 {
						v.Window = r.Window.String()
					}
					views = append(views, v)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRIGGER\tTHRESHOLD\tWINDOW\tSEVERITY\tACTION")
			for _, r := range active {
				window := "-"
				if r.Window > 0 {
					window = r.Window.String()
				}
				threshold := "-"
				if r.Threshold > 0 {
					threshold = fmt.Sprint(r.Threshold)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Name, r.Trigger, threshold, window, r.Severity, r.Action)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rules as JSON")
	return cmd
}

// loadRules returns the built-in rules followed by rules from files.
func loadRules(files []string) ([]rules.Rule, error) {
	active := rules.BuiltinRules()
	for _, f := range files {
		extra, err := rules.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules from %s: %w", f, err)
		}
		active = append(active, extra...)
	}
	return active, nil
}
