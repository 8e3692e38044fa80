package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"appfirewall/pkg/config"
	"appfirewall/pkg/database"
	"appfirewall/pkg/firewall"
)

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "policyctl",
		Short:        "Manage application firewall policies and inspect connection logs",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print JSON instead of tables")
	root.SetOut(c.out)

	root.AddCommand(newPolicyCmd(c), newLogsCmd(c), newProcessesCmd(c), newAnomaliesCmd(c), newDBCmd(c))
	return root
}

func newPolicyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Create and inspect per-application policies",
	}

	var (
		domains, ips, protocols []string
		inactive                bool
	)
	set := &cobra.Command{
		Use:   "set APP",
		Short: "Store a new policy for APP; an active policy replaces the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			p, err := s.orch.CreateOrUpdatePolicy(cmd.Context(), args[0], domains, ips, protocols, !inactive)
			if err != nil {
				return err
			}
			return c.printPolicies([]firewall.Policy{p})
		},
	}
	set.Flags().StringSliceVar(&domains, "domain", nil, "allowed domain (repeatable or comma separated)")
	set.Flags().StringSliceVar(&ips, "ip", nil, "allowed IP address (repeatable or comma separated)")
	set.Flags().StringSliceVar(&protocols, "protocol", nil, "allowed protocol: TCP or UDP")
	set.Flags().BoolVar(&inactive, "inactive", false, "store the policy without activating it")

	get := &cobra.Command{
		Use:   "get APP",
		Short: "Show the active policy for APP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			p, err := s.store.GetActivePolicy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				if c.jsonOut {
					return c.printJSON(nil)
				}
				fmt.Fprintf(c.out, "no active policy for %s; connections are allowed\n", args[0])
				return nil
			}
			return c.printPolicies([]firewall.Policy{*p})
		},
	}

	history := &cobra.Command{
		Use:   "history APP",
		Short: "List every stored policy for APP, active first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			ps, err := s.store.PolicyHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printPolicies(ps)
		},
	}

	cmd.AddCommand(set, get, history)
	return cmd
}

func newLogsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect or clear the connection log",
	}

	app := &cobra.Command{
		Use:   "app APP",
		Short: "List APP's connection records in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := s.orch.GetLogsForApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printRecords(recs)
		},
	}

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			n, err := s.store.Count(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(map[string]int{"count": n})
			}
			fmt.Fprintln(c.out, n)
			return nil
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every connection record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the log without --yes")
			}
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.store.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "connection log cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	cmd.AddCommand(app, count, clearCmd)
	return cmd
}

func newProcessesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List running processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			procs := s.orch.ListProcesses(cmd.Context())
			if c.jsonOut {
				return c.printJSON(procs)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tNAME\tPATH")
			for _, p := range procs {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", p.PID, p.Name, p.ExecutablePath)
			}
			return tw.Flush()
		},
	}
}

const anomaliesLong = `Run one detection cycle over the stored log and list flagged records.
The result is printed only; it is not sent to the report endpoint.`

func newAnomaliesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies",
		Short: "Run one detection cycle over the stored log and list flagged records",
		Long:  anomaliesLong,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			res, err := s.orch.DetectNow(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(res)
			}
			fmt.Fprintf(c.out, "status: %s\n", res.Status)
			return c.printRecords(res.Records)
		},
	}
}

func newDBCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the PostgreSQL schema (postgres store driver only)",
	}

	postgresConfig := func() (database.DBConfig, error) {
		cfg, err := c.loadConfig()
		if err != nil {
			return database.DBConfig{}, err
		}
		if cfg.StoreDriver != config.DriverPostgres {
			return database.DBConfig{}, fmt.Errorf("db commands require the %s store driver, configured %q", config.DriverPostgres, cfg.StoreDriver)
		}
		return database.DBConfig{DSN: cfg.DBDSN}, nil
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbCfg, err := postgresConfig()
			if err != nil {
				return err
			}
			v, dirty, err := database.SchemaVersion(cmd.Context(), dbCfg)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(map[string]any{"version": v, "dirty": dirty})
			}
			fmt.Fprintf(c.out, "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	}

	var yes bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping the policy and log tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop the schema without --yes")
			}
			dbCfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := database.MigrateDown(cmd.Context(), dbCfg); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "schema rolled back")
			return nil
		},
	}
	down.Flags().BoolVar(&yes, "yes", false, "confirm dropping the schema")

	cmd.AddCommand(version, down)
	return cmd
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printPolicies(ps []firewall.Policy) error {
	if c.jsonOut {
		return c.printJSON(ps)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAPP\tACTIVE\tDOMAINS\tIPS\tPROTOCOLS")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", p.ID, p.AppName, p.IsActive,
			dash(strings.Join(p.AllowedDomains, ",")), dash(strings.Join(p.AllowedIPs, ",")),
			dash(firewall.ProtocolsCSV(p.AllowedProtocols)))
	}
	return tw.Flush()
}

func (c *cli) printRecords(recs []firewall.ConnectionRecord) error {
	if c.jsonOut {
		return c.printJSON(recs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tAPP\tDESTINATION\tPROTO\tSENT\tRECEIVED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", r.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			r.AppName, r.Destination, r.Protocol, r.BytesSent, r.BytesReceived)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
