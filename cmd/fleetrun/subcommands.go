package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetrun/internal/core"
	gssh "github.com/3cpo-dev/fleetrun/internal/ssh"
	"github.com/3cpo-dev/fleetrun/pkg/api"
)

// prepare loads config, inventory and deploy file, builds the run state,
// binds it process-wide and declares the deploy's operations.
func prepare(cmd *cobra.Command) (*core.State, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	invPath, _ := cmd.Flags().GetString("inventory")
	deployPath, _ := cmd.Flags().GetString("deploy")

	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("parallel") {
		cfg.Parallel, _ = cmd.Flags().GetInt("parallel")
	}
	if cmd.Flags().Changed("fail-percent") {
		cfg.FailPercent, _ = cmd.Flags().GetInt("fail-percent")
	}
	inv, err := core.LoadInventory(invPath)
	if err != nil {
		return nil, err
	}
	deploy, err := loadDeploy(deployPath)
	if err != nil {
		return nil, err
	}

	st, err := core.NewState(inv, cfg)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(filepath.Dir(deployPath)); err == nil {
		st.SetDeployDir(abs)
	}
	core.Pseudo.Bind(st)
	if err := declare(core.Pseudo, deploy); err != nil {
		core.Pseudo.Bind(nil)
		return nil, err
	}
	return st, nil
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("inventory", "i", "inventory.yaml", "inventory file")
	cmd.Flags().StringP("deploy", "d", "deploy.yaml", "deploy file")
	cmd.Flags().IntP("parallel", "p", 0, "hosts worked on at once (0 = all)")
	cmd.Flags().Int("fail-percent", 0, "share of failed hosts tolerated before the run fails (-1 disables)")
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a deploy file against the inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer core.Pseudo.Bind(nil)

			conn, err := gssh.NewConnector(st.Config())
			if err != nil {
				return err
			}
			defer conn.Close()
			runErr := st.Run(cmd.Context(), conn)
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing connections failed")
			}

			if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
				if err := saveRun(cmd, dbPath, st); err != nil {
					return err
				}
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if err := printSummary(summarize(st), asJSON); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if st.FailPercentExceeded() {
				return fmt.Errorf("run failed on %d of %d hosts", len(st.FailedHosts()), st.Inventory().Len())
			}
			return nil
		},
	}
	addRunFlags(cmd)
	cmd.Flags().String("db", "", "SQLite file to record the run in")
	cmd.Flags().Bool("json", false, "print the summary as JSON")
	return cmd
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the operations a deploy file declares, without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer core.Pseudo.Bind(nil)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, hash := range st.OpOrder() {
				meta, _ := st.OpMeta(hash)
				fmt.Fprintf(w, "%s\t%s\t%d hosts\n", hash[:12], meta.Name, len(meta.Hosts))
				for _, host := range meta.Hosts {
					op, _ := st.HostOp(host, hash)
					for _, c := range op.Commands {
						fmt.Fprintf(w, "\t%s\t%s\n", host, c)
					}
				}
			}
			return w.Flush()
		},
	}
	addRunFlags(cmd)
	return cmd
}

func saveRun(cmd *cobra.Command, path string, st *core.State) error {
	store, err := core.NewStore(path)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()
	if err := store.SaveRun(cmd.Context(), st); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	log.Info().Str("run_id", st.RunID()).Str("db", path).Msg("Run recorded")
	return nil
}

func summarize(st *core.State) api.RunSummary {
	failed := map[string]bool{}
	for _, name := range st.FailedHosts() {
		failed[name] = true
	}
	started, finished := st.Times()
	sum := api.RunSummary{
		RunID:    st.RunID(),
		Status:   api.RunSucceeded,
		Parallel: st.Config().Parallel,
		OpOrder:  st.OpOrder(),
		Elapsed:  finished.Sub(started).Round(time.Millisecond).String(),
	}
	if st.FailPercentExceeded() {
		sum.Status = api.RunFailed
	}
	results := st.AllResults()
	for _, name := range st.Inventory().Names() {
		r := results[name]
		sum.Hosts = append(sum.Hosts, api.HostSummary{
			Name:       name,
			Ops:        r.Ops,
			SuccessOps: r.SuccessOps,
			ErrorOps:   r.ErrorOps,
			Commands:   r.Commands,
			Failed:     failed[name],
		})
	}
	return sum
}

func printSummary(sum api.RunSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tOPS\tSUCCESS\tERROR\tCOMMANDS\tSTATUS")
	for _, h := range sum.Hosts {
		status := "ok"
		if h.Failed {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", h.Name, h.Ops, h.SuccessOps, h.ErrorOps, h.Commands, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("run %s %s in %s\n", sum.RunID, sum.Status, sum.Elapsed)
	return nil
}
