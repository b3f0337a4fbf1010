package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/adcm/pkg/api"
	"github.com/cuemby/adcm/pkg/client"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/spf13/cobra"
)

const callTimeout = 30 * time.Second

func init() {
	bundleCmd.AddCommand(bundleLoadCmd, bundleListCmd, bundleLicenseCmd, bundleDeleteCmd)
	clusterCmd.AddCommand(clusterCreateCmd, clusterListCmd, clusterDeleteCmd)
	hostCmd.AddCommand(hostListCmd)
	actionCmd.AddCommand(actionRunCmd)
	taskCmd.AddCommand(taskShowCmd, taskCancelCmd, taskRestartCmd, taskLogsCmd)
	configCmd.AddCommand(configShowCmd)

	clusterCreateCmd.Flags().Int64("prototype", 0, "Cluster prototype id")
	clusterCreateCmd.Flags().String("description", "", "Cluster description")
	_ = clusterCreateCmd.MarkFlagRequired("prototype")

	hostListCmd.Flags().Int64("cluster", 0, "Only hosts of this cluster")
	hostListCmd.Flags().Int64("provider", 0, "Only hosts of this provider")
	hostListCmd.Flags().Bool("free", false, "Only hosts not attached to a cluster")

	actionRunCmd.Flags().String("config", "", "JSON action config")
	actionRunCmd.Flags().Bool("verbose", false, "Run scripts verbosely")
	actionRunCmd.Flags().Bool("restore-on-fail", false, "Restore the host-component map when the task fails")
	actionRunCmd.Flags().Bool("wait", false, "Wait for the task to finish")

	rootCmd.AddCommand(bundleCmd, clusterCmd, hostCmd, actionCmd, taskCmd, configCmd, eventsCmd)
}

// withClient connects to the API named by --api and runs fn with a bounded context
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, c *client.Client) error) error {
	addr, _ := cmd.Flags().GetString("api")
	c, err := client.NewClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Bundle commands
var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage bundles",
}

var bundleLoadCmd = &cobra.Command{
	Use:   "load PATH",
	Short: "Load a bundle archive or directory visible to the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, 5*time.Minute, func(ctx context.Context, c *client.Client) error {
			b, err := c.LoadBundle(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Bundle %s %s loaded (id %d)\n", b.Name, b.Version, b.ID)
			return nil
		})
	},
}

var bundleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			bundles, err := c.ListBundles(ctx)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tEDITION")
			for _, b := range bundles {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", b.ID, b.Name, b.Version, b.Edition)
			}
			return w.Flush()
		})
	},
}

var bundleLicenseCmd = &cobra.Command{
	Use:   "accept-license ID",
	Short: "Accept the license of a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			return c.AcceptLicense(ctx, id)
		})
	},
}

var bundleDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an unused bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			return c.DeleteBundle(ctx, id)
		})
	},
}

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage clusters",
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a cluster from a prototype",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		protoID, _ := cmd.Flags().GetInt64("prototype")
		description, _ := cmd.Flags().GetString("description")
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			cl, err := c.CreateCluster(ctx, protoID, args[0], description)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Cluster %s created (id %d)\n", cl.Name, cl.ID)
			return nil
		})
	},
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			clusters, err := c.ListClusters(ctx)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tMULTI-STATE")
			for _, cl := range clusters {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", cl.ID, cl.Name, cl.State, strings.Join(cl.MultiState, ","))
			}
			return w.Flush()
		})
	},
}

var clusterDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			return c.DeleteCluster(ctx, id)
		})
	},
}

// Host commands
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage hosts",
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req api.ListHostsRequest
		req.ClusterID, _ = cmd.Flags().GetInt64("cluster")
		req.ProviderID, _ = cmd.Flags().GetInt64("provider")
		req.Unattached, _ = cmd.Flags().GetBool("free")
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			hosts, err := c.ListHosts(ctx, req)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tFQDN\tPROVIDER\tCLUSTER\tSTATE\tMAINTENANCE")
			for _, h := range hosts {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n", h.ID, h.FQDN, h.ProviderID, h.ClusterID, h.State, h.MaintenanceMode)
			}
			return w.Flush()
		})
	},
}

// Action commands
var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Run actions",
}

var actionRunCmd = &cobra.Command{
	Use:   "run OBJECT ACTION_ID",
	Short: "Run an action on an object such as cluster/1",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := types.ParseRef(args[0])
		if err != nil {
			return err
		}
		actionID, err := parseID(args[1])
		if err != nil {
			return err
		}

		var req launcher.RunRequest
		if raw, _ := cmd.Flags().GetString("config"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Config); err != nil {
				return fmt.Errorf("invalid --config: %v", err)
			}
		}
		req.Verbose, _ = cmd.Flags().GetBool("verbose")
		req.RestoreOnFail, _ = cmd.Flags().GetBool("restore-on-fail")
		wait, _ := cmd.Flags().GetBool("wait")

		return withClient(cmd, 0, func(ctx context.Context, c *client.Client) error {
			task, err := c.RunAction(ctx, ref, actionID, req)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Task %d created\n", task.ID)
			if !wait {
				return nil
			}
			return waitTask(ctx, c, task.ID)
		})
	},
}

// waitTask follows the event stream until the task reaches a final status
func waitTask(ctx context.Context, c *client.Client, taskID int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ref := types.Ref(types.ObjectTask, taskID)
	done := make(chan types.TaskStatus, 1)
	go func() {
		_ = c.WatchEvents(ctx, &ref, func(ev *events.Event) error {
			if ev.Type != events.EventTaskStatus {
				return nil
			}
			task, err := c.GetTask(ctx, taskID)
			if err == nil && task.Status.IsTerminal() {
				select {
				case done <- task.Status:
				default:
				}
			}
			return nil
		})
	}()

	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	status := task.Status
	if !status.IsTerminal() {
		select {
		case status = <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fmt.Printf("Task %d %s\n", taskID, status)
	if status != types.StatusSuccess {
		return fmt.Errorf("task %d finished %s", taskID, status)
	}
	return nil
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control tasks",
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a task and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			task, err := c.GetTask(ctx, id)
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Task %d on %s: %s\n", task.ID, task.Target, task.Status)
			w := table()
			fmt.Fprintln(w, "JOB\tNAME\tTYPE\tSTATUS")
			for _, j := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", j.ID, j.Name, j.ScriptType, j.Status)
			}
			return w.Flush()
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			return c.CancelTask(ctx, id)
		})
	},
}

var taskRestartCmd = &cobra.Command{
	Use:   "restart ID",
	Short: "Restart a failed or aborted task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			return c.RestartTask(ctx, id)
		})
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs JOB_ID",
	Short: "List the log files of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			logs, err := c.GetJobLogs(ctx, id)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tPATH")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", l.Name, l.Type, l.Size, l.Path)
			}
			return w.Flush()
		})
	},
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect object configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show OBJECT",
	Short: "Show the current config of an object such as cluster/1",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := types.ParseRef(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			cl, err := c.GetConfig(ctx, ref)
			if err != nil {
				return err
			}
			return printJSON(cl)
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [OBJECT]",
	Short: "Stream events, optionally for one object",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ref *types.ObjectRef
		if len(args) == 1 {
			r, err := types.ParseRef(args[0])
			if err != nil {
				return err
			}
			ref = &r
		}
		return withClient(cmd, 0, func(ctx context.Context, c *client.Client) error {
			return c.WatchEvents(ctx, ref, func(ev *events.Event) error {
				return printJSON(ev)
			})
		})
	},
}
