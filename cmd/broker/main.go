package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "SecretBroker CLI",
	Long:  "A CLI for managing secrets, rotation and delegated access in SecretBroker.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
		if !cmd.Flags().Changed("format") && cfg.Defaults.Output != "" {
			outputFormat = cfg.Defaults.Output
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stringFlag resolves a string flag, falling back to a configured
// default when the flag was not given on the command line.
func stringFlag(cmd *cobra.Command, name, fallback string) string {
	v, _ := cmd.Flags().GetString(name)
	if !cmd.Flags().Changed(name) && fallback != "" {
		return fallback
	}
	return v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(toolCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(rotationCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(configCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <operator-key>",
		Short: "Save the operator key to the CLI config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.OperatorKey = args[0]
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Operator key saved to config.")
			return nil
		},
	}
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect and set CLI defaults"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective CLI configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if cfg.OperatorKey != "" {
				key = "(set)"
			}
			printResult(map[string]any{
				"address":      cfg.Address,
				"operator_key": key,
				"tls_ca_cert":  cfg.TLSCACert,
				"project":      cfg.Defaults.Project,
				"environment":  cfg.Defaults.Environment,
				"output":       cfg.Defaults.Output,
				"wait_seconds": cfg.WaitSeconds,
				"path":         configPath(),
			})
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Persist defaults for address, project, environment and output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); cmd.Flags().Changed("address") {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("ca-cert"); cmd.Flags().Changed("ca-cert") {
				cfg.TLSCACert = v
			}
			if v, _ := cmd.Flags().GetString("project"); cmd.Flags().Changed("project") {
				cfg.Defaults.Project = v
			}
			if v, _ := cmd.Flags().GetString("env"); cmd.Flags().Changed("env") {
				cfg.Defaults.Environment = v
			}
			if v, _ := cmd.Flags().GetString("output"); cmd.Flags().Changed("output") {
				cfg.Defaults.Output = v
			}
			if v, _ := cmd.Flags().GetInt("wait-seconds"); cmd.Flags().Changed("wait-seconds") {
				cfg.WaitSeconds = v
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Config saved to " + configPath() + ".")
			return nil
		},
	}
	setCmd.Flags().String("address", "", "Broker API address")
	setCmd.Flags().String("ca-cert", "", "Path to the TLS CA certificate")
	setCmd.Flags().String("project", "", "Default project for create and request commands")
	setCmd.Flags().String("env", "", "Default environment for create and request commands")
	setCmd.Flags().String("output", "", "Default output format: table, json, raw")
	setCmd.Flags().Int("wait-seconds", 0, "Default long-poll duration for access wait")

	cmd.AddCommand(showCmd, setCmd)
	return cmd
}

// --- tool ---

func toolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tool", Short: "Manage registered tools"}

	registerCmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets, _ := cmd.Flags().GetStringSlice("secrets")
			envs, _ := cmd.Flags().GetStringSlice("environments")
			maxSessions, _ := cmd.Flags().GetInt("max-sessions")
			maxSeconds, _ := cmd.Flags().GetInt64("max-session-seconds")
			risk, _ := cmd.Flags().GetString("risk")
			autoApprove, _ := cmd.Flags().GetBool("auto-approve")
			client := newClient()
			result, err := client.post("/v1/tools", map[string]any{
				"name":                    args[0],
				"allowed_secrets":         secrets,
				"allowed_environments":    envs,
				"max_concurrent_sessions": maxSessions,
				"max_session_seconds":     maxSeconds,
				"risk_level":              risk,
				"auto_approve":            autoApprove,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	registerCmd.Flags().StringSlice("secrets", nil, "Allowed secret names (or '*')")
	registerCmd.Flags().StringSlice("environments", nil, "Allowed environments")
	registerCmd.Flags().Int("max-sessions", 1, "Max concurrent sessions")
	registerCmd.Flags().Int64("max-session-seconds", 3600, "Max session duration in seconds")
	registerCmd.Flags().String("risk", "medium", "Risk level: low, medium, high, critical")
	registerCmd.Flags().Bool("auto-approve", false, "Auto-approve access requests")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/tools")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/tools/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <id> <active|suspended|pending_approval>",
		Short: "Set a tool's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			_, err := client.put("/v1/tools/"+args[0]+"/status", map[string]any{"status": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Tool status set to " + args[1] + ".")
			return nil
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions <id>",
		Short: "List a tool's sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/tools/" + args[0] + "/sessions")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(registerCmd, listCmd, getCmd, statusCmd, sessionsCmd)
	return cmd
}

// --- secret ---

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage secrets"}

	createCmd := &cobra.Command{
		Use:   "create <name> <value>",
		Short: "Create a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := stringFlag(cmd, "env", cfg.Defaults.Environment)
			project := stringFlag(cmd, "project", cfg.Defaults.Project)
			typ, _ := cmd.Flags().GetString("type")
			tags, _ := cmd.Flags().GetStringSlice("tags")
			rotationDays, _ := cmd.Flags().GetInt("rotation-days")
			client := newClient()
			result, err := client.post("/v1/secrets", map[string]any{
				"name":          args[0],
				"value":         args[1],
				"environment":   env,
				"project_id":    project,
				"type":          typ,
				"tags":          tags,
				"rotation_days": rotationDays,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	createCmd.Flags().String("env", "development", "Environment")
	createCmd.Flags().String("project", "", "Project ID")
	createCmd.Flags().String("type", "api_key", "Secret type")
	createCmd.Flags().StringSlice("tags", nil, "Tags")
	createCmd.Flags().Int("rotation-days", 0, "Rotation frequency in days (0 = none)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			project, _ := cmd.Flags().GetString("project")
			status, _ := cmd.Flags().GetString("status")
			tag, _ := cmd.Flags().GetString("tag")
			q := fmt.Sprintf("/v1/secrets?environment=%s&project_id=%s&status=%s&tag=%s", env, project, status, tag)
			client := newClient()
			result, err := client.get(q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	listCmd.Flags().String("env", "", "Filter by environment")
	listCmd.Flags().String("project", "", "Filter by project")
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().String("tag", "", "Filter by tag")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a secret (metadata only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/secrets/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	revealCmd := &cobra.Command{
		Use:   "reveal <id>",
		Short: "Reveal a secret's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/secrets/"+args[0]+"/reveal", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <id> <value>",
		Short: "Update a secret's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			_, err := client.put("/v1/secrets/"+args[0]+"/value", map[string]any{"value": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Value updated.")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set a secret's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			_, err := client.put("/v1/secrets/"+args[0]+"/status", map[string]any{"status": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Status set to " + args[1] + ".")
			return nil
		},
	}

	strengthCmd := &cobra.Command{
		Use:   "strength <value>",
		Short: "Check a value's strength",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/secrets/strength", map[string]any{"value": args[0]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, revealCmd, updateCmd, statusCmd, strengthCmd)
	return cmd
}

// --- rotation ---

func rotationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rotation", Short: "Manage secret rotation"}

	scheduleCmd := &cobra.Command{
		Use:   "schedule <secret-id>",
		Short: "Upsert a rotation policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			auto, _ := cmd.Flags().GetBool("auto")
			cron, _ := cmd.Flags().GetString("cron")
			targets, _ := cmd.Flags().GetStringSlice("notify")
			includeValue, _ := cmd.Flags().GetBool("include-value")
			client := newClient()
			result, err := client.put("/v1/secrets/"+args[0]+"/rotation", map[string]any{
				"frequency_days":  days,
				"auto_rotate":     auto,
				"cron_expression": cron,
				"notify_targets":  targets,
				"include_value":   includeValue,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	scheduleCmd.Flags().Int("days", 30, "Rotation frequency in days")
	scheduleCmd.Flags().Bool("auto", true, "Rotate automatically when due")
	scheduleCmd.Flags().String("cron", "", "Optional cron expression overriding the frequency")
	scheduleCmd.Flags().StringSlice("notify", nil, "Webhook URLs to notify after rotation")
	scheduleCmd.Flags().Bool("include-value", false, "Include the new value in notifications (needs server opt-in)")

	rotateCmd := &cobra.Command{
		Use:   "rotate <secret-id> [new-value]",
		Short: "Rotate a secret now",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) == 2 {
				body["new_value"] = args[1]
			}
			client := newClient()
			result, err := client.post("/v1/secrets/"+args[0]+"/rotate", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List secrets due for rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/rotation/pending")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	batchCmd := &cobra.Command{
		Use:   "batch <secret-id> [secret-id ...]",
		Short: "Rotate several secrets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/rotation/batch", map[string]any{"secret_ids": args})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(scheduleCmd, rotateCmd, pendingCmd, batchCmd)
	return cmd
}

// --- access ---

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Request and manage delegated access"}

	requestCmd := &cobra.Command{
		Use:   "request <tool-id> <secret-name> [secret-name ...]",
		Short: "Request access to secrets",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := stringFlag(cmd, "env", cfg.Defaults.Environment)
			project := stringFlag(cmd, "project", cfg.Defaults.Project)
			justification, _ := cmd.Flags().GetString("justification")
			seconds, _ := cmd.Flags().GetInt64("seconds")
			client := newClient()
			result, err := client.post("/v1/access/requests", map[string]any{
				"tool_id":           args[0],
				"secret_names":      args[1:],
				"environment":       env,
				"project_id":        project,
				"justification":     justification,
				"requested_seconds": seconds,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	requestCmd.Flags().String("env", "development", "Environment")
	requestCmd.Flags().String("project", "", "Project ID")
	requestCmd.Flags().String("justification", "", "Why access is needed")
	requestCmd.Flags().Int64("seconds", 0, "Requested session duration (0 = tool max)")

	getCmd := &cobra.Command{
		Use:   "get <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/access/requests/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			path := "/v1/access/requests"
			if status != "" {
				path += "?status=" + status
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	listCmd.Flags().String("status", "pending", "Filter by status (empty = all)")

	waitCmd := &cobra.Command{
		Use:   "wait <request-id>",
		Short: "Wait for a request to be decided",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetInt("timeout")
			if !cmd.Flags().Changed("timeout") && cfg.WaitSeconds > 0 {
				timeout = cfg.WaitSeconds
			}
			client := newClient()
			result, err := client.get("/v1/access/requests/" + args[0] + "/wait?timeout_seconds=" + strconv.Itoa(timeout))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	waitCmd.Flags().Int("timeout", 30, "Seconds to wait before returning the current status")

	approveCmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, _ := cmd.Flags().GetString("notes")
			client := newClient()
			result, err := client.post("/v1/access/requests/"+args[0]+"/approve", map[string]any{
				"approved": true,
				"notes":    notes,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	approveCmd.Flags().String("notes", "", "Decision notes")

	denyCmd := &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, _ := cmd.Flags().GetString("notes")
			client := newClient()
			result, err := client.post("/v1/access/requests/"+args[0]+"/approve", map[string]any{
				"approved": false,
				"notes":    notes,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	denyCmd.Flags().String("notes", "", "Decision notes")

	activateCmd := &cobra.Command{
		Use:   "activate <request-id>",
		Short: "Activate an approved request into a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/access/requests/"+args[0]+"/activate", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <proxy-value>",
		Short: "Resolve a proxy token to the real value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/access/resolve", map[string]any{"proxy_value": args[0]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(requestCmd, getCmd, listCmd, waitCmd, approveCmd, denyCmd, activateCmd, resolveCmd)
	return cmd
}

// --- session / token ---

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}

	revokeCmd := &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a session and all of its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/sessions/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Session revoked.")
			return nil
		},
	}

	cmd.AddCommand(revokeCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage proxy tokens"}

	revokeCmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a proxy token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/tokens/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	cmd.AddCommand(revokeCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query the audit trail"}

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Query usage metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			secretID, _ := cmd.Flags().GetString("secret")
			toolID, _ := cmd.Flags().GetString("tool")
			limit, _ := cmd.Flags().GetInt("limit")
			q := fmt.Sprintf("/v1/audit/usage?secret_id=%s&tool_id=%s&limit=%d", secretID, toolID, limit)
			client := newClient()
			result, err := client.get(q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	usageCmd.Flags().String("secret", "", "Filter by secret ID")
	usageCmd.Flags().String("tool", "", "Filter by tool ID")
	usageCmd.Flags().Int("limit", 100, "Max rows")

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Query security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, _ := cmd.Flags().GetString("type")
			severity, _ := cmd.Flags().GetString("severity")
			limit, _ := cmd.Flags().GetInt("limit")
			q := fmt.Sprintf("/v1/audit/events?event_type=%s&severity=%s&limit=%d", eventType, severity, limit)
			client := newClient()
			result, err := client.get(q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printData(result)
			return nil
		},
	}
	eventsCmd.Flags().String("type", "", "Filter by event type")
	eventsCmd.Flags().String("severity", "", "Filter by severity")
	eventsCmd.Flags().Int("limit", 100, "Max rows")

	cmd.AddCommand(usageCmd, eventsCmd)
	return cmd
}
