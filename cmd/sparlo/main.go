package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"sparlo/internal/config"
	"sparlo/internal/db"
	"sparlo/internal/domain"
	"sparlo/internal/engine"
	"sparlo/internal/llm"
	"sparlo/internal/migrate"
	"sparlo/internal/repo"
	"sparlo/internal/runner"
	"sparlo/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sparlo",
	Short: "Sparlo CLI",
	Long: `Sparlo turns a design challenge into a structured innovation report.
A report moves through a fixed chain of stages (framing, concepts, cross-domain
transfer, evaluation, final report), each powered by a model call. Runs are
durable: they survive restarts, suspend on clarification questions, and charge
actual token usage against a per-account budget.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPARLO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account", "local", "account identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{
		Use:   "report",
		Short: "Manage reports",
		Long:  "Reports are durable pipeline runs. Start one with a design challenge, poll its status, answer clarification questions, and read the final report when it completes.",
	}
	report.AddCommand(reportStartCmd())
	report.AddCommand(reportListCmd())
	report.AddCommand(reportShowCmd())
	report.AddCommand(reportAnswerCmd())
	report.AddCommand(reportCancelCmd())
	report.AddCommand(reportRerunCmd())
	report.AddCommand(reportEventsCmd())
	return report
}

func reportStartCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "start <design challenge>",
		Short: "Start a report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			challenge := strings.TrimSpace(strings.Join(args, " "))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				account := viper.GetString("account")
				rep, err := e.StartReport(ctx, account, challenge, account)
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(rep)
				}
				if e.Generator == nil {
					return fmt.Errorf("no model access: set %s", e.Config.LLM.APIKeyEnv)
				}
				if err := e.RunPipeline(ctx, rep.ID); err != nil {
					return err
				}
				rep, err = e.Repo.GetReport(ctx, rep.ID)
				if err != nil {
					return err
				}
				if rep.Status == domain.StatusClarifying {
					if c, cerr := e.Repo.PendingClarification(ctx, rep.ID); cerr == nil {
						fmt.Printf("Clarification needed: %s\n", c.Question)
						fmt.Printf("Answer with: sparlo report answer %s --answer \"...\"\n", rep.ID)
					}
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "run the pipeline in the foreground")
	return cmd
}

func reportListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reports, err := e.Repo.ListReports(ctx, viper.GetString("account"), status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Progress", "Step", "Title", "Tokens"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.ID, r.Status, fmt.Sprintf("%d%%", r.PhaseProgress), r.CurrentStep, r.Title, r.TokensConsumed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Repo.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Report: %s\n", rep.ID)
				fmt.Printf("Status: %s (%d%%) %s\n", rep.Status, rep.PhaseProgress, rep.CurrentStep)
				if rep.Title != "" {
					fmt.Printf("Title: %s\n", rep.Title)
				}
				if rep.ErrorReason != "" {
					fmt.Printf("Error: %s\n", rep.ErrorReason)
				}
				if rep.Status == domain.StatusClarifying {
					if c, cerr := e.Repo.PendingClarification(ctx, rep.ID); cerr == nil {
						fmt.Printf("Question: %s\n", c.Question)
					}
				}
				if out, ok := rep.Chain.Stages["report"]; ok && rep.Status == domain.StatusComplete {
					var body struct {
						Report string `json:"report"`
					}
					if jerr := json.Unmarshal(out, &body); jerr == nil && body.Report != "" {
						fmt.Println()
						fmt.Println(body.Report)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func reportAnswerCmd() *cobra.Command {
	var answer string
	cmd := &cobra.Command{
		Use:   "answer <id>",
		Short: "Answer the pending clarification and resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("answer") {
				return fmt.Errorf("--answer required (an empty string is accepted)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				account := viper.GetString("account")
				rep, err := e.AnswerClarification(ctx, args[0], answer, account)
				if err != nil {
					return err
				}
				if e.Generator != nil {
					if err := e.RunPipeline(ctx, rep.ID); err != nil {
						return err
					}
					rep, err = e.Repo.GetReport(ctx, rep.ID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&answer, "answer", "", "answer text (empty means no further constraints)")
	return cmd
}

func reportCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an in-flight report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				account := viper.GetString("account")
				rep, err := e.Repo.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if rep.Status == domain.StatusConfirmRerun {
					rep, err = e.DeclineRerun(ctx, rep.ID, account)
				} else {
					rep, err = e.CancelReport(ctx, rep.ID, account)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportRerunCmd() *cobra.Command {
	var confirm, decline bool
	cmd := &cobra.Command{
		Use:   "rerun <id>",
		Short: "Request, confirm, or decline a rerun of a completed report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if confirm && decline {
				return fmt.Errorf("--confirm and --decline are mutually exclusive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				account := viper.GetString("account")
				var rep domain.Report
				var err error
				switch {
				case confirm:
					rep, err = e.ConfirmRerun(ctx, args[0], account)
				case decline:
					rep, err = e.DeclineRerun(ctx, args[0], account)
				default:
					rep, err = e.RequestRerun(ctx, args[0], account)
				}
				if err != nil {
					return err
				}
				if !confirm && !decline {
					fmt.Println("Rerun requested. Confirm with --confirm to discard the existing report, or --decline to keep it.")
				}
				if confirm && e.Generator != nil {
					if err := e.RunPipeline(ctx, rep.ID); err != nil {
						return err
					}
					rep, err = e.Repo.GetReport(ctx, rep.ID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the rerun, discarding prior output")
	cmd.Flags().BoolVar(&decline, "decline", false, "decline the rerun, keeping the report")
	return cmd
}

func reportEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a report's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Events.ForEntity(ctx, "report", args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	return cmd
}

func usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the account's token budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Ledger.Snapshot(ctx, e.DB, viper.GetString("account"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Period: %s .. %s\n", snap.Period.PeriodStart, snap.Period.PeriodEnd)
				fmt.Printf("Limit: %d  Used: %d  Reserved: %d  Free: %d\n",
					snap.Period.TokensLimit, snap.Period.TokensUsed, snap.TokensReserved, snap.TokensFree)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:        uuid.NewString(),
					AccountID: viper.GetString("account"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("API key %s created. Store the secret now; it is not shown again:\n%s\n", k.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("account"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Revoked"})
				for _, k := range keys {
					revoked := ""
					if k.RevokedAt != nil {
						revoked = *k.RevokedAt
					}
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt, revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeAPIKey(ctx, args[0], time.Now().UTC().Format(time.RFC3339))
			})
		},
	}
	return cmd
}

func webhookCmd() *cobra.Command {
	hook := &cobra.Command{Use: "webhook", Short: "Manage event webhooks"}
	hook.AddCommand(webhookAddCmd())
	hook.AddCommand(webhookListCmd())
	hook.AddCommand(webhookRemoveCmd())
	return hook
}

func webhookAddCmd() *cobra.Command {
	var url, secret, eventTypes string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w := repo.Webhook{
					ID:         uuid.NewString(),
					AccountID:  viper.GetString("account"),
					URL:        url,
					Secret:     secret,
					EventTypes: eventTypes,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertWebhook(ctx, w); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "delivery URL")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret sent with each delivery")
	cmd.Flags().StringVar(&eventTypes, "events", "", "comma-separated event types (empty = all)")
	return cmd
}

func webhookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				hooks, err := r.ListWebhooks(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(hooks)
			})
		},
	}
	return cmd
}

func webhookRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteWebhook(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Events.Latest(ctx, n, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if v, err := migrate.Version(conn); err == nil {
				logger.Info("database ready", zap.Int("schema_version", v))
			}

			gen, err := newGenerator(cfg, logger)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, gen, logger)

			jwtSecret := cfg.Server.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("SPARLO_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret in %s or SPARLO_JWT_SECRET", config.Path(workspace))
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}

			run := runner.New(e, logger)
			run.Start(cmd.Context())
			server.StartWebhookDispatcher(cmd.Context(), e)

			handler, err := server.New(server.Config{
				Engine:   e,
				Runner:   run,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Sparlo API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			run.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// newGenerator builds the production model client wrapped in retries.
func newGenerator(cfg *config.Config, log *zap.Logger) (llm.Generator, error) {
	client, err := llm.NewAnthropicClient(cfg)
	if err != nil {
		return nil, err
	}
	return llm.NewRetrier(client, cfg, log), nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	// Model access is optional for read-only commands; commands that run the
	// pipeline check Generator themselves.
	var gen llm.Generator
	if client, cerr := llm.NewAnthropicClient(cfg); cerr == nil {
		gen = llm.NewRetrier(client, cfg, zap.NewNop())
	}
	e := engine.New(conn, cfg, gen, zap.NewNop())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk_" + hex.EncodeToString(buf), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
