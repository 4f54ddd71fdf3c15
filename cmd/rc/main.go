package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repchain/internal/config"
	"repchain/internal/db"
	"repchain/internal/domain"
	"repchain/internal/ledger"
	"repchain/internal/migrate"
	"repchain/internal/repo"
	"repchain/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rc",
	Short: "Repchain CLI",
	Long: `Repchain keeps a job escrow and reputation ledger.
- Workspace: your .repchain directory holding the database.
- Profiles: identities register once; a profile is required before posting or taking work.
- Jobs: clients post work with an escrow deposit; freelancers accept, submit, and get paid on approval.
- Escrow: the deposit is locked at posting and released to the freelancer exactly once, at approval.
- Reputation: every approval appends to the freelancer's completion history; the score is always
  recomputable from that history, view with 'rc reputation verify'.
- Event log: append-only diary of every mutation, view with 'rc log tail'.`,
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
	viper.SetEnvPrefix("REPCHAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("identity", "local-user", "caller identity")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("identity", rootCmd.PersistentFlags().Lookup("identity"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default repchain.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "ledger-id", "repchain", "ledger identifier")
	return cmd
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Manage identity profiles"}
	p.AddCommand(profileCreateCmd())
	p.AddCommand(profileShowCmd())
	p.AddCommand(profileListCmd())
	return p
}

func profileCreateCmd() *cobra.Command {
	var name, bio, skills string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register the caller's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				p, err := l.CreateProfile(ctx, ledger.CreateProfileOptions{
					Identity:    viper.GetString("identity"),
					DisplayName: name,
					Bio:         bio,
					Skills:      skills,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "short bio")
	cmd.Flags().StringVar(&skills, "skills", "", "comma separated skills")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func profileShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [identity]",
		Short: "Show a profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("identity")
			if len(args) > 0 {
				target = args[0]
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				p, err := l.GetProfile(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func profileListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProfiles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identity", "Name", "Jobs", "Earned", "Score"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Identity, p.DisplayName, p.TotalJobsCompleted, p.TotalEarned, p.ReputationScore})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Manage jobs"}
	j.AddCommand(jobPostCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobGetCmd())
	j.AddCommand(jobAcceptCmd())
	j.AddCommand(jobSubmitCmd())
	j.AddCommand(jobApproveCmd())
	return j
}

func jobPostCmd() *cobra.Command {
	var title, description string
	var payment, deposit uint64
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a job with an escrow deposit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deposit == 0 {
				deposit = payment
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				j, err := l.PostJob(ctx, ledger.PostJobOptions{
					Client:        viper.GetString("identity"),
					Title:         title,
					Description:   description,
					PaymentAmount: payment,
					Deposit:       deposit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().Uint64Var(&payment, "payment", 0, "payment amount")
	cmd.Flags().Uint64Var(&deposit, "deposit", 0, "escrow deposit (defaults to payment)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("payment")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status, forIdentity string
	var available bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				var jobs []domain.Job
				var err error
				switch {
				case forIdentity != "":
					jobs, err = l.ListJobsForIdentity(ctx, forIdentity)
				case available:
					jobs, err = l.ListAvailableJobs(ctx)
				default:
					jobs, err = l.ListJobs(ctx, status)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Client", "Freelancer", "Payment"})
				for _, j := range jobs {
					freelancer := ""
					if j.FreelancerIdentity != nil {
						freelancer = *j.FreelancerIdentity
					}
					tw.AppendRow(table.Row{j.ID, j.Title, j.Status, j.ClientIdentity, freelancer, j.PaymentAmount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&available, "available", false, "only jobs open for acceptance")
	cmd.Flags().StringVar(&forIdentity, "for", "", "jobs for an identity (client or freelancer)")
	return cmd
}

func jobGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				j, err := l.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a posted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				j, err := l.AcceptJob(ctx, id, viper.GetString("identity"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit completed work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				j, err := l.SubmitWork(ctx, id, viper.GetString("identity"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobApproveCmd() *cobra.Command {
	var rating int
	var review string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve submitted work, release escrow, and rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				j, err := l.ApproveAndPay(ctx, ledger.ApproveOptions{
					JobID:      id,
					Client:     viper.GetString("identity"),
					Rating:     rating,
					ReviewText: review,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&review, "review", "", "review text")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func reputationCmd() *cobra.Command {
	r := &cobra.Command{Use: "reputation", Short: "Reputation scores and proofs"}
	r.AddCommand(reputationShowCmd())
	r.AddCommand(reputationExportCmd())
	r.AddCommand(reputationVerifyCmd())
	return r
}

func reputationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [identity]",
		Short: "Show reputation for an identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("identity")
			if len(args) > 0 {
				target = args[0]
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				p, err := l.GetProfile(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"identity":             p.Identity,
					"reputation_score":     p.ReputationScore,
					"total_jobs_completed": p.TotalJobsCompleted,
					"total_earned":         p.TotalEarned,
				})
			})
		},
	}
	return cmd
}

func reputationExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [identity]",
		Short: "Export a portable reputation proof",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("identity")
			if len(args) > 0 {
				target = args[0]
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				exp, err := l.ReputationExport(ctx, target)
				if err != nil {
					return err
				}
				return printJSON(exp)
			})
		},
	}
	return cmd
}

func reputationVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [identity]",
		Short: "Recompute the score from history and compare",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("identity")
			if len(args) > 0 {
				target = args[0]
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				stored, recomputed, err := l.VerifyScore(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"identity":         target,
					"stored_score":     stored,
					"recomputed_score": recomputed,
					"verified":         stored == recomputed,
				})
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				k, raw, err := l.MintAPIKey(ctx, viper.GetString("identity"), name)
				if err != nil {
					return err
				}
				// raw key is shown once and never stored
				return printJSON(map[string]any{
					"id":       k.ID,
					"identity": k.Identity,
					"name":     k.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the caller's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("identity"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var types string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var filter []string
				for _, t := range strings.Split(types, ",") {
					if t = strings.TrimSpace(t); t != "" {
						filter = append(filter, t)
					}
				}
				events, err := r.ListEvents(ctx, after, n, filter)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().StringVar(&types, "type", "", "comma separated event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("repchain")
			}
			l := ledger.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:                 os.Getenv("REPCHAIN_JWT_SECRET"),
				AllowLegacyIdentityHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("REPCHAIN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Ledger: l, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Repchain API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-identity-header", false, "accept X-Identity without auth (dev only)")
	return cmd
}

// --- helpers ---

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("repchain")
	}
	return fn(ctx, ledger.New(conn, cfg))
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

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
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
