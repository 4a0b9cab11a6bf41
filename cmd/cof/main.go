package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cofounder/internal/checkpoint"
	"cofounder/internal/config"
	"cofounder/internal/db"
	"cofounder/internal/domain"
	"cofounder/internal/engine"
	"cofounder/internal/migrate"
	"cofounder/internal/model"
	"cofounder/internal/router"
	"cofounder/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cof",
	Short: "Cofounder CLI",
	Long: `Cofounder is a personal AI co-founder: it answers quick questions in
chat mode and runs multi-step autonomous tasks for bigger objectives.
Tasks are planned as ordered steps, executed by per-category
capabilities, and checkpointed so an interrupted run resumes where it
left off. Everything lives in a .cofounder workspace directory.`,
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
	viper.SetEnvPrefix("COFOUNDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func askCmd() *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Route one request (chat answer or autonomous task)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resp, err := e.HandleRequest(ctx, text)
				if err != nil {
					return err
				}
				if resp.Mode == router.ModeChat {
					if viper.GetBool("json") {
						return printJSON(resp)
					}
					fmt.Println(resp.Reply)
					return nil
				}
				if run {
					t, err := e.RunTask(ctx, resp.Task.ID)
					if err != nil {
						return err
					}
					resp.Task = &t
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run the task immediately if one is created")
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [text]",
		Short: "Interactive session, or one conversational turn when text is given",
		Long:  "Without arguments, reads requests from stdin until EOF or 'exit'. Autonomous requests create and run tasks inline; everything else is answered conversationally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) > 0 {
					reply, err := e.Chat(ctx, strings.Join(args, " "))
					if err != nil {
						return err
					}
					fmt.Println(reply)
					return nil
				}
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						return scanner.Err()
					}
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					if line == "exit" || line == "quit" {
						return nil
					}
					resp, err := e.HandleRequest(ctx, line)
					if err != nil {
						fmt.Println("error:", err)
						continue
					}
					if resp.Mode == router.ModeChat {
						fmt.Println(resp.Reply)
						continue
					}
					fmt.Printf("task %s (%s): %d steps planned\n", resp.Task.ID, resp.Task.Category, len(resp.Task.Steps))
					t, err := e.RunTask(ctx, resp.Task.ID)
					if err != nil {
						fmt.Println("error:", err)
						continue
					}
					fmt.Printf("task %s finished with status %s (%d/%d steps)\n", t.ID, t.Status, t.Iteration, len(t.Steps))
				}
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage autonomous tasks",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRunCmd())
	task.AddCommand(taskPauseCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Objective", "Category", "Status", "Progress"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, truncate(t.Objective, 60), t.Category, t.Status, fmt.Sprintf("%d/%d", t.Iteration, len(t.Steps))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, running, completed, failed, paused)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max tasks to list")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTaskWithSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s [%s] %s\n%s\n\n", t.ID, t.Status, t.Category, t.Objective)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Status", "Attempts"})
				for _, s := range t.Steps {
					tw.AppendRow(table.Row{s.Ordinal, truncate(s.Description, 70), s.Status, s.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a pending or paused task to a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RunTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Ask a running task to pause at the next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RequestPause(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running task at the next step boundary (leaves it paused and resumable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RequestPause(ctx, args[0])
			})
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage task checkpoints",
	}
	cp.AddCommand(checkpointListCmd())
	cp.AddCommand(checkpointResumeCmd())
	cp.AddCommand(checkpointDeleteCmd())
	return cp
}

func checkpointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Checkpoints.List()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Objective", "Progress", "Created"})
				for _, cp := range items {
					done := 0
					for _, s := range cp.Steps {
						if s.Status == domain.StepCompleted {
							done++
						}
					}
					tw.AppendRow(table.Row{cp.ID, cp.TaskID, truncate(cp.Objective, 50), fmt.Sprintf("%d/%d", done, len(cp.Steps)), cp.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checkpointResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Rebuild a task from a checkpoint and run it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func checkpointDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Checkpoints.Delete(args[0])
			})
		},
	}
	return cmd
}

func contextCmd() *cobra.Command {
	cc := &cobra.Command{
		Use:   "context",
		Short: "Inspect and edit the bounded context store",
	}
	cc.AddCommand(contextShowCmd())
	cc.AddCommand(contextAppendCmd())
	cc.AddCommand(contextPruneCmd())
	return cc
}

func contextShowCmd() *cobra.Command {
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Render a context snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Store.GetSnapshot(ctx, maxTokens)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("%s(%d tokens)\n", snap.Render(e.Config.Context.Categories), snap.Tokens)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 4000, "snapshot token budget")
	return cmd
}

func contextAppendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append <category> <content>",
		Short: "Append an entry to a context category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Store.Append(ctx, args[0], args[1], nil)
			})
		},
	}
	return cmd
}

func contextPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune the context store to its token budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Store.Prune(ctx)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter (task, step, checkpoint)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Serve.Addr
				}
				secret := os.Getenv("COFOUNDER_JWT_SECRET")
				if secret == "" {
					secret = e.Config.Serve.JWTSecret
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}

				// Routing keywords hot-reload while serving.
				watchCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					_ = e.Router.Watch(watchCtx, config.Path(viper.GetString("workspace")), func(err error) {
						if err != nil {
							fmt.Println("config reload:", err)
						}
					})
				}()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Cofounder API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to serve.addr from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	cpDir, err := db.CheckpointDir(workspace)
	if err != nil {
		return err
	}
	m := model.New(cfg.Model.BaseURL, cfg.Model.Name)
	if cfg.Model.MaxInputTokens > 0 {
		m.MaxInputTokens = cfg.Model.MaxInputTokens
	}
	if cfg.Model.MaxOutputTokens > 0 {
		m.MaxOutputTokens = cfg.Model.MaxOutputTokens
	}
	if d := cfg.Model.Timeout.Std(); d > 0 {
		m.Timeout = d
	}
	if d := cfg.Model.RetryBackoff.Std(); d > 0 {
		m.RetryBackoff = d
	}
	e := engine.New(conn, cfg, m, checkpoint.NewStore(cpDir))
	return fn(ctx, e)
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

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
