package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drdflow/internal/app"
	"drdflow/internal/config"
	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, desc, file string
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project at the CONTEXT phase",
		Long:  "Creates the project and stores its config. Without --file the default DRD template is used. The acting user becomes owner.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if file != "" {
				loaded, err := config.FromFile(file)
				if err != nil {
					return err
				}
				cfg = loaded
				if id == "" {
					id = cfg.Project.ID
				}
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if writeConfig {
				if _, err := os.Stat(config.Path(workspace)); err == nil {
					return fmt.Errorf("%s already exists", config.Path(workspace))
				}
				if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			ws, err := app.Open(workspace, newLogger())
			if err != nil {
				return err
			}
			defer ws.Close()
			if cfg == nil && ws.Config != nil && ws.Config.Project.ID == id {
				cfg = ws.Config
			}
			p, err := ws.Engine.InitProject(cmd.Context(), engine.ProjectInput{
				ID:          id,
				Name:        name,
				Description: desc,
				Config:      cfg,
			}, actorID())
			if err != nil {
				return err
			}
			return printProject(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&file, "file", "", "YAML config to store with the project")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "also write a default drdflow.yml into the workspace")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project phase and next gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Phase", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CurrentPhase, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Project: %s (%s)\n", p.ID, p.Name)
	fmt.Printf("Phase:   %s\n", p.CurrentPhase)
	if g, ok := domain.GateFrom(p.CurrentPhase); ok {
		fmt.Printf("Next:    %s\n", g)
	} else {
		fmt.Println("Next:    none (final phase)")
	}
	return nil
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the config stored for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				c, err := e.ProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})

	var filePath string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored project config from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if c.Project.ID != "" && c.Project.ID != projectID {
					return fmt.Errorf("config is for project %q, not %q", c.Project.ID, projectID)
				}
				c.Project.ID = projectID
				if err := e.ImportConfig(ctx, projectID, c, actorID()); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	imp.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = imp.MarkFlagRequired("file")
	cfg.AddCommand(imp)
	return cfg
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Manage project roles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				who, err := e.WhoAmI(ctx, projectID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	})
	for _, op := range []struct {
		use, short string
		apply      func(e engine.Engine, ctx context.Context, projectID, by, actorID, roleID string) error
	}{
		{"assign", "Grant a role", engine.Engine.AssignRole},
		{"revoke", "Revoke a role", engine.Engine.RevokeRole},
	} {
		var actor, role string
		sub := &cobra.Command{
			Use:   op.use,
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
					if err := op.apply(e, ctx, projectID, actorID(), actor, role); err != nil {
						return err
					}
					fmt.Printf("%s %s: %s\n", op.use, role, actor)
					return nil
				})
			},
		}
		sub.Flags().StringVar(&actor, "actor", "", "actor receiving the change")
		sub.Flags().StringVar(&role, "role", "", "role id")
		_ = sub.MarkFlagRequired("actor")
		_ = sub.MarkFlagRequired("role")
		cmd.AddCommand(sub)
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actor == "" {
					actor = actorID()
				}
				plain, key, err := e.CreateAPIKey(ctx, actor, name, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key for %s (id %s):\n%s\n", key.ActorID, key.ID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = keys[i].KeyHash[:min(8, len(keys[i].KeyHash))]
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Hash", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.KeyHash, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "actor", "", "only keys for this actor")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}
