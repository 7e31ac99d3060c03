package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sysmuse/ipflow/internal/log"
	internal_storage "github.com/sysmuse/ipflow/internal/storage"
	"github.com/sysmuse/ipflow/pkg/llm"
	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/prompt"
	"github.com/sysmuse/ipflow/pkg/scope"
	"github.com/sysmuse/ipflow/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			wfType, _ := cmd.Flags().GetString("type")
			scopeType, _ := cmd.Flags().GetString("scope-type")
			scopeID, _ := cmd.Flags().GetString("scope-id")
			id, err := engine.CreateWorkflow(args[0], models.WorkflowType(wfType), scopeType, scopeID)
			if err != nil {
				fail("failed to create workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d\n", args[0], id)
		},
	}
	createCmd.Flags().String("type", string(models.TournamentWorkflow), "Workflow type (custom, tournament, two_stage)")
	createCmd.Flags().String("scope-type", scope.SectorScope, "Scope type (sector, patent_list, all)")
	createCmd.Flags().String("scope-id", "", "Scope identifier")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			workflows, err := engine.ListWorkflows()
			if err != nil {
				fail("failed to list workflows: %v", err)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Type: %s, Status: %s, Created: %s\n",
					wf.ID, wf.Name, wf.WorkflowType, wf.Status, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a workflow with its job progress",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			detail, err := engine.GetWorkflowDetail(parseID(args[0]))
			if err != nil {
				fail("failed to get workflow: %v", err)
			}
			wf := detail.Workflow
			p := detail.Progress
			fmt.Fprintf(os.Stdout, "Workflow %d '%s' (%s) status=%s\n", wf.ID, wf.Name, wf.WorkflowType, wf.Status)
			fmt.Fprintf(os.Stdout, "Jobs: %d total (%d pending, %d running, %d complete, %d error, %d cancelled)\n",
				p.Total(), p.Pending, p.Running, p.Complete, p.Error, p.Cancelled)
			for _, j := range detail.Jobs {
				fmt.Fprintf(os.Stdout, "- [r%d c%d] %s %s status=%s deps=%d\n",
					j.RoundNumber, j.ClusterIndex, j.ID, j.TemplateID, j.Status, len(j.DependsOnIDs))
			}
		},
	}

	planCmd := &cobra.Command{
		Use:   "plan [id] [config.yaml]",
		Short: "Plan a workflow's job DAG from a factory config file",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			id := parseID(args[0])
			wf, err := engine.GetWorkflow(id)
			if err != nil {
				fail("failed to get workflow: %v", err)
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				fail("failed to read config: %v", err)
			}
			var ids []string
			switch wf.WorkflowType {
			case models.TournamentWorkflow:
				var cfg models.TournamentConfig
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					fail("failed to parse tournament config: %v", err)
				}
				ids, err = engine.PlanTournament(context.Background(), id, cfg)
			case models.TwoStageWorkflow:
				var cfg models.TwoStageConfig
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					fail("failed to parse two-stage config: %v", err)
				}
				ids, err = engine.PlanTwoStage(context.Background(), id, cfg)
			default:
				fail("workflow %d has type %s; plan it through the custom API", id, wf.WorkflowType)
			}
			if err != nil {
				fail("planning failed: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Planned %d jobs for workflow %d\n", len(ids), id)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Execute a workflow to completion",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			id := parseID(args[0])
			if err := engine.ExecuteWorkflow(context.Background(), id); err != nil {
				fail("execution failed: %v", err)
			}
			wf, err := engine.GetWorkflow(id)
			if err != nil {
				fail("failed to get workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Workflow %d finished with status %s\n", id, wf.Status)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a workflow and its unfinished jobs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			if err := engine.CancelWorkflow(parseID(args[0])); err != nil {
				fail("failed to cancel workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Cancelled workflow %s\n", args[0])
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry-job [job-id]",
		Short: "Reset a failed job so the next run picks it up",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			engine, cleanup := engineFromFlags(cmd)
			defer cleanup()
			if err := engine.RetryJob(args[0]); err != nil {
				fail("failed to retry job: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Job %s reset to PENDING\n", args[0])
		},
	}

	rootCmd.AddCommand(createCmd, listCmd, getCmd, planCmd, runCmd, cancelCmd, retryCmd)
}

// NewEngine wires the engine against Postgres and the configured
// generative endpoint. Shared by the CLI commands and the serve command.
func NewEngine(dbConnStr, templatesFile, llmBaseURL, llmAPIKey string, cfg service.Config) (*service.Engine, func(), error) {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlx.Open("postgres", dbConnStr)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	scopes := scope.NewPostgresScope(db)

	templates := prompt.DefaultRegistry()
	if templatesFile != "" {
		if err := templates.LoadFile(templatesFile); err != nil {
			store.Close()
			db.Close()
			return nil, nil, err
		}
	}

	client := llm.NewHTTPClient(llmBaseURL, llmAPIKey)
	engine := service.NewEngine(store, scopes, scopes, templates, client, log.GetLogger(), cfg)
	cleanup := func() {
		store.Close()
		db.Close()
	}
	return engine, cleanup, nil
}

func engineFromFlags(cmd *cobra.Command) (*service.Engine, func()) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		fail("error retrieving db flag: %v", err)
	}
	templatesFile, _ := cmd.Flags().GetString("templates")
	engine, cleanup, err := NewEngine(dbConnStr, templatesFile,
		envDefault("LLM_BASE_URL", "https://api.openai.com"), os.Getenv("LLM_API_KEY"),
		service.DefaultConfig())
	if err != nil {
		fail("failed to initialize engine: %v", err)
	}
	return engine, cleanup
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fail("error parsing id as number: %v", err)
	}
	return id
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
