// Command orchestratectl is the operator CLI for the orchestration
// platform: enqueue workflow runs, inspect run state, and verify the audit
// chain's signature integrity.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/relaykit/orchestrate/config"
	"github.com/relaykit/orchestrate/internal/approval"
	"github.com/relaykit/orchestrate/internal/audit"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/queue"
	"github.com/relaykit/orchestrate/internal/queue/memqueue"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/internal/workflow"
)

type CLI struct {
	EnqueueRun  EnqueueRunCmd  `cmd:"" name:"enqueue-run" help:"Create a workflow run and enqueue it."`
	InspectRun  InspectRunCmd  `cmd:"" name:"inspect-run" help:"Print a workflow run's current state."`
	VerifyAudit VerifyAuditCmd `cmd:"" name:"verify-audit" help:"Verify the audit chain's signatures for a run."`
	Approval    ApprovalCmd    `cmd:"" name:"approval" help:"Inspect or respond to a pending approval gate."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"orchestrate.yaml"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("orchestratectl"), kong.Description("Operator CLI for the orchestration platform."))
	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}

func openStore(cli *CLI) (*store.Store, *config.Config, error) {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.SetDefaults()

	driver := "sqlite3"
	switch cfg.Store.Dialect {
	case config.DialectPostgres:
		driver = "postgres"
	case config.DialectMySQL:
		driver = "mysql"
	}
	st, err := store.Open(driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

// EnqueueRunCmd creates a workflow run record and publishes it to the queue
// backend, exactly as the HTTP API's create-run endpoint does.
type EnqueueRunCmd struct {
	WorkflowName string `required:"" help:"Workflow name for the run."`
	DefinitionFile string `required:"" name:"definition-file" help:"Path to a JSON workflow definition."`
	InputFile    string `name:"input-file" help:"Path to a JSON input document (optional)."`
	User         string `help:"User UUID credited with the run." default:"operator"`
}

func (c *EnqueueRunCmd) Run(cli *CLI) error {
	st, cfg, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	defBytes, err := os.ReadFile(c.DefinitionFile)
	if err != nil {
		return fmt.Errorf("read definition file: %w", err)
	}
	var def store.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return fmt.Errorf("parse definition file: %w", err)
	}

	input := map[string]any{}
	if c.InputFile != "" {
		inBytes, err := os.ReadFile(c.InputFile)
		if err != nil {
			return fmt.Errorf("read input file: %w", err)
		}
		if err := json.Unmarshal(inBytes, &input); err != nil {
			return fmt.Errorf("parse input file: %w", err)
		}
	}

	run := &store.WorkflowRun{
		RunID:        uuid.NewString(),
		UserUUID:     c.User,
		WorkflowName: c.WorkflowName,
		Definition:   def,
		Input:        input,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateWorkflowRun(context.Background(), run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	broker, closeBroker, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	if err := workflow.Enqueue(context.Background(), broker, run.RunID); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}

	fmt.Println(run.RunID)
	return nil
}

func openQueue(cfg *config.Config) (queue.Broker, func(), error) {
	if cfg.Queue.Backend != config.QueueBackendEtcd {
		return memqueue.New(cfg.Queue.LeaseTTL), func() {}, nil
	}
	return nil, nil, fmt.Errorf("etcd queue backend requires the orchestrate server process; operate via its API instead")
}

// InspectRunCmd prints a workflow run's stored state as JSON.
type InspectRunCmd struct {
	RunID string `arg:"" help:"Run ID to inspect."`
}

func (c *InspectRunCmd) Run(cli *CLI) error {
	st, _, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetWorkflowRun(context.Background(), c.RunID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	out, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// VerifyAuditCmd checks the audit chain for a run against the configured
// public key, reporting valid/invalid/unsigned per record.
type VerifyAuditCmd struct {
	RunID string `arg:"" help:"Run ID whose audit chain to verify."`
}

func (c *VerifyAuditCmd) Run(cli *CLI) error {
	st, cfg, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Audit.PublicKeyPath == "" {
		return fmt.Errorf("audit.public_key_path is not configured")
	}
	pubPEM, err := os.ReadFile(cfg.Audit.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	signer, err := audit.LoadPublicKey(cfg.Audit.SignerID, pubPEM)
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}

	records, err := st.AuditRecordsForRun(context.Background(), c.RunID)
	if err != nil {
		return fmt.Errorf("load audit records: %w", err)
	}

	statuses, err := signer.VerifyChain(records)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	for _, r := range records {
		fmt.Printf("%s  stage=%-20s action=%-10s status=%s\n", r.AuditUUID, r.StageID, r.Action, statuses[r.AuditUUID])
	}
	return nil
}

// ApprovalCmd prints a pending approval gate and, when the decision isn't
// given on the command line, prompts for one interactively — but only when
// stdin is a terminal. Piped/scripted invocations must pass --decision
// explicitly, since there is no one to prompt.
type ApprovalCmd struct {
	GateID    string `arg:"" help:"Approval gate UUID."`
	Responder string `required:"" help:"User UUID recording the decision."`
	Decision  string `help:"approve or reject. Prompted for interactively if omitted and stdin is a terminal."`
	Note      string `help:"Optional note attached to the response."`
}

func (c *ApprovalCmd) Run(cli *CLI) error {
	st, _, err := openStore(cli)
	if err != nil {
		return err
	}
	defer st.Close()

	gate, err := st.GetApprovalGate(context.Background(), c.GateID)
	if err != nil {
		return fmt.Errorf("get approval gate: %w", err)
	}
	printApprovalGate(gate)

	if gate.Status != store.ApprovalPending {
		fmt.Printf("gate %s already has a response (%s)\n", gate.GateUUID, gate.Status)
		return nil
	}

	decision := strings.ToLower(strings.TrimSpace(c.Decision))
	if decision == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Printf("gate %s is pending; rerun with --decision approve|reject to respond\n", gate.GateUUID)
			return nil
		}
		decision = promptForDecision()
	}

	approve, err := parseDecision(decision)
	if err != nil {
		return err
	}

	b := bus.New(nil)
	gates := approval.New(st, b, nil)
	updated, err := gates.Respond(context.Background(), c.GateID, c.Responder, approve, c.Note)
	if err != nil {
		return fmt.Errorf("respond to approval gate: %w", err)
	}
	fmt.Printf("gate %s recorded as %s\n", updated.GateUUID, updated.Status)
	return nil
}

func printApprovalGate(g *store.ApprovalGate) {
	fmt.Printf("gate:      %s\n", g.GateUUID)
	fmt.Printf("title:     %s\n", g.Title)
	fmt.Printf("status:    %s\n", g.Status)
	if len(g.Approvers) > 0 {
		fmt.Printf("approvers: %s\n", strings.Join(g.Approvers, ", "))
	}
	if g.ExpiresAt != nil {
		fmt.Printf("expires:   %s\n", g.ExpiresAt.Format(time.RFC3339))
	}
}

// promptForDecision reads approve/reject from stdin, reprompting on
// unrecognized input. Only called once term.IsTerminal has confirmed stdin
// is interactive.
func promptForDecision() string {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("approve or reject? (approve/reject/a/r): ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return "reject"
		}
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "approve", "a":
			return "approve"
		case "reject", "r":
			return "reject"
		default:
			fmt.Println("please enter 'approve' or 'reject' (or 'a'/'r')")
		}
	}
}

func parseDecision(decision string) (bool, error) {
	switch decision {
	case "approve", "a":
		return true, nil
	case "reject", "deny", "r", "d":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized decision %q: want approve or reject", decision)
	}
}
