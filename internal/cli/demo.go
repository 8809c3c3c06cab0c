package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncd/internal/connector"
	"github.com/roach88/syncd/internal/engine"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/resolve"
	"github.com/roach88/syncd/internal/schema"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/validate"
)

// demoSchema is the contact schema the demo syncs.
const demoSchema = `package syncd

entity: contact: {
	priority: fields: email: ["mailer", "crm"]

	fields: {
		email: {type: "string", rules: ["trim", "lowercase", "email"]}
		name: {type: "string", rules: ["nfc"]}
		stage: {type: "enum", values: ["lead", "customer"]}
	}
}
`

// DemoResult is the output of the demo command.
type DemoResult struct {
	Reports []ir.Report          `json:"reports"`
	Crm     map[string]ir.Fields `json:"crm"`
	Mailer  map[string]ir.Fields `json:"mailer"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Sync two in-memory systems and show each step",
		Long: `Run a self-contained sync between two in-memory connectors, "crm" and
"mailer", against a throwaway store.

The first run propagates new contacts both ways and repairs an
untidy email. The second run edits the same email on both sides; the
schema prefers the mailer for email, so its value wins and the conflict
is logged. No config file is needed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(rootOpts, cmd)
		},
	}
}

func runDemo(opts *RootOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	dir, err := os.MkdirTemp("", "syncd-demo-*")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create temp dir", err)
	}
	defer os.RemoveAll(dir)

	schemas, err := schema.CompileSource("demo.cue", demoSchema, knownRules())
	if err != nil {
		return WrapExitError(ExitCommandError, "demo schema", err)
	}
	rules, err := validate.SchemaRules(schemas, validate.Builtins())
	if err != nil {
		return WrapExitError(ExitCommandError, "demo rules", err)
	}

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	crm := connector.NewMemory("crm")
	mailer := connector.NewMemory("mailer")
	orch, err := engine.New(st, []connector.Connector{crm, mailer},
		validate.New(schemas, rules), resolve.New(mergePriorities(schemas, nil)),
		engine.WithLockDir(filepath.Join(dir, "locks")),
		engine.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	now := time.Now().UTC()
	contact := func(id string, fields ir.Fields) ir.ChangeRecord {
		return ir.ChangeRecord{EntityID: id, EntityType: "contact", Fields: fields, ObservedAt: now}
	}

	crm.Seed(
		contact("c1", ir.Fields{"email": ir.String("  Ada@Example.com "), "name": ir.String("Ada"), "stage": ir.String("lead")}),
		contact("c2", ir.Fields{"email": ir.String("grace@example.com"), "name": ir.String("Grace")}),
	)
	mailer.Seed(contact("c3", ir.Fields{"email": ir.String("linus@example.com"), "name": ir.String("Linus")}))

	var result DemoResult
	first, err := orch.Run(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "demo run failed", err)
	}
	result.Reports = append(result.Reports, first)

	now = now.Add(time.Second)
	crm.Seed(contact("c1", ir.Fields{"email": ir.String("ada@crm.example.com")}))
	mailer.Seed(contact("c1", ir.Fields{"email": ir.String("ada@mail.example.com"), "stage": ir.String("customer")}))
	second, err := orch.Run(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "demo run failed", err)
	}
	result.Reports = append(result.Reports, second)

	result.Crm = holdings(crm)
	result.Mailer = holdings(mailer)

	return formatterFor(opts, cmd).Emit(result, func(w io.Writer) {
		for i, r := range result.Reports {
			fmt.Fprintf(w, "Run %d\n", i+1)
			writeReport(w, r)
			fmt.Fprintln(w)
		}
		writeHoldings(w, "crm", result.Crm)
		writeHoldings(w, "mailer", result.Mailer)
	})
}

func holdings(m *connector.Memory) map[string]ir.Fields {
	out := make(map[string]ir.Fields)
	for _, id := range m.Entities() {
		if fields, ok := m.State(id); ok {
			out[id] = fields
		}
	}
	return out
}

func writeHoldings(w io.Writer, name string, held map[string]ir.Fields) {
	fmt.Fprintf(w, "%s holds:\n", name)
	for _, id := range sortedNames(held) {
		fmt.Fprintf(w, "  %s", id)
		for _, k := range held[id].SortedKeys() {
			fmt.Fprintf(w, " %s=%s", k, ir.FormatValue(held[id][k]))
		}
		fmt.Fprintln(w)
	}
}
