// Package cli is the stepflow command tree. A binary registers its flows and
// calls NewRootCommand; the commands compile, inspect and serve them.
package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/pkg/api"
)

// Registry holds the flows a binary knows about, keyed by slug.
type Registry struct {
	flows map[string]*api.Flow
}

// NewRegistry registers flows. A slug registered twice is rejected.
func NewRegistry(flows ...*api.Flow) (*Registry, error) {
	r := &Registry{flows: make(map[string]*api.Flow, len(flows))}
	for _, f := range flows {
		if _, dup := r.flows[f.Slug()]; dup {
			return nil, api.NewValidationError(f.Slug(), "flow '%s' registered twice", f.Slug())
		}
		r.flows[f.Slug()] = f
	}
	return r, nil
}

// Get returns the flow named slug.
func (r *Registry) Get(slug string) (*api.Flow, error) {
	f, ok := r.flows[slug]
	if !ok {
		return nil, &api.NotFoundError{Kind: "flow", Key: slug}
	}
	return f, nil
}

// Slugs lists the registered flows in sorted order.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.flows))
	for slug := range r.flows {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// All returns the registered flows sorted by slug.
func (r *Registry) All() []*api.Flow {
	out := make([]*api.Flow, 0, len(r.flows))
	for _, slug := range r.Slugs() {
		out = append(out, r.flows[slug])
	}
	return out
}

// NewRootCommand builds the command tree for the flows in reg.
func NewRootCommand(reg *Registry) *cobra.Command {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Compile, inspect and run stepflow flows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newListCommand(reg),
		newCompileCommand(reg),
		newShapeCommand(reg),
		newWorkerCommand(reg),
		newStartCommand(reg),
	)
	return root
}

func newListCommand(reg *Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, slug := range reg.Slugs() {
				fmt.Fprintln(cmd.OutOrStdout(), slug)
			}
			return nil
		},
	}
}

func newCompileCommand(reg *Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <flow>",
		Short: "Print the SQL statements that register a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			stmts, err := api.CompileSQL(flow)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(stmts, "\n"))
			return nil
		},
	}
}

func newShapeCommand(reg *Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "shape <flow>",
		Short: "Print the shape used for drift detection as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(api.ExtractShape(flow))
		},
	}
}
