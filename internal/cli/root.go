// Package cli implements the docfold command line interface: one-shot
// document generation on the root command, plus serve and templates
// subcommands.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Docfold-Labs/docfold/internal/run"
)

const version = "0.1.0"

// Execute runs the CLI
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	var showVersion bool
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "docfold <artifact-kind> [description]",
		Short: "docfold - document runs from product conversations",
		Long: `docfold plans and executes sub-agent pipelines that turn a product
conversation into a structured document: a PRD, a persona set, a story
map, or a prompt.

Examples:
  docfold prd "A budgeting app for freelancers"
  docfold persona "Meal-kit delivery for busy parents" --mode steps
  docfold prd --file brief.md --out prd.md --yes
  docfold serve --port 4180`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			if len(args) < 1 {
				return fmt.Errorf("requires an artifact kind: prd, persona, story-map, or prompt")
			}
			if !run.ValidKind(args[0]) {
				return fmt.Errorf("unsupported artifact kind %q", args[0])
			}
			if len(args) < 2 && opts.fromFile == "" {
				return fmt.Errorf("requires a description (use quotes for multi-word descriptions) or --file")
			}
			switch opts.mode {
			case "", run.ApprovalAuto, run.ApprovalPlan, run.ApprovalSteps:
			default:
				return fmt.Errorf("unsupported approval mode %q", opts.mode)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "docfold version "+version)
				return err
			}
			opts.kind = args[0]
			if len(args) > 1 {
				opts.description = strings.Join(args[1:], " ")
			}
			return runGenerate(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	cmd.Flags().StringVar(&opts.fromFile, "file", "", "Read the product description from a file")
	cmd.Flags().StringSliceVar(&opts.sections, "section", nil, "Generate only the named sections (repeatable)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Approval mode: auto, plan, or steps")
	cmd.Flags().BoolVarP(&opts.approve, "yes", "y", false, "Approve checkpoints without prompting")
	cmd.Flags().StringVarP(&opts.outFile, "out", "o", "", "Write the finished document to a file")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTemplatesCommand())

	return cmd
}
