package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Docfold-Labs/docfold/internal/config"
)

// newTemplatesCommand creates the templates subcommand
func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List available artifact templates",
		Long:  `List the artifact kinds docfold can generate, with the sections each template produces.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			registry, err := loadTemplates(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, kind := range registry.Kinds() {
				def, ok := registry.Get(kind)
				if !ok {
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", kind, def.Title)
				for _, section := range def.Sections {
					fmt.Fprintf(out, "  - %s: %s\n", section.ID, section.Title)
				}
			}
			return nil
		},
	}
}
