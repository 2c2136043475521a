package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nao1215/pipechain/internal/config"
)

//go:embed templates/pipechain.yaml
var definitionTemplate embed.FS

// templatePath is the embedded template's path.
const templatePath = "templates/pipechain.yaml"

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new pipeline definition file",
		Long: `Init creates a pipechain.yaml definition in the current directory.

The generated file includes:
- A small runnable chain
- Commented engine tunables with their defaults
- A commented example of every built-in stage type

Examples:
  # Create pipechain.yaml in current directory
  pipechain init

  # Create the definition at a specific path
  pipechain init -o pipelines/nightly.yaml

  # Force overwrite existing file
  pipechain init -f`,
		Args: cobra.NoArgs,
		RunE: runInitCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultDefinitionFile,
		"Output file path for the definition")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite existing definition file")

	return cmd
}

// runInitCmd executes the init command.
func runInitCmd(cmd *cobra.Command, _ []string) error {
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("definition file already exists: %s (use -f to overwrite)", outputPath)
		}
	}

	content, err := definitionTemplate.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read definition template: %w", err)
	}

	dir := filepath.Dir(outputPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(outputPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write definition file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created definition file: %s\n", outputPath)
	fmt.Fprintln(out, "\nEdit the stages, then run it with:")
	fmt.Fprintf(out, "  pipechain run %s\n", outputPath)

	return nil
}
