package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotclawhq/dotclaw/internal/bootstrap"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/paths"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data root and seed default configuration",
		Long: "Creates the full state tree under the data root and writes default\n" +
			"config files. Idempotent: existing files and directories are left\n" +
			"untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	layout, err := paths.Resolve()
	if err != nil {
		return err
	}
	if err := layout.EnsureAll(); err != nil {
		return err
	}

	if _, err := os.Stat(layout.RuntimeConfig()); os.IsNotExist(err) {
		if err := config.Save(layout.RuntimeConfig(), config.Default()); err != nil {
			return fmt.Errorf("write runtime config: %w", err)
		}
		fmt.Println("wrote", layout.RuntimeConfig())
	}

	docs, err := config.LoadDocs(layout.ConfigDir())
	if err != nil {
		return err
	}
	if err := docs.SaveAll(); err != nil {
		return fmt.Errorf("write config documents: %w", err)
	}

	if _, err := bootstrap.SeedGroupFiles(layout.GroupDir("global")); err != nil {
		return fmt.Errorf("seed global group: %w", err)
	}

	fmt.Println("data root ready at", layout.Root)
	fmt.Println("next: `dotclaw bootstrap` to configure tokens, then `dotclaw start`")
	return nil
}
