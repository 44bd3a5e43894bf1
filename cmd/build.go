package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/paths"
)

func buildCmd() *cobra.Command {
	var (
		tag        string
		contextDir string
		dockerfile string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the agent container image",
		Long: "Runs `docker build` for the sandbox image with streamed output.\n" +
			"The default tag comes from container.image in the runtime config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tag == "" {
				layout, err := paths.Resolve()
				if err != nil {
					return err
				}
				cfgPath := cfgFile
				if cfgPath == "" {
					cfgPath = layout.RuntimeConfig()
				}
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				tag = cfg.Container.Image
			}
			return runBuild(tag, contextDir, dockerfile)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "image tag (default: container.image from config)")
	cmd.Flags().StringVar(&contextDir, "context", ".", "docker build context directory")
	cmd.Flags().StringVar(&dockerfile, "file", "", "Dockerfile path (default: <context>/Dockerfile)")
	return cmd
}

func runBuild(tag, contextDir, dockerfile string) error {
	args := []string{"build", "-t", tag}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	args = append(args, contextDir)

	fmt.Println("docker", strings.Join(args, " "))
	build := exec.Command("docker", args...)
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	build.Stdin = os.Stdin
	if err := build.Run(); err != nil {
		return fmt.Errorf("docker build: %w", err)
	}
	fmt.Println("built", tag)
	return nil
}
