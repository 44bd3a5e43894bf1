package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the host environment and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

type doctorReport struct {
	failures int
}

func (r *doctorReport) check(name string, err error) {
	if err != nil {
		r.failures++
		fmt.Printf("  ✗ %s: %v\n", name, err)
		return
	}
	fmt.Printf("  ✓ %s\n", name)
}

func (r *doctorReport) info(name, detail string) {
	fmt.Printf("  · %s: %s\n", name, detail)
}

func runDoctor(ctx context.Context) error {
	layout, err := paths.Resolve()
	if err != nil {
		return err
	}
	fmt.Printf("dotclaw doctor (%s)\ndata root: %s\n\n", Version, layout.Root)

	r := &doctorReport{}

	fmt.Println("Configuration")
	r.check("env file", config.LoadEnvFile(layout.EnvFile()))
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = layout.RuntimeConfig()
	}
	cfg, err := config.Load(cfgPath)
	r.check("runtime config parses", err)
	if cfg == nil {
		cfg = config.Default()
	}
	_, err = config.LoadDocs(layout.ConfigDir())
	r.check("config documents parse", err)
	for key, value := range cfg.MaskedSecrets() {
		r.info(key, value)
	}

	fmt.Println("\nState tree")
	for _, dir := range []string{layout.ConfigDir(), layout.DataDir(), layout.StoreDir(), layout.GroupsDir(), layout.TracesDir()} {
		r.check(dir, dirExists(dir))
	}
	r.check("cooldown file readable", readableOrAbsent(layout.CooldownFile()))

	fmt.Println("\nDatabases")
	r.check("messages.db", checkDB(ctx, layout.MessagesDB()))

	fmt.Println("\nDocker")
	checkDocker(ctx, cfg.Container.Image, r)

	if r.failures > 0 {
		return fmt.Errorf("%d check(s) failed", r.failures)
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func dirExists(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	return nil
}

// readableOrAbsent accepts a missing file; cooldowns start empty.
func readableOrAbsent(path string) error {
	_, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// checkDB opens the message store and runs an integrity check.
func checkDB(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // first run, created by start
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.CheckIntegrity(ctx)
}

func checkDocker(ctx context.Context, imageRef string, r *doctorReport) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		r.check("daemon reachable", err)
		return
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = cli.Ping(pingCtx)
	r.check("daemon reachable", err)
	if err != nil {
		return
	}

	images, err := cli.ImageList(pingCtx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRef)),
	})
	if err == nil && len(images) == 0 {
		err = fmt.Errorf("not found, run `dotclaw build`")
	}
	r.check("agent image "+imageRef, err)
}
