package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/dotclawhq/dotclaw/internal/bootstrap"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/paths"
)

func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Interactive first-run setup",
		Long: "Walks through tokens, model choice and main group registration,\n" +
			"then writes .env and the config files. Safe to re-run; existing\n" +
			"values are offered as defaults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap()
		},
	}
}

func runBootstrap() error {
	layout, err := paths.Resolve()
	if err != nil {
		return err
	}
	if err := layout.EnsureAll(); err != nil {
		return err
	}
	if err := config.LoadEnvFile(layout.EnvFile()); err != nil {
		return err
	}

	telegramToken := os.Getenv("DOTCLAW_TELEGRAM_TOKEN")
	discordToken := os.Getenv("DOTCLAW_DISCORD_TOKEN")
	openRouterKey := os.Getenv("OPENROUTER_API_KEY")
	braveKey := os.Getenv("BRAVE_SEARCH_API_KEY")
	model := config.DefaultModelConfig().Active
	var mainChat, mainName string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to skip Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to skip Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewInput().
				Title("OpenRouter API key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("required, the agent cannot run without it")
					}
					return nil
				}).
				Value(&openRouterKey),
			huh.NewInput().
				Title("Brave Search API key").
				Description("Optional, enables web search inside the sandbox.").
				EchoMode(huh.EchoModePassword).
				Value(&braveKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default model").
				Description("Any OpenRouter model id.").
				Value(&model),
			huh.NewInput().
				Title("Main group chat id").
				Description("Prefixed, e.g. telegram:-1001234 or discord:9876. Empty to skip.").
				Value(&mainChat),
			huh.NewInput().
				Title("Main group name").
				Placeholder("Home").
				Value(&mainName),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if err := writeEnvFile(layout.EnvFile(), map[string]string{
		"DOTCLAW_TELEGRAM_TOKEN": strings.TrimSpace(telegramToken),
		"DOTCLAW_DISCORD_TOKEN":  strings.TrimSpace(discordToken),
		"OPENROUTER_API_KEY":     strings.TrimSpace(openRouterKey),
		"BRAVE_SEARCH_API_KEY":   strings.TrimSpace(braveKey),
	}); err != nil {
		return err
	}
	fmt.Println("wrote", layout.EnvFile())

	if _, err := os.Stat(layout.RuntimeConfig()); os.IsNotExist(err) {
		if err := config.Save(layout.RuntimeConfig(), config.Default()); err != nil {
			return fmt.Errorf("write runtime config: %w", err)
		}
	}
	docs, err := config.LoadDocs(layout.ConfigDir())
	if err != nil {
		return err
	}
	if err := docs.SetActiveModel(strings.TrimSpace(model)); err != nil {
		return err
	}
	if err := docs.SaveAll(); err != nil {
		return fmt.Errorf("write config documents: %w", err)
	}

	if mainChat = strings.TrimSpace(mainChat); mainChat != "" {
		registry, err := groups.Load(layout.RegisteredGroups())
		if err != nil {
			return err
		}
		if mainName == "" {
			mainName = "Main"
		}
		if _, ok := registry.ByChat(mainChat); !ok {
			if err := registry.Register(groups.Group{ChatID: mainChat, Name: mainName, Folder: "main"}); err != nil {
				return fmt.Errorf("register main group: %w", err)
			}
			if err := layout.EnsureGroup("main"); err != nil {
				return err
			}
			if _, err := bootstrap.SeedGroupFiles(layout.GroupDir("main")); err != nil {
				return err
			}
			fmt.Println("registered main group", mainChat)
		}
	}

	fmt.Println("bootstrap complete; run `dotclaw doctor` to verify, then `dotclaw start`")
	return nil
}

// writeEnvFile writes KEY=VALUE lines for every non-empty value, mode 0600.
// Empty values preserve any line already present in the file.
func writeEnvFile(path string, values map[string]string) error {
	existing := map[string]string{}
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if ok && key != "" {
				existing[key] = value
			}
		}
	}
	for key, value := range values {
		if value != "" {
			existing[key] = value
		}
	}

	var b strings.Builder
	for _, key := range []string{
		"DOTCLAW_TELEGRAM_TOKEN", "DOTCLAW_DISCORD_TOKEN",
		"OPENROUTER_API_KEY", "BRAVE_SEARCH_API_KEY",
	} {
		if v, ok := existing[key]; ok && v != "" {
			fmt.Fprintf(&b, "%s=%s\n", key, v)
		}
	}
	for key, value := range existing {
		switch key {
		case "DOTCLAW_TELEGRAM_TOKEN", "DOTCLAW_DISCORD_TOKEN", "OPENROUTER_API_KEY", "BRAVE_SEARCH_API_KEY":
		default:
			if value != "" {
				fmt.Fprintf(&b, "%s=%s\n", key, value)
			}
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}
