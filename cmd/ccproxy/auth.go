package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ccproxy-hq/ccproxy/pkg/auth"
	claudeauth "ccproxy-hq/ccproxy/pkg/auth/claude"
	codexauth "ccproxy-hq/ccproxy/pkg/auth/codex"
	copilotauth "ccproxy-hq/ccproxy/pkg/auth/copilot"
	"ccproxy-hq/ccproxy/pkg/config"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider credentials",
}

var authLoginCmd = &cobra.Command{
	Use:       "login <provider>",
	Short:     "Authenticate against a provider",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"claude", "codex", "copilot"},
	RunE:      runAuthLogin,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored credential state for every provider",
	RunE:  runAuthStatus,
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func credentialsPath(cfg *config.Config, provider string) string {
	return cfg.Providers[provider].CredentialsPath
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	switch args[0] {
	case "claude":
		return loginClaude(cmd, cfg)
	case "copilot":
		return loginCopilot(cmd, cfg)
	case "codex":
		fmt.Println("Codex credentials are managed by the Codex CLI.")
		fmt.Println("Run `codex login` and ccproxy will pick up its auth.json automatically.")
		return nil
	default:
		return fmt.Errorf("unknown provider %q", args[0])
	}
}

// loginClaude runs the PKCE authorization-code flow: the user opens the URL,
// approves, and pastes the code back.
func loginClaude(cmd *cobra.Command, cfg *config.Config) error {
	manager := claudeauth.NewManager(credentialsPath(cfg, "claude"))
	defer manager.Close()

	url, verifier := manager.AuthorizeURL()
	fmt.Println("Open this URL in your browser and authorize ccproxy:")
	fmt.Println()
	fmt.Println("  " + url)
	fmt.Println()
	fmt.Print("Paste the authorization code: ")

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no authorization code entered")
	}

	if err := manager.ExchangeCode(cmd.Context(), code, verifier); err != nil {
		return err
	}
	fmt.Println("✓ Claude credentials stored")
	return nil
}

// loginCopilot runs the GitHub device-code flow and stores the long-lived
// OAuth token; the short-lived service token is exchanged on first use.
func loginCopilot(cmd *cobra.Command, cfg *config.Config) error {
	manager := copilotauth.NewManager(credentialsPath(cfg, "copilot"))
	defer manager.Close()

	flow := manager.DeviceFlowConfig()
	da, err := auth.StartDeviceFlow(cmd.Context(), http.DefaultClient, flow)
	if err != nil {
		return err
	}

	fmt.Printf("Open %s and enter the code: %s\n", da.VerificationURI, da.UserCode)
	fmt.Println("Waiting for authorization...")

	tok, err := auth.PollForToken(cmd.Context(), http.DefaultClient, flow, da)
	if err != nil {
		return err
	}
	if err := manager.StoreOAuthToken(tok.AccessToken); err != nil {
		return err
	}
	fmt.Println("✓ Copilot credentials stored")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	managers := []auth.Manager{
		claudeauth.NewManager(credentialsPath(cfg, "claude")),
		codexauth.NewManager(credentialsPath(cfg, "codex")),
		copilotauth.NewManager(credentialsPath(cfg, "copilot")),
	}

	for _, m := range managers {
		printStatus(cmd, m)
		if closer, ok := m.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	return nil
}

func printStatus(cmd *cobra.Command, m auth.Manager) {
	snap, err := m.Snapshot()
	if err != nil {
		fmt.Printf("%-10s not authenticated (%v)\n", m.Provider(), err)
		return
	}

	state := "valid"
	if snap.Expired(time.Now()) {
		state = "expired"
	}
	line := fmt.Sprintf("%-10s %s", m.Provider(), state)
	if snap.ExpiresAt != nil {
		line += " (expires " + snap.ExpiresAt.Format(time.RFC3339) + ")"
	}
	if profile, err := m.Profile(cmd.Context()); err == nil && profile.Plan != "" {
		line += " plan=" + profile.Plan
	}
	fmt.Println(line)
}
