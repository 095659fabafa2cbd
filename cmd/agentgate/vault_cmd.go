package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/vault"
	"github.com/agent-gate/agentgate-go/internal/vaultrpc"
)

var (
	vaultCmd = &cobra.Command{
		Use:   "vault",
		Short: "Manage credentials in the encrypted vault",
		Long: `Store, inspect, and remove credentials. When the broker is running the
commands go through its unix socket; otherwise the vault file is opened
directly (VAULT_PASSPHRASE required).`,
	}

	vaultStoreCmd = &cobra.Command{
		Use:   "store <target>",
		Short: "Store or replace the credential for a target host",
		Args:  cobra.ExactArgs(1),
		RunE:  runVaultStore,
	}
	vaultGetCmd = &cobra.Command{
		Use:   "get <target>",
		Short: "Show a stored entry (secret material redacted)",
		Args:  cobra.ExactArgs(1),
		RunE:  runVaultGet,
	}
	vaultListCmd = &cobra.Command{
		Use:   "list",
		Short: "List configured targets and credential types",
		RunE:  runVaultList,
	}
	vaultDeleteCmd = &cobra.Command{
		Use:   "delete <target>",
		Short: "Delete the credential for a target host",
		Args:  cobra.ExactArgs(1),
		RunE:  runVaultDelete,
	}

	vaultProtocol    string
	credType         string
	credToken        string
	credTokenStdin   bool
	credHeader       string
	credUsername     string
	credPassword     string
	credParam        string
	credValue        string
	credAccessToken  string
	credRefreshToken string
	credRefreshURL   string
	credClientID     string
	credLabel        string
	credAllowedPaths []string
	credRateLimit    int
)

// GetVaultCommand returns the vault command tree.
func GetVaultCommand() *cobra.Command {
	return vaultCmd
}

func init() {
	vaultCmd.PersistentFlags().StringVar(&vaultProtocol, "protocol", "http", "Credential protocol namespace")

	f := vaultStoreCmd.Flags()
	f.StringVar(&credType, "type", "bearer", "Credential type (bearer, api-key, basic, query, oauth2, opaque)")
	f.StringVar(&credToken, "token", "", "Token value (bearer, api-key, query)")
	f.BoolVar(&credTokenStdin, "token-stdin", false, "Read the token value from stdin")
	f.StringVar(&credHeader, "header", "", "Header name (api-key)")
	f.StringVar(&credUsername, "username", "", "Username (basic)")
	f.StringVar(&credPassword, "password", "", "Password (basic)")
	f.StringVar(&credParam, "param", "", "Query parameter name (query)")
	f.StringVar(&credValue, "value", "", "Secret value (opaque)")
	f.StringVar(&credAccessToken, "access-token", "", "Access token (oauth2)")
	f.StringVar(&credRefreshToken, "refresh-token", "", "Refresh token (oauth2)")
	f.StringVar(&credRefreshURL, "refresh-url", "", "Token endpoint URL (oauth2)")
	f.StringVar(&credClientID, "client-id", "", "OAuth client ID (oauth2)")
	f.StringVar(&credLabel, "label", "", "Human-readable label")
	f.StringArrayVar(&credAllowedPaths, "allowed-path", nil, "Path regexp the credential may be used for (repeatable)")
	f.IntVar(&credRateLimit, "rate-limit", 0, "Per-credential requests per minute (0 = unlimited)")

	vaultCmd.AddCommand(vaultStoreCmd, vaultGetCmd, vaultListCmd, vaultDeleteCmd)
}

// vaultOps abstracts socket and direct-file access so the subcommands do not
// care which one they got.
type vaultOps interface {
	Store(ctx context.Context, protocol, target string, cred vault.Credential, opts vault.StoreOptions) error
	Get(ctx context.Context, protocol, target string) (*vault.Entry, error)
	List(ctx context.Context, protocol string) ([]vault.ListEntry, error)
	Delete(ctx context.Context, protocol, target string) error
}

// directOps adapts the file store to the socket client's shape.
type directOps struct{ store *vault.Store }

func (d directOps) Store(_ context.Context, protocol, target string, cred vault.Credential, opts vault.StoreOptions) error {
	return d.store.Store(protocol, target, cred, opts)
}
func (d directOps) Get(_ context.Context, protocol, target string) (*vault.Entry, error) {
	return d.store.Get(protocol, target)
}
func (d directOps) List(_ context.Context, protocol string) ([]vault.ListEntry, error) {
	return d.store.List(protocol)
}
func (d directOps) Delete(_ context.Context, protocol, target string) error {
	return d.store.Delete(protocol, target)
}

// openVault prefers the running broker's socket; it falls back to opening
// the vault file directly when no socket is present.
func openVault(ctx context.Context) (vaultOps, error) {
	cfg, err := loadBrokerConfig()
	if err != nil {
		return nil, err
	}

	if _, serr := os.Stat(cfg.Vault.SocketPath); serr == nil {
		client := vaultrpc.NewClient(cfg.Vault.SocketPath)
		if perr := client.Ping(ctx); perr == nil {
			return client, nil
		}
		// Stale socket file from a crashed broker; fall through.
	}

	passphrase, err := vault.ResolvePassphrase(cfg.Vault.Passphrase)
	if err != nil {
		return nil, err
	}
	store, err := vault.NewStore(cfg.Vault.Path, passphrase, zap.NewNop())
	if err != nil {
		return nil, err
	}
	return directOps{store: store}, nil
}

func runVaultStore(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if credTokenStdin {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			credToken = strings.TrimSpace(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read token from stdin: %w", err)
		}
	}

	cred := vault.Credential{
		Type:         vault.CredentialType(credType),
		Token:        credToken,
		Header:       credHeader,
		Username:     credUsername,
		Password:     credPassword,
		Param:        credParam,
		Value:        credValue,
		AccessToken:  credAccessToken,
		RefreshToken: credRefreshToken,
		RefreshURL:   credRefreshURL,
		ClientID:     credClientID,
	}
	if err := cred.Validate(); err != nil {
		return err
	}

	ops, err := openVault(ctx)
	if err != nil {
		return err
	}
	err = ops.Store(ctx, vaultProtocol, args[0], cred, vault.StoreOptions{
		Label:              credLabel,
		AllowedPaths:       credAllowedPaths,
		RateLimitPerMinute: credRateLimit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Stored %s credential for %s:%s\n", credType, vaultProtocol, args[0])
	return nil
}

func runVaultGet(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ops, err := openVault(ctx)
	if err != nil {
		return err
	}
	entry, err := ops.Get(ctx, vaultProtocol, args[0])
	if err != nil {
		return err
	}

	// Only shape and policy leave the vault here.
	out := map[string]interface{}{
		"protocol":   entry.Protocol,
		"target":     entry.Target,
		"type":       entry.Credential.Type,
		"label":      entry.Label,
		"created_at": entry.CreatedAt,
	}
	if len(entry.AllowedPaths) > 0 {
		out["allowed_paths"] = entry.AllowedPaths
	}
	if entry.RateLimitPerMinute > 0 {
		out["rate_limit_per_minute"] = entry.RateLimitPerMinute
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runVaultList(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ops, err := openVault(ctx)
	if err != nil {
		return err
	}
	entries, err := ops.List(ctx, vaultProtocol)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-40s %-8s", e.Target, e.Type)
		if e.Label != "" {
			line += "  " + e.Label
		}
		fmt.Println(line)
	}
	return nil
}

func runVaultDelete(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ops, err := openVault(ctx)
	if err != nil {
		return err
	}
	if err := ops.Delete(ctx, vaultProtocol, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s:%s\n", vaultProtocol, args[0])
	return nil
}
