package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-gate/agentgate-go/internal/session"
)

var (
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Session token operations",
	}

	sessionMintCmd = &cobra.Command{
		Use:   "mint",
		Short: "Mint a session token for an agent chat session",
		RunE:  runSessionMint,
	}

	mintSessionID string
	mintTTL       time.Duration
)

// GetSessionCommand returns the session command tree.
func GetSessionCommand() *cobra.Command {
	return sessionCmd
}

func init() {
	sessionMintCmd.Flags().StringVar(&mintSessionID, "session-id", "", "Session identifier to embed in the token (required)")
	sessionMintCmd.Flags().DurationVar(&mintTTL, "ttl", 0, "Token lifetime (default: configured session TTL)")
	_ = sessionMintCmd.MarkFlagRequired("session-id")
	sessionCmd.AddCommand(sessionMintCmd)
}

func runSessionMint(_ *cobra.Command, _ []string) error {
	cfg, err := loadBrokerConfig()
	if err != nil {
		return err
	}

	mgr, err := session.NewManager(cfg.Session.SigningKey, cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("session manager: %w (set SESSION_SIGNING_KEY)", err)
	}

	var token string
	if mintTTL > 0 {
		token, err = mgr.MintWithTTL(mintSessionID, mintTTL)
	} else {
		token, err = mgr.Mint(mintSessionID)
	}
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
