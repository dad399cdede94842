package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/pkg/client"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	hubURL  string
	apiKey  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "admp",
	Short: "Agent Dispatch Messaging Protocol CLI",
	Long: `admp is the operator command line for an ADMP hub.

It generates agent keypairs, registers agents, and exchanges signed
envelopes through a hub's inbox API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.admp")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if hubURL == "" {
			hubURL = viper.GetString("hub_url")
		}
		if hubURL == "" {
			hubURL = "http://localhost:8080"
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.admp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "", "hub base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key presented as a bearer credential")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if apiKey != "" {
		opts = append(opts, client.WithCredential(apiKey))
	}
	return client.New(hubURL, opts...)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 keypair for import-mode registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := identity.GenerateKeypair()
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}
		return printJSON(map[string]string{
			"public_key":  kp.PublicBase64(),
			"private_key": kp.PrivateBase64(),
			"did":         identity.DID(kp.Public),
		})
	},
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	registerType      string
	registerMode      string
	registerPublicKey string
	registerSeed      string
	registerTenant    string
	registerWebhook   string
)

var registerCmd = &cobra.Command{
	Use:   "register <agent-id>",
	Short: "Register an agent on the hub",
	Long: `Register creates an agent. With no flags the hub generates a keypair
and returns the private key once; pass --public-key to import your own key
(see "admp keygen"), or --seed and --tenant for deterministic derivation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		resp, err := newClient().Register(ctx, &client.RegisterRequest{
			AgentID:    args[0],
			Type:       registerType,
			Mode:       registerMode,
			PublicKey:  registerPublicKey,
			Seed:       registerSeed,
			TenantID:   registerTenant,
			WebhookURL: registerWebhook,
		})
		if err != nil {
			return err
		}
		if resp.PrivateKey != "" {
			fmt.Fprintln(os.Stderr, "private key is shown once; store it now")
		}
		return printJSON(resp)
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerType, "type", "", "agent type label")
	registerCmd.Flags().StringVar(&registerMode, "mode", "", "registration mode: legacy, seed, or import")
	registerCmd.Flags().StringVar(&registerPublicKey, "public-key", "", "base64 Ed25519 public key (import mode)")
	registerCmd.Flags().StringVar(&registerSeed, "seed", "", "base64 master seed (seed mode)")
	registerCmd.Flags().StringVar(&registerTenant, "tenant", "", "tenant id (seed mode)")
	registerCmd.Flags().StringVar(&registerWebhook, "webhook", "", "webhook URL for push delivery")
}

// ── send ─────────────────────────────────────────────────────────────────────

var (
	sendFrom    string
	sendType    string
	sendSubject string
	sendBody    string
	sendKey     string
	sendReplyTo string
	sendTTL     int64
)

var sendCmd = &cobra.Command{
	Use:   "send <recipient-agent-id>",
	Short: "Send an envelope to an agent's inbox",
	Long: `Send builds a versioned envelope, optionally signs it with --key, and
posts it to the recipient's inbox:

  admp send agent://worker --from agent://cli --subject task \
      --body '{"op":"summarize"}' --key "$(cat private.key)"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := sendBody
		if body == "" {
			body = "{}"
		}
		if !json.Valid([]byte(body)) {
			return fmt.Errorf("--body is not valid JSON")
		}

		env := &envelope.Envelope{
			Version:   envelope.Version,
			ID:        uuid.NewString(),
			Type:      sendType,
			From:      sendFrom,
			To:        args[0],
			Subject:   sendSubject,
			Body:      json.RawMessage(body),
			Timestamp: envelope.Now(),
			ReplyTo:   sendReplyTo,
			TTLSec:    envelope.TTL(sendTTL),
		}
		if sendKey != "" {
			priv, err := identity.ParsePrivateKey(sendKey)
			if err != nil {
				return fmt.Errorf("parse --key: %w", err)
			}
			if err := env.Sign(priv, sendFrom); err != nil {
				return fmt.Errorf("sign envelope: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		res, err := newClient().Send(ctx, env)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sender agent id (required)")
	sendCmd.Flags().StringVar(&sendType, "type", "task.request", "envelope type")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "envelope subject")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "JSON body (default {})")
	sendCmd.Flags().StringVar(&sendKey, "key", "", "base64 Ed25519 private key; signs the envelope when set")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "reply_to envelope id")
	sendCmd.Flags().Int64Var(&sendTTL, "ttl", 0, "envelope TTL in seconds; 0 uses the hub default")
	_ = sendCmd.MarkFlagRequired("from")
}

// ── pull ─────────────────────────────────────────────────────────────────────

var pullVisibility int64

var pullCmd = &cobra.Command{
	Use:   "pull <agent-id>",
	Short: "Lease the next queued message from an agent's inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msg, err := newClient().Pull(ctx, args[0], pullVisibility)
		if err != nil {
			return err
		}
		if msg == nil {
			fmt.Fprintln(os.Stderr, "inbox is empty")
			return nil
		}
		return printJSON(msg)
	},
}

func init() {
	pullCmd.Flags().Int64Var(&pullVisibility, "visibility", 0, "lease duration in seconds; 0 uses the hub default")
}

// ── ack ──────────────────────────────────────────────────────────────────────

var ackResult string

var ackCmd = &cobra.Command{
	Use:   "ack <agent-id> <message-id>",
	Short: "Acknowledge a leased message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result json.RawMessage
		if ackResult != "" {
			if !json.Valid([]byte(ackResult)) {
				return fmt.Errorf("--result is not valid JSON")
			}
			result = json.RawMessage(ackResult)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := newClient().Ack(ctx, args[0], args[1], result); err != nil {
			return err
		}
		fmt.Println("acked", args[1])
		return nil
	},
}

func init() {
	ackCmd.Flags().StringVar(&ackResult, "result", "", "JSON result payload stored with the ack")
}

// ── heartbeat ────────────────────────────────────────────────────────────────

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <agent-id>",
	Short: "Report liveness for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := newClient().Heartbeat(ctx, args[0], nil); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
