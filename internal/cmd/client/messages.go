package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rzbill/correlator/internal/protocol"
)

type publishBody struct {
	TenantID       string          `json:"tenantId,omitempty"`
	Name           string          `json:"name"`
	CorrelationKey string          `json:"correlationKey"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	TimeToLive     *int64          `json:"timeToLive,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
}

// NewPublishCommand constructs the `publish` command. It waits for the
// message's outcome and prints it.
func NewPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message and print its correlation outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			ck, _ := cmd.Flags().GetString("correlation-key")
			tenant, _ := cmd.Flags().GetString("tenant")
			vars, _ := cmd.Flags().GetString("vars")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			messageID, _ := cmd.Flags().GetString("message-id")
			unique, _ := cmd.Flags().GetBool("unique")

			if name == "" {
				return fmt.Errorf("--name is required")
			}
			body := publishBody{TenantID: tenant, Name: name, CorrelationKey: ck, MessageID: messageID}
			if vars != "" {
				if !json.Valid([]byte(vars)) {
					return fmt.Errorf("--vars must be a JSON object")
				}
				body.Variables = json.RawMessage(vars)
			}
			if cmd.Flags().Changed("ttl") {
				ms := ttl.Milliseconds()
				body.TimeToLive = &ms
			}
			if unique {
				if messageID != "" {
					return fmt.Errorf("--unique and --message-id are exclusive")
				}
				body.MessageID = uuid.NewString()
			}

			var resp protocol.PublishResponse
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/messages/publish", body, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("name", "", "Message name")
	cmd.Flags().String("correlation-key", "", "Correlation key")
	cmd.Flags().String("tenant", "", "Tenant id (default tenant when empty)")
	cmd.Flags().String("vars", "", "Message variables as a JSON object")
	cmd.Flags().Duration("ttl", time.Hour, "Time to live (server default when not set)")
	cmd.Flags().String("message-id", "", "Message id; a second message with the same id is a duplicate while buffered")
	cmd.Flags().Bool("unique", false, "Use a random message id")
	return cmd
}

// NewSubmitCommand constructs the `submit` command, which appends engine
// commands given as JSON (a single command or an array).
func NewSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit engine commands (subscriptions, deployments, instance ends)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")

			raw := []byte(data)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = b
			}
			cmds, err := parseCommands(raw)
			if err != nil {
				return err
			}
			for i, c := range cmds {
				if err := c.Validate(); err != nil {
					return fmt.Errorf("command %d: %w", i, err)
				}
				if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/commands", c, nil); err != nil {
					return fmt.Errorf("command %d: %w", i, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted: %d\n", len(cmds))
			return nil
		},
	}
	cmd.Flags().String("data", "", "Command JSON (object or array)")
	cmd.Flags().String("file", "", "Read command JSON from a file")
	return cmd
}

func parseCommands(raw []byte) ([]protocol.Command, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no command given; use --data or --file")
	}
	var many []protocol.Command
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one protocol.Command
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("invalid command JSON: %w", err)
	}
	return []protocol.Command{one}, nil
}
