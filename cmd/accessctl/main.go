// Package main provides accessctl, an operator CLI for policy tables and
// development sessions.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rollcall.io/internal/auth"
	"rollcall.io/internal/policy"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "accessctl",
		Short:         "Inspect policy tables and mint development sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(policyCmd(), sessionCmd())
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and evaluate policy tables",
	}
	cmd.AddCommand(policyValidateCmd(), policyEvalCmd())
	return cmd
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a policy table and list its resource types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy %s ok\n", t.Version)
			for _, name := range t.ResourceTypes() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}

func policyEvalCmd() *cobra.Command {
	var (
		file      string
		principal string
		super     bool
		resource  string
		request   string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate one request against a policy table",
		Long: `Evaluate one request against a policy table without side effects.

Examples:
  accessctl policy eval --principal u-1:t1:member \
    --resource '{"type":"leaveRequest","tenant_id":"t1","owner_id":"u-1","status":"pending"}' \
    --request '{"kind":"update","fields":{"reason":"sick"}}'
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := policy.Default()
			if file != "" {
				var err error
				if t, err = policy.LoadFile(file); err != nil {
					return err
				}
			}
			p, err := parsePrincipal(principal)
			if err != nil {
				return err
			}
			p.IsSuperAdmin = super

			var res policy.Resource
			if err := decodeFlag("resource", resource, &res); err != nil {
				return err
			}
			var req policy.Request
			if err := decodeFlag("request", request, &req); err != nil {
				return err
			}

			d := policy.NewEngine(t).Decide(p, res, req)
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&file, "policy", "", "Policy table YAML (default: embedded table)")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal as id:tenant:role")
	cmd.Flags().BoolVar(&super, "super-admin", false, "Mark the principal as a super admin")
	cmd.Flags().StringVar(&resource, "resource", "", "Resource snapshot as JSON")
	cmd.Flags().StringVar(&request, "request", "", "Request as JSON")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func sessionCmd() *cobra.Command {
	var (
		secret    string
		issuer    string
		principal string
		super     bool
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Mint a signed session token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("ROLLCALL_SESSION_SECRET")
			}
			p, err := parsePrincipal(principal)
			if err != nil {
				return err
			}
			p.IsSuperAdmin = super
			sessions, err := auth.NewSessions(secret, auth.WithIssuer(issuer))
			if err != nil {
				return err
			}
			tok, id, err := sessions.Issue(p, ttl)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"token":      tok,
				"token_id":   id.TokenID,
				"expires_at": id.ExpiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Session signing secret (default: $ROLLCALL_SESSION_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", "rollcall", "Session issuer")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal as id:tenant:role")
	cmd.Flags().BoolVar(&super, "super-admin", false, "Mark the principal as a super admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Session lifetime")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

// parsePrincipal reads id:tenant:role. The system role is rejected.
func parsePrincipal(s string) (auth.Principal, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return auth.Principal{}, fmt.Errorf("principal must be id:tenant:role, got %q", s)
	}
	role, err := auth.ParseHumanRole(parts[2])
	if err != nil {
		return auth.Principal{}, err
	}
	p := auth.Principal{ID: parts[0], TenantID: parts[1], Role: role}
	return p, p.Validate()
}

func decodeFlag(name, raw string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
