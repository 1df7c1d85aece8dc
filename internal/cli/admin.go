package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-kv/pkg/engine"
	"github.com/celerix-dev/celerix-kv/pkg/schema"
)

// NewRootAdminCommand creates the root command group (tenant roots, not the
// CLI root).
func NewRootAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "root",
		Short: "Manage tenant roots",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <tenant> <principal>",
		Short: "Set the first root of a tenant",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			if err := svc.BootstrapRoot(args[0], args[1]); err != nil {
				return f.Fail(err)
			}
			return f.Success(schema.RootStatus{Tenant: args[0], Root: args[1]},
				fmt.Sprintf("Root for %s is now %q", args[0], args[1]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <tenant> <principal>",
		Short: "Hand the tenant root to another principal (caller must be root)",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			caller, err := rootOpts.principal(f)
			if err != nil {
				return err
			}
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			if err := svc.RotateRoot(args[0], args[1], caller); err != nil {
				return f.Fail(err)
			}
			return f.Success(schema.RootStatus{Tenant: args[0], Root: args[1]},
				fmt.Sprintf("Root for %s rotated to %q", args[0], args[1]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <tenant>",
		Short: "Print the current root of a tenant",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			root, err := svc.CurrentRoot(args[0])
			if err != nil {
				return f.Fail(err)
			}
			if root == "" {
				return f.Fail(fmt.Errorf("%w: tenant %q has no root", engine.ErrNotFound, args[0]))
			}
			return f.Success(schema.RootStatus{Tenant: args[0], Root: root}, root)
		},
	})

	return cmd
}

// VerifyResult is the JSON payload of key verify.
type VerifyResult struct {
	Tenant    string `json:"tenant"`
	Principal string `json:"principal"`
}

// NewKeyCommand creates the key command group.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage tenant API keys",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <tenant> <owner>",
		Short: "Issue an API key for owner (caller must be root)",
		Long: `Issue an API key for owner. The token is printed once and cannot be
recovered; only its digest is stored.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			caller, err := rootOpts.principal(f)
			if err != nil {
				return err
			}
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			issued, err := svc.CreateKey(args[0], args[1], caller)
			if err != nil {
				return f.Fail(err)
			}
			f.VerboseLog("token id: %s", issued.TokenID)
			return f.Success(schema.CreateKeyResponse{Token: issued.Token, TokenID: issued.TokenID}, issued.Token)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <tenant> <token-id>",
		Short: "Deactivate an API key (caller must be root)",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			caller, err := rootOpts.principal(f)
			if err != nil {
				return err
			}
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			if err := svc.RevokeKey(args[0], args[1], caller); err != nil {
				return f.Fail(err)
			}
			return f.Success(map[string]string{"tenant": args[0], "tokenId": args[1]}, "OK")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <tenant> <token>",
		Short: "Print the owner of an API key",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			principal, err := svc.ResolvePrincipal(args[0], args[1])
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(VerifyResult{Tenant: args[0], Principal: principal}, principal)
		},
	})

	return cmd
}
