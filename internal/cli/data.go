package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// ValueResult is the JSON payload of get and set.
type ValueResult struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant:namespace> <key>",
		Short: "Print the current value of a key",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			principal, err := rootOpts.principal(f)
			if err != nil {
				return err
			}
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			val, err := svc.Get(args[0], args[1], principal)
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(ValueResult{Namespace: args[0], Key: args[1], Value: val}, val)
		},
	}
}

// NewSetCommand creates the set command. Remaining arguments are joined with
// single spaces to form the value.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <tenant:namespace> <key> <value...>",
		Short: "Append a new value for a key",
		Args:  usageArgs(cobra.MinimumNArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			principal, err := rootOpts.principal(f)
			if err != nil {
				return err
			}
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			val := strings.Join(args[2:], " ")
			if err := svc.Put(args[0], args[1], val, principal); err != nil {
				return f.Fail(err)
			}
			return f.Success(ValueResult{Namespace: args[0], Key: args[1], Value: val}, "OK")
		},
	}
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <tenant:namespace>",
		Short: "Print the current value of every key in a namespace",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			principal, err := rootOpts.principal(f)
			if err != nil {
				return err
			}
			svc, err := rootOpts.open(f)
			if err != nil {
				return err
			}
			data, err := svc.Dump(args[0], principal)
			if err != nil {
				return f.Fail(err)
			}
			keys := make([]string, 0, len(data))
			for k := range data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for i, k := range keys {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%s=%s", k, data[k])
			}
			return f.Success(data, b.String())
		},
	}
}
