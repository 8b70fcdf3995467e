package cmd

import (
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/spf13/cobra"
)

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Query and change role membership",
}

var roleHasCmd = &cobra.Command{
	Use:   "has <role> <account>",
	Short: "Report whether an account holds a role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		reg, err := rt.client.Roles()
		if err != nil {
			return err
		}
		held, err := reg.HasRoleString(cmd.Context(), args[1], args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"role":    args[0],
			"account": args[1],
			"held":    held,
		})
	},
}

var roleGrantCmd = &cobra.Command{
	Use:   "grant <account> <role>",
	Short: "Grant a role held by the acting account to another account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := contract.ParseAddress(args[0])
		if err != nil {
			return err
		}
		role, err := contract.ParseRole(args[1])
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd.Context(), runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		reg, err := rt.client.Roles()
		if err != nil {
			return err
		}
		actor, err := rt.actor()
		if err != nil {
			return err
		}
		res, err := reg.GrantRole(cmd.Context(), actor, target, role)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var roleRenounceCmd = &cobra.Command{
	Use:   "renounce <role>",
	Short: "Give up a role of the acting account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := contract.ParseRole(args[0])
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd.Context(), runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		reg, err := rt.client.Roles()
		if err != nil {
			return err
		}
		actor, err := rt.actor()
		if err != nil {
			return err
		}
		res, err := reg.RenounceRole(cmd.Context(), actor, role)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	roleCmd.AddCommand(roleHasCmd, roleGrantCmd, roleRenounceCmd)
}
