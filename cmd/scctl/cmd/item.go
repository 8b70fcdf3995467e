package cmd

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/items"
	"github.com/spf13/cobra"
)

var (
	itemDescription string
	itemAmount      string
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Drive items through the supply chain",
}

type itemRunner func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, args []string) (interface{}, error)

// itemCommand builds a subcommand whose first argument is the sku.
func itemCommand(use, short string, nargs int, run itemRunner) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			sku, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sku %q: %w", args[0], err)
			}

			rt, err := newRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := rt.client.Items()
			if err != nil {
				return err
			}
			actor, err := rt.actor()
			if err != nil {
				return err
			}
			out, err := run(cmd.Context(), m, actor, sku, args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func init() {
	manufactureCmd := itemCommand("manufacture <sku> <name> <price>", "Create an item", 3,
		func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, args []string) (interface{}, error) {
			price, err := parseAmount(args[1])
			if err != nil {
				return nil, err
			}
			return m.Manufacture(ctx, actor, sku, args[0], itemDescription, price)
		})
	manufactureCmd.Flags().StringVar(&itemDescription, "description", "", "item description")

	advanceCmd := itemCommand("advance <sku>", "Perform the next transition of an item", 1,
		func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, _ []string) (interface{}, error) {
			var amount *big.Int
			if itemAmount != "" {
				var err error
				if amount, err = parseAmount(itemAmount); err != nil {
					return nil, err
				}
			}
			return m.Advance(ctx, actor, sku, amount)
		})
	advanceCmd.Flags().StringVar(&itemAmount, "amount", "", "price or payment (default is the item's price)")

	itemCmd.AddCommand(
		manufactureCmd,
		itemCommand("pack <sku>", "Pack a manufactured item", 1,
			func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, _ []string) (interface{}, error) {
				return m.Pack(ctx, actor, sku)
			}),
		itemCommand("sell <sku> <price>", "Put a packed item up for sale", 2,
			func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, args []string) (interface{}, error) {
				price, err := parseAmount(args[0])
				if err != nil {
					return nil, err
				}
				return m.MarkForSale(ctx, actor, sku, price)
			}),
		itemCommand("buy <sku> <payment>", "Buy an item for sale as distributor", 2,
			func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, args []string) (interface{}, error) {
				payment, err := parseAmount(args[0])
				if err != nil {
					return nil, err
				}
				return m.Buy(ctx, actor, sku, payment)
			}),
		itemCommand("ship <sku>", "Ship a sold item", 1,
			func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, _ []string) (interface{}, error) {
				return m.Ship(ctx, actor, sku)
			}),
		itemCommand("receive <sku>", "Receive a shipped item as retailer", 1,
			func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, _ []string) (interface{}, error) {
				return m.Receive(ctx, actor, sku)
			}),
		itemCommand("purchase <sku> <payment>", "Purchase a received item as consumer", 2,
			func(ctx context.Context, m *items.Machine, actor contract.Address, sku uint64, args []string) (interface{}, error) {
				payment, err := parseAmount(args[0])
				if err != nil {
					return nil, err
				}
				return m.Purchase(ctx, actor, sku, payment)
			}),
		itemCommand("fetch <sku>", "Show an item", 1,
			func(ctx context.Context, m *items.Machine, _ contract.Address, sku uint64, _ []string) (interface{}, error) {
				return m.Fetch(ctx, sku)
			}),
		itemCommand("trail <sku>", "Show the committed provenance trail of an item", 1,
			func(ctx context.Context, m *items.Machine, _ contract.Address, sku uint64, _ []string) (interface{}, error) {
				return m.Provenance(ctx, sku)
			}),
		advanceCmd,
	)
}
