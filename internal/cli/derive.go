package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/message-sagas/internal/coordinator"
)

// NewDeriveCommand prints the correlation id the listener assigns to a
// business id.
func NewDeriveCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "derive <businessId>",
		Short: "Print the correlation id of a business id",
		Long: `Print the correlation id of a business id.

Example:
  saga-listener derive ABC123`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), coordinator.DeriveCorrelationID(args[0]))
			return err
		},
	}
}
