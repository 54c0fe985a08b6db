package admincmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/TPE1314/T/broker"
	"github.com/TPE1314/T/internal/clifmt"
	"github.com/TPE1314/T/internal/logutil"
	"github.com/TPE1314/T/internal/statepaths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the operator registry",
	}
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newListCmd())
	return cmd
}

func newAddCmd() *cobra.Command {
	var superAdmin bool
	var displayName string
	var capacity int
	cmd := &cobra.Command{
		Use:   "add <admin-id>",
		Short: "Register an operator (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := serviceFromViper(cmd.Context())
			if err != nil {
				return err
			}
			role := broker.RoleAdmin
			if superAdmin {
				role = broker.RoleSuperAdmin
			}
			admin, err := svc.AddAdmin(cmd.Context(), args[0], role, displayName, capacity)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcapacity=%d\n", admin.ID, admin.Role, admin.Capacity)
			return nil
		},
	}
	cmd.Flags().BoolVar(&superAdmin, "super", false, "Register as super admin")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Operator display name")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "Max concurrent bound users (0 uses the configured default)")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "remove <admin-id>",
		Short: "Remove an operator and unbind its users",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor is required (a super admin id)")
			}
			svc, err := serviceFromViper(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.RemoveAdmin(cmd.Context(), actorID, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "Acting super admin id")
	return cmd
}

func newListCmd() *cobra.Command {
	var availableOnly bool
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := serviceFromViper(cmd.Context())
			if err != nil {
				return err
			}
			var admins []broker.Admin
			if availableOnly {
				admins = svc.ListAvailable()
			} else {
				admins = svc.ListAdmins()
			}
			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(admins)
			}
			rows := make([]clifmt.NameDetailRow, 0, len(admins))
			for _, a := range admins {
				detail := fmt.Sprintf("%s, %d/%d bound, online=%v", a.Role, len(a.BoundUsers), a.Capacity, a.Online)
				if a.DisplayName != "" {
					detail = a.DisplayName + ": " + detail
				}
				rows = append(rows, clifmt.NameDetailRow{Name: a.ID, Detail: detail})
			}
			clifmt.PrintNameDetailTable(cmd.OutOrStdout(), clifmt.NameDetailTableOptions{
				Title:        "Operators",
				Rows:         rows,
				EmptyText:    "No operators registered.",
				NameHeader:   "ADMIN",
				DetailHeader: "STATUS",
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&availableOnly, "available", false, "Only admins with spare capacity")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func serviceFromViper(ctx context.Context) (*broker.Service, error) {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	store := broker.NewFileStore(statepaths.PairingDir())
	return broker.NewService(ctx, store, broker.Options{
		PairingDisabled: !viper.GetBool("broker.pairing_enabled"),
		DefaultCapacity: viper.GetInt("broker.default_capacity"),
		Logger:          logger,
	})
}
