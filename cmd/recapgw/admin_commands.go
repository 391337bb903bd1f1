package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/tenancy"
	"recapflow/api-gateway/models"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.Open(ctx.config, ctx.log)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("schema is up to date")
			return nil
		},
	}
}

func newTenantCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var req tenancy.CreateTenantRequest
	var trigger string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			req.Name = args[0]
			if trigger != "" {
				req.Trigger = &trigger
			}
			t, err := tenancy.CreateTenant(cmd.Context(), st, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), t)
		},
	}
	create.Flags().StringVar(&req.DisplayName, "display-name", "", "Display name (defaults to the name)")
	create.Flags().StringVar(&req.BillingPlan, "plan", "", "Billing plan")
	create.Flags().Int64Var(&req.QuotaStorageBytes, "storage-bytes", 0, "Storage quota in bytes (0 for the default)")
	create.Flags().IntVar(&req.QuotaProcessingHours, "processing-hours", 0, "Monthly processing hours (0 for the default)")
	create.Flags().IntVar(&req.QuotaJobsPerMonth, "jobs-per-month", 0, "Monthly job quota (0 for the default)")
	create.Flags().StringVar(&trigger, "trigger", "", "Pipeline trigger: workflow or notebook")

	cmd.AddCommand(create)
	return cmd
}

func newUserCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		tenantName string
		req        tenancy.CreateUserRequest
		fullName   string
		admin      bool
	)
	create := &cobra.Command{
		Use:   "create <email>",
		Short: "Create a user in a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			tenant, err := st.GetTenantByName(cmd.Context(), strings.ToLower(tenantName))
			if err != nil {
				return fmt.Errorf("tenant %q: %w", tenantName, err)
			}
			req.Email = args[0]
			if fullName != "" {
				req.FullName = &fullName
			}
			if admin {
				req.Roles = []string{models.RoleUser, models.RoleAdmin}
			}
			u, err := tenancy.CreateUser(cmd.Context(), st, tenant.ID, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), u)
		},
	}
	create.Flags().StringVar(&tenantName, "tenant", "", "Tenant name")
	create.Flags().StringVar(&req.Password, "password", "", "Password (8 to 72 characters)")
	create.Flags().StringVar(&fullName, "full-name", "", "Full name")
	create.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create)
	return cmd
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	var tenantName, email string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			tenant, err := st.GetTenantByName(cmd.Context(), strings.ToLower(tenantName))
			if err != nil {
				return fmt.Errorf("tenant %q: %w", tenantName, err)
			}
			user, err := st.GetUserByEmail(cmd.Context(), tenant.ID, strings.ToLower(email))
			if err != nil {
				return fmt.Errorf("user %q: %w", email, err)
			}
			token, sess, err := identity.NewService(st, ctx.config, ctx.log).IssueToken(cmd.Context(), user, identity.SessionMeta{UserAgent: "recapgw-cli"})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   sess.ExpiresAt,
			})
		},
	}
	issue.Flags().StringVar(&tenantName, "tenant", "", "Tenant name")
	issue.Flags().StringVar(&email, "email", "", "User email")
	_ = issue.MarkFlagRequired("tenant")
	_ = issue.MarkFlagRequired("email")

	cmd.AddCommand(issue)
	return cmd
}

func newOutboxCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and requeue outbox messages",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			msgs, total, err := st.ListOutbox(cmd.Context(), status, store.Page{Limit: limit})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tJOB\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
			for _, m := range msgs {
				lastErr := ""
				if m.LastError != nil {
					lastErr = *m.LastError
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n", m.ID, m.Kind, m.JobID, m.Status,
					m.Attempts, m.MaxAttempts, m.NextAttemptAt.Format(time.RFC3339), lastErr)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			cmd.Printf("%d of %d messages\n", len(msgs), total)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", models.OutboxDead, "pending, delivered, dead or discarded (empty for all)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages")

	requeue := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Give a dead message a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id: %w", err)
			}
			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var msg *models.OutboxMessage
			err = st.Transaction(cmd.Context(), func(tx *store.Store) error {
				var err error
				msg, err = tx.RequeueOutbox(cmd.Context(), id, time.Now().UTC())
				if err != nil {
					return err
				}
				return tx.Audit(cmd.Context(), store.AuditEntry{
					TenantID:     msg.TenantID,
					ResourceType: models.ResourceJob,
					ResourceID:   msg.JobID,
					Action:       "outbox.requeued",
					Level:        models.LogLevelWarning,
					Message:      "Undelivered " + string(msg.Kind) + " requeued from the command line",
					Details:      map[string]any{"message_id": msg.ID},
				})
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), msg)
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
