package cli

import (
	"encoding/json"
	"fmt"

	"github.com/ankittk/crew/internal/config"
	"github.com/ankittk/crew/internal/scheduler"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
	"github.com/spf13/cobra"
)

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
	}
	cmd.AddCommand(newItemCreateCmd())
	cmd.AddCommand(newItemListCmd())
	cmd.AddCommand(newItemShowCmd())
	cmd.AddCommand(newItemStatusCmd())
	cmd.AddCommand(newItemClaimCmd())
	cmd.AddCommand(newItemReleaseCmd())
	cmd.AddCommand(newItemHistoryCmd())
	cmd.AddCommand(newItemAvailableCmd())
	cmd.AddCommand(newItemSweepCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	return store.Open(home)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newItemCreateCmd() *cobra.Command {
	var (
		itemType    string
		title       string
		parentID    string
		description string
		role        string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item (epic, story, task, or bug)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			typ, err := models.ParseItemType(itemType)
			if err != nil {
				return err
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p := store.CreateItemParams{
				Type:      typ,
				Title:     title,
				Priority:  priority,
				CreatedBy: "cli",
			}
			if parentID != "" {
				p.ParentID = &parentID
			}
			if description != "" {
				p.Description = &description
			}
			if role != "" {
				r, err := models.ParseRole(role)
				if err != nil {
					return err
				}
				p.AssignedRole = &r
			}

			item, err := st.CreateWorkItem(cmd.Context(), p)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s: %q\n", item.Type, item.ItemID, item.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "task", "Item type: epic, story, task, or bug")
	cmd.Flags().StringVar(&title, "title", "", "Item title")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent epic ID")
	cmd.Flags().StringVar(&description, "description", "", "Item description")
	cmd.Flags().StringVar(&role, "role", "", "Assigned role")
	cmd.Flags().IntVar(&priority, "priority", 0, "Item priority")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newItemListCmd() *cobra.Command {
	var (
		status string
		typ    string
		role   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var f store.ItemFilter
			if status != "" {
				if f.Status, err = models.ParseItemStatus(status); err != nil {
					return err
				}
			}
			if typ != "" {
				if f.Type, err = models.ParseItemType(typ); err != nil {
					return err
				}
			}
			if role != "" {
				if f.Role, err = models.ParseRole(role); err != nil {
					return err
				}
			}
			f.Limit = limit

			items, err := st.ListWorkItems(cmd.Context(), f)
			if err != nil {
				return err
			}
			for _, it := range items {
				agent := "-"
				if it.ProcessingAgentID != nil {
					agent = *it.ProcessingAgentID
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-5s  %-12s  %-16s  %s\n", it.ItemID, it.Type, it.Status, agent, it.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&typ, "type", "", "Filter by type")
	cmd.Flags().StringVar(&role, "role", "", "Filter by assigned role")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max items to return (0 = default)")
	return cmd
}

func newItemShowCmd() *cobra.Command {
	var itemID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a work item as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID == "" {
				return fmt.Errorf("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			item, err := st.GetWorkItem(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("item %s not found", itemID)
			}
			return printJSON(cmd, item)
		},
	}
	cmd.Flags().StringVar(&itemID, "id", "", "Item ID")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newItemStatusCmd() *cobra.Command {
	var (
		itemID string
		status string
		actor  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Set a work item's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID == "" || status == "" {
				return fmt.Errorf("--id and --status are required")
			}
			ns, err := models.ParseItemStatus(status)
			if err != nil {
				return err
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.UpdateStatus(cmd.Context(), itemID, ns, actor); err != nil {
				return err
			}
			// Keep any parent epic's status in step with its children.
			sched := scheduler.New(st, scheduler.Config{}, nil)
			if err := sched.NotifyChildChange(cmd.Context(), itemID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Item %s is now %s\n", itemID, ns)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "id", "", "Item ID")
	cmd.Flags().StringVar(&status, "status", "", "New status")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded in history")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newItemClaimCmd() *cobra.Command {
	var (
		itemID string
		agent  string
	)

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a work item lease for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID == "" || agent == "" {
				return fmt.Errorf("--id and --agent are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sched := scheduler.New(st, scheduler.Config{}, nil)
			ok, err := sched.Claim(cmd.Context(), itemID, agent)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("item %s is already claimed", itemID)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Claimed %s for %s\n", itemID, agent)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "id", "", "Item ID")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (e.g. developer-1)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newItemReleaseCmd() *cobra.Command {
	var (
		itemID string
		agent  string
	)

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a work item lease held by an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID == "" || agent == "" {
				return fmt.Errorf("--id and --agent are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sched := scheduler.New(st, scheduler.Config{}, nil)
			ok, err := sched.Release(cmd.Context(), itemID, agent)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("item %s is not held by %s", itemID, agent)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", itemID)
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "id", "", "Item ID")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID holding the lease")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newItemHistoryCmd() *cobra.Command {
	var itemID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a work item's audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID == "" {
				return fmt.Errorf("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			entries, err := st.ListHistory(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			for _, e := range entries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s  %-16s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.CreatedBy, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "id", "", "Item ID")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newItemAvailableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "available",
		Short: "List claimable work items in scheduling order",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sched := scheduler.New(st, scheduler.Config{}, nil)
			items, err := sched.ListAvailable(cmd.Context())
			if err != nil {
				return err
			}
			for _, it := range items {
				role := "-"
				if it.AssignedRole != nil {
					role = string(*it.AssignedRole)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-5s  %-12s  %-16s  %s\n", it.ItemID, it.Type, it.Status, role, it.Title)
			}
			return nil
		},
	}
	return cmd
}

func newItemSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale work item leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sched := scheduler.New(st, scheduler.Config{}, nil)
			n, err := sched.SweepStale(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale lease(s)\n", n)
			return nil
		},
	}
	return cmd
}
