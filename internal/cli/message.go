package cli

import (
	"fmt"

	"github.com/ankittk/crew/internal/bus"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
	"github.com/spf13/cobra"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Manage agent messages",
	}
	cmd.AddCommand(newMessageSendCmd())
	cmd.AddCommand(newMessageInboxCmd())
	cmd.AddCommand(newMessageShowCmd())
	cmd.AddCommand(newMessageResurrectCmd())
	cmd.AddCommand(newMessageStatsCmd())
	cmd.AddCommand(newMessageCleanupCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		from     string
		to       string
		msgType  string
		subject  string
		content  string
		itemID   string
		priority string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message between agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" || content == "" {
				return fmt.Errorf("--from, --to, and --content are required")
			}
			mt, err := models.ParseMessageType(msgType)
			if err != nil {
				return err
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p := store.CreateMessageParams{
				FromAgent: from,
				ToAgent:   to,
				Type:      mt,
				Subject:   subject,
				Content:   content,
			}
			if itemID != "" {
				p.ItemID = &itemID
			}
			if priority != "" {
				if p.Priority, err = models.ParseMessagePriority(priority); err != nil {
					return err
				}
			}

			b := bus.New(st, bus.Config{}, nil)
			msg, err := b.Send(cmd.Context(), p)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent %s %s to %s\n", msg.Type, msg.MessageID, msg.ToAgent)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender agent ID")
	cmd.Flags().StringVar(&to, "to", "", "Recipient agent ID")
	cmd.Flags().StringVar(&msgType, "type", "question", "Message type: question, insight, warning, or handoff")
	cmd.Flags().StringVar(&subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&content, "content", "", "Message body")
	cmd.Flags().StringVar(&itemID, "item", "", "Linked work item ID")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: low, medium, high, or urgent")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newMessageInboxCmd() *cobra.Command {
	var (
		agent string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List an agent's inbox (pending first, urgent first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				return fmt.Errorf("--agent is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b := bus.New(st, bus.Config{}, nil)
			msgs, err := b.Inbox(cmd.Context(), agent, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %-9s  %-7s  from %-16s  %s\n", m.MessageID, m.Type, m.Status, m.Priority, m.FromAgent, m.Subject)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Recipient agent ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max messages to return (0 = default)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newMessageShowCmd() *cobra.Command {
	var messageID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a message as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageID == "" {
				return fmt.Errorf("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			msg, err := st.GetMessage(cmd.Context(), messageID)
			if err != nil {
				return err
			}
			if msg == nil {
				return fmt.Errorf("message %s not found", messageID)
			}
			return printJSON(cmd, msg)
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "Message ID")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessageResurrectCmd() *cobra.Command {
	var messageID string

	cmd := &cobra.Command{
		Use:   "resurrect",
		Short: "Return a dead-lettered message to the pending queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageID == "" {
				return fmt.Errorf("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b := bus.New(st, bus.Config{}, nil)
			ok, err := b.Resurrect(cmd.Context(), messageID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("message %s is not a dead letter", messageID)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resurrected %s\n", messageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "Message ID")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessageStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b := bus.New(st, bus.Config{}, nil)
			stats, err := b.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	return cmd
}

func newMessageCleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete dead letters older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b := bus.New(st, bus.Config{}, nil)
			n, err := b.CleanupDeadLetters(cmd.Context(), days)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d dead letter(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", models.DefaultDeadLetterMaxAge, "Delete dead letters older than this many days")
	return cmd
}
