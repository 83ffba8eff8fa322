package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type messageOut struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	DeliveryStatus string `json:"deliveryStatus"`
	SyncStatus     string `json:"syncStatus"`
	CreatedAt      int64  `json:"createdAt"`
}

type actionOut struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
	Attempts       int    `json:"attempts"`
	CreatedAt      int64  `json:"createdAt"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var st struct {
				Profile        string `json:"profile"`
				State          string `json:"state"`
				PendingActions int    `json:"pendingActions"`
				FailedActions  int    `json:"failedActions"`
			}
			if err := c.get("/v1/status", &st); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Profile: %s\n", st.Profile)
			fmt.Printf("State:   %s\n", st.State)
			fmt.Printf("Outbox:  %d pending, %d failed\n", st.PendingActions, st.FailedActions)
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations by recent activity",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				Conversations []struct {
					ID                 string `json:"id"`
					Title              string `json:"title"`
					UnreadCount        int    `json:"unreadCount"`
					LastMessagePreview string `json:"lastMessagePreview"`
				} `json:"conversations"`
			}
			if err := c.get("/v1/conversations", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, conv := range resp.Conversations {
				unread := ""
				if conv.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", conv.UnreadCount)
				}
				fmt.Printf("%s  %s%s  %s\n", conv.ID, conv.Title, unread, conv.LastMessagePreview)
			}
			return nil
		},
	}
}

func feedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "feed <conversation-id>",
		Short: "Show a conversation's messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				Messages []messageOut `json:"messages"`
			}
			path := fmt.Sprintf("/v1/conversations/%s/feed?limit=%d", url.PathEscape(args[0]), limit)
			if err := c.get(path, &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, m := range resp.Messages {
				ts := time.UnixMilli(m.CreatedAt).Format("15:04:05")
				marker := ""
				if m.SyncStatus == "pending" {
					marker = " [queued]"
				} else if m.DeliveryStatus == "failed" {
					marker = " [failed]"
				}
				fmt.Printf("%s  %s: %s%s\n", ts, m.SenderID, m.Content, marker)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of messages")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Queue a message for delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var msg messageOut
			path := "/v1/conversations/" + url.PathEscape(args[0]) + "/messages"
			if err := c.do("POST", path, map[string]string{"content": args[1]}, &msg); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msg)
				return nil
			}
			fmt.Printf("queued %s\n", msg.ID)
			return nil
		},
	}
}

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <message-id> <text>",
		Short: "Edit a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := "/v1/messages/" + url.PathEscape(args[0])
			if err := c.do("PATCH", path, map[string]string{"content": args[1]}, nil); err != nil {
				return err
			}
			fmt.Println("queued")
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do("DELETE", "/v1/messages/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := "/v1/conversations/" + url.PathEscape(args[0]) + "/read"
			if err := c.do("POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Println("marked read")
			return nil
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Trigger a sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var sum struct {
				Coalesced         bool `json:"coalesced"`
				Synced            int  `json:"synced"`
				StillPending      int  `json:"stillPending"`
				PermanentlyFailed int  `json:"permanentlyFailed"`
			}
			if err := c.do("POST", "/v1/sync/flush", nil, &sum); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(sum)
				return nil
			}
			if sum.Coalesced {
				fmt.Println("a sync pass is already running")
				return nil
			}
			fmt.Printf("synced %d, still pending %d, failed %d\n",
				sum.Synced, sum.StillPending, sum.PermanentlyFailed)
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Show queued and failed actions",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				Pending []actionOut `json:"pending"`
				Failed  []actionOut `json:"failed"`
			}
			if err := c.get("/v1/outbox", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, a := range resp.Pending {
				fmt.Printf("pending  %s  %s  attempts=%d\n", a.ID, a.Kind, a.Attempts)
			}
			for _, a := range resp.Failed {
				fmt.Printf("FAILED   %s  %s  attempts=%d  (crewchatctl retry %s)\n", a.ID, a.Kind, a.Attempts, a.ID)
			}
			if len(resp.Pending)+len(resp.Failed) == 0 {
				fmt.Println("outbox empty")
			}
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Re-arm a permanently failed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do("POST", "/v1/outbox/"+url.PathEscape(args[0])+"/retry", nil, nil); err != nil {
				return err
			}
			fmt.Println("retrying")
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over cached messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				Results []struct {
					Message messageOut `json:"message"`
					Snippet string     `json:"snippet"`
				} `json:"results"`
			}
			path := "/v1/search?q=" + url.QueryEscape(args[0])
			if conversation != "" {
				path += "&conversation=" + url.QueryEscape(conversation)
			}
			if err := c.get(path, &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, r := range resp.Results {
				fmt.Printf("%s  %s\n", r.Message.ID, r.Snippet)
			}
			if len(resp.Results) == 0 {
				fmt.Println("no matches")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation")
	return cmd
}
