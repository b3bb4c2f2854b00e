package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	coral "github.com/coralchat/coral-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// channels list
	channelsListType  string
	channelsListLimit int
	channelsListJSON  bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool
)

// ============================================================================
// channels
// ============================================================================

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		spec := coral.QuerySpec{
			Sort:  []coral.SortField{{Field: "last_message_at", Desc: true}},
			Limit: channelsListLimit,
		}
		if channelsListType != "" {
			spec.Filter = map[string]any{"type": channelsListType}
		}

		channels, err := client.QueryChannels(ctx, spec)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if channelsListJSON {
			return json.NewEncoder(os.Stdout).Encode(channels)
		}

		if len(channels) == 0 {
			fmt.Println("No channels found.")
			return nil
		}
		for _, ch := range channels {
			name := ch.Name
			if name == "" {
				name = ch.ID
			}
			fmt.Printf("%-40s %-20s %d members\n", ch.CID, name, ch.MemberCount)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <cid>",
	Short: "Show recent messages in a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.GetChannel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		messages := page.Messages
		if messagesLimit > 0 && len(messages) > messagesLimit {
			messages = messages[len(messages)-messagesLimit:]
		}

		if messagesJSON {
			return json.NewEncoder(os.Stdout).Encode(messages)
		}

		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, msg := range messages {
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.UserID, msg.Text)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <cid> <text>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cid, text := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, cid, &coral.Message{Text: text})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return json.NewEncoder(os.Stdout).Encode(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <cid>",
	Short: "Mark a channel as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0], ""); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Println("Marked read.")
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <cid>",
	Short: "Stream live updates for a channel",
	Long:  "Connect to the realtime socket and print the channel's state as events arrive. Interrupt with Ctrl-C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer client.Close()

		state, release, err := client.Channel(ctx, args[0])
		if err != nil {
			return err
		}
		defer release()

		stopErrs := client.OnError(func(ev coral.ErrorEvent) {
			fmt.Fprintf(os.Stderr, "error (%s): %v\n", ev.Op, ev.Err)
		})
		defer stopErrs()

		unsub := state.Subscribe(func(snap coral.ChannelSnapshot) {
			if len(snap.Messages) == 0 {
				return
			}
			last := snap.Messages[len(snap.Messages)-1]
			fmt.Printf("[%s] %s: %s (%s)\n",
				last.CreatedAt.Format("15:04:05"), last.UserID, last.Text, last.Status)
		})
		defer unsub()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	channelsCmd.Flags().StringVar(&channelsListType, "type", "", "Filter by channel type")
	channelsCmd.Flags().IntVar(&channelsListLimit, "limit", 20, "Maximum channels to list")
	channelsCmd.Flags().BoolVar(&channelsListJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 20, "Maximum messages to show")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(watchCmd)
}
