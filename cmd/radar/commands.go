package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/itemradar/radar/internal/chat"
	"github.com/itemradar/radar/internal/config"
	"github.com/itemradar/radar/internal/expiry"
	"github.com/itemradar/radar/internal/relay"
	"github.com/itemradar/radar/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the lost-and-found assistant",
	Long: `Chat with the lost-and-found assistant.

With a message argument a single turn is sent and the reply printed.
Without one an interactive session starts.

Examples:
  radar chat "I lost a blue backpack at the library yesterday"
  radar chat --type found --image ./photo.jpg "Found this near gate B"
  radar chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		itemType, _ := cmd.Flags().GetString("type")
		imagePath, _ := cmd.Flags().GetString("image")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		if itemType != "lost" && itemType != "found" {
			return fmt.Errorf("--type must be lost or found, got %q", itemType)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client, err := relay.NewClient(cfg.Chat.BaseURL)
		if err != nil {
			return fmt.Errorf("chat is unavailable: %w (set RADAR_CHAT_URL)", err)
		}

		imageURI := ""
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			imageURI, err = chat.EncodeImageDataURI(data)
			if err != nil {
				return fmt.Errorf("encoding image: %w", err)
			}
		}

		conv := chat.NewConversation()

		if len(args) > 0 {
			return runTurn(cmd.Context(), client, conv, strings.Join(args, " "), itemType, imageURI, noStream)
		}

		fmt.Println("Lost-and-found assistant. Type your message, or \"exit\" to quit.")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			promptColor.Print("You: ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.EqualFold(line, "exit") {
				break
			}

			if err := runTurn(cmd.Context(), client, conv, line, itemType, imageURI, noStream); err != nil {
				printError("%s", relay.UserMessage(err))
			}
			// The image applies to the first turn only.
			imageURI = ""
		}
		return scanner.Err()
	},
}

// runTurn executes one conversation turn against the relay. The placeholder
// lives inside conv; on failure it is removed along with the user message
// so the session never shows a half-finished exchange.
func runTurn(ctx context.Context, client *relay.Client, conv *chat.Conversation, text, itemType, imageURI string, noStream bool) error {
	history := conv.History(5)
	if err := conv.BeginTurn(text, imageURI); err != nil {
		return err
	}

	turn := relay.Turn{
		UserText:     text,
		ItemType:     itemType,
		ImageDataURI: imageURI,
		History:      history,
	}

	if noStream {
		reply, err := client.Send(ctx, turn)
		if err != nil {
			conv.Fail()
			return err
		}
		conv.Complete(reply)
		assistantColor.Print("Assistant: ")
		fmt.Println(reply)
		return nil
	}

	assistantColor.Print("Assistant: ")
	err := client.Stream(ctx, turn, func(f relay.Frame) {
		switch f.Type {
		case relay.FramePartial:
			conv.AppendPartial(f.Message)
			fmt.Print(f.Message)
		case relay.FrameComplete:
			conv.Complete(f.Message)
		}
	})
	if err != nil {
		conv.Fail()
		fmt.Println()
		return err
	}
	fmt.Println()
	return nil
}

func init() {
	chatCmd.Flags().String("type", "lost", "conversation mode: lost or found")
	chatCmd.Flags().String("image", "", "path of an image to attach to the first turn")
	chatCmd.Flags().Bool("no-stream", false, "use the non-streaming endpoint")
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report a found item to the running server",
	Long: `Report a found item to the running server.

Examples:
  radar report --name "black umbrella" --location "train station" --category accessories`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		location, _ := cmd.Flags().GetString("location")
		description, _ := cmd.Flags().GetString("description")
		category, _ := cmd.Flags().GetString("category")
		pickup, _ := cmd.Flags().GetString("pickup")
		contact, _ := cmd.Flags().GetString("contact")

		if name == "" || location == "" {
			return fmt.Errorf("--name and --location are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/found-item", map[string]any{
			"itemName":           name,
			"foundLocation":      location,
			"description":        description,
			"category":           category,
			"pickupInstructions": pickup,
			"contactInfo":        contact,
		})
		if err != nil {
			return err
		}

		var result struct {
			Message string `json:"message"`
			ItemID  string `json:"item_id"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		printSuccess("%s", result.Message)
		printStatus("Item ID", "%s", result.ItemID)
		return nil
	},
}

func init() {
	reportCmd.Flags().String("name", "", "short item name")
	reportCmd.Flags().String("location", "", "where the item was found")
	reportCmd.Flags().String("description", "", "free-form description")
	reportCmd.Flags().String("category", "", "item category")
	reportCmd.Flags().String("pickup", "", "pickup instructions")
	reportCmd.Flags().String("contact", "", "contact info for the finder")
}

// --- item ---

var itemCmd = &cobra.Command{
	Use:   "item <id>",
	Short: "Show a registered found item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/items/"+args[0])
		if err != nil {
			return err
		}

		var item struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Category   string `json:"category"`
			Location   string `json:"location"`
			Status     string `json:"status"`
			CreatedAt  string `json:"created_at"`
			ExpiryDate string `json:"expiry_date"`
		}
		if err := decodeResponse(resp, &item); err != nil {
			return err
		}

		printStatus("ID", "%s", item.ID)
		printStatus("Name", "%s", item.Name)
		if item.Category != "" {
			printStatus("Category", "%s", item.Category)
		}
		printStatus("Location", "%s", item.Location)
		printStatus("Status", "%s", item.Status)
		printStatus("Registered", "%s", item.CreatedAt)
		printStatus("Expires", "%s", item.ExpiryDate)
		return nil
	},
}

// --- expire ---

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run the expiry pass once against local storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		job := expiry.NewJob(store, cfg.Expiry.Hour, cfg.Expiry.Minute)
		count, err := job.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		printSuccess("Expired %d items", count)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show radar system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		if cfg.Chat.BaseURL == "" {
			printStatus("Chat endpoint", "not configured")
		} else {
			printStatus("Chat endpoint", "%s", cfg.Chat.BaseURL)
		}

		if cfg.Queue.MatcherURL == "" {
			printStatus("Matcher", "not configured (messages stay queued)")
		} else {
			printStatus("Matcher", "%s", cfg.Queue.MatcherURL)
		}

		printStatus("Queue topic", "%s", cfg.Queue.Topic)
		printStatus("Expiry", "daily at %02d:%02d, TTL %s", cfg.Expiry.Hour, cfg.Expiry.Minute, cfg.Expiry.TTL)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}
