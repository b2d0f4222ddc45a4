// Package main provides the control CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/orchestrion/internal/api/connect"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

var (
	app    = kingpin.New("orchestrionctl", "orchestrion control client")
	server = app.Flag("server", "Server address").Default("http://127.0.0.1:7700").String()
	token  = app.Flag("token", "Control token").Envar("ORCHESTRION_CONTROL_TOKEN").String()

	// item command
	itemCmd     = app.Command("item", "Set the active item")
	itemID      = itemCmd.Arg("id", "Queue item ID").Required().String()
	itemLocator = itemCmd.Arg("locator", "File path or http(s) URL").Required().String()
	itemOffset  = itemCmd.Flag("offset", "Start offset").Default("0s").Duration()

	// clear command
	clearCmd = app.Command("clear", "Clear the active item")

	// gain command
	gainCmd   = app.Command("gain", "Adjust a gain knob")
	gainKnob  = gainCmd.Arg("knob", "LOW, MID, HIGH or VOLUME").Required().String()
	gainValue = gainCmd.Arg("value", "Raw knob value").Required().Float64()

	playCmd    = app.Command("play", "Resume playback")
	pauseCmd   = app.Command("pause", "Pause playback")
	unstallCmd = app.Command("unstall", "Force stall recovery")

	// seek command
	seekCmd      = app.Command("seek", "Seek to a fraction of the duration")
	seekFraction = seekCmd.Arg("fraction", "Position in [0,1]").Required().Float64()

	// repeat command
	repeatCmd   = app.Command("repeat", "Set the repeat flag")
	repeatValue = repeatCmd.Arg("on", "true or false").Required().Bool()

	// key command
	keyCmd  = app.Command("key", "Press a media key")
	keyName = keyCmd.Arg("name", "play_pause, stop, previous or next").Required().String()

	// post command
	postCmd     = app.Command("post", "Post a JSON message to the worker")
	postMessage = postCmd.Arg("json", "Message, e.g. {\"type\":\"analyze\"}").Required().String()

	// status command
	statusCmd = app.Command("status", "Show engine status")

	// history command
	historyCmd   = app.Command("history", "Show journaled events")
	historyLimit = historyCmd.Flag("limit", "Maximum number of events").Default("20").Int()

	// subscribe command
	subscribeCmd = app.Command("subscribe", "Subscribe to status events")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	client := apiconnect.NewControlClient(http.DefaultClient, *server, *token)

	if command == subscribeCmd.FullCommand() {
		subscribe(client)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch command {
	case itemCmd.FullCommand():
		err = client.ItemChanged(ctx, &queue.Item{ID: *itemID, Locator: *itemLocator, StartOffset: *itemOffset})
	case clearCmd.FullCommand():
		err = client.ItemChanged(ctx, nil)
	case gainCmd.FullCommand():
		err = client.AdjustGain(ctx, *gainKnob, *gainValue)
	case playCmd.FullCommand():
		err = client.Play(ctx)
	case pauseCmd.FullCommand():
		err = client.Pause(ctx)
	case unstallCmd.FullCommand():
		err = client.Unstall(ctx)
	case seekCmd.FullCommand():
		err = client.Seek(ctx, *seekFraction)
	case repeatCmd.FullCommand():
		err = client.SetRepeat(ctx, *repeatValue)
	case keyCmd.FullCommand():
		err = client.MediaKey(ctx, *keyName)
	case postCmd.FullCommand():
		err = post(ctx, client, *postMessage)
	case statusCmd.FullCommand():
		err = showStatus(ctx, client)
	case historyCmd.FullCommand():
		err = showHistory(ctx, client, *historyLimit)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func post(ctx context.Context, client *apiconnect.ControlClient, raw string) error {
	var msg map[string]any
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return client.PostToWorker(ctx, msg)
}

func showStatus(ctx context.Context, client *apiconnect.ControlClient) error {
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st map[string]any) {
	item, _ := st["item_id"].(string)
	if item == "" {
		item = "(none)"
	}
	fmt.Printf("  Item: %s\n", item)
	fmt.Printf("  Phase: %v\n", st["phase"])
	fmt.Printf("  Playing: %v\n", st["playing"])
	if known, _ := st["duration_known"].(bool); known {
		fmt.Printf("  Position: %s / %s (%.1f%%)\n",
			formatMs(st["position_ms"]), formatMs(st["duration_ms"]), toFloat(st["progress"])*100)
	} else {
		fmt.Printf("  Position: %s / ?\n", formatMs(st["position_ms"]))
	}
	fmt.Printf("  Repeat: %v\n", st["repeat"])
	fmt.Printf("  Watchdog: %v\n", st["watchdog"])

	gains, _ := st["gains"].(map[string]any)
	knobs := make([]string, 0, len(gains))
	for k := range gains {
		knobs = append(knobs, k)
	}
	sort.Strings(knobs)
	for _, k := range knobs {
		node, _ := gains[k].(map[string]any)
		fmt.Printf("  %-6s raw=%+.2f value=%.3f\n", k, toFloat(node["raw"]), toFloat(node["value"]))
	}
}

func showHistory(ctx context.Context, client *apiconnect.ControlClient, limit int) error {
	entries, err := client.History(ctx, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%v  %-20v item=%v", e["at"], e["type"], e["item_id"])
		switch e["type"] {
		case "is_playing_changed":
			fmt.Printf(" playing=%v", e["playing"])
		case "playback_failed":
			fmt.Printf(" reason=%q", e["reason"])
		case "media_key":
			fmt.Printf(" key=%v", e["key"])
		}
		fmt.Println()
	}
	return nil
}

func subscribe(client *apiconnect.ControlClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nUnsubscribing...")
		cancel()
	}()

	fmt.Println("Subscribed to status events. Press Ctrl+C to exit.")

	err := client.Subscribe(ctx, func(msg map[string]any) error {
		printEvent(msg)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fmt.Printf("Stream error: %v\n", err)
		os.Exit(1)
	}
}

func printEvent(msg map[string]any) {
	switch msg["type"] {
	case "initial_state":
		fmt.Println("=== INITIAL STATE ===")
		st, _ := msg["status"].(map[string]any)
		printStatus(st)
	case "progress":
		fmt.Printf("[%v] progress item=%v %.1f%%\n", msg["sequence_no"], msg["item_id"], toFloat(msg["progress"])*100)
	case "is_playing_changed":
		fmt.Printf("[%v] playing=%v item=%v\n", msg["sequence_no"], msg["playing"], msg["item_id"])
	case "playback_ended":
		fmt.Printf("[%v] ended item=%v\n", msg["sequence_no"], msg["item_id"])
	case "playback_failed":
		fmt.Printf("[%v] failed item=%v reason=%q\n", msg["sequence_no"], msg["item_id"], msg["reason"])
	case "media_key":
		fmt.Printf("[%v] media key %v\n", msg["sequence_no"], msg["key"])
	case "worker_message":
		payload, _ := json.Marshal(msg["payload"])
		fmt.Printf("[%v] worker %s\n", msg["sequence_no"], payload)
	default:
		fmt.Printf("[%v] %v\n", msg["sequence_no"], msg["type"])
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func formatMs(v any) string {
	return (time.Duration(toFloat(v)) * time.Millisecond).Round(100 * time.Millisecond).String()
}
