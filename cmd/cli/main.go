package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	rulesvc "market-alerts/internal/grpc"
	"market-alerts/pkg/models"
)

const requestTimeout = 5 * time.Second

func main() {
	serverAddr := flag.String("addr", "127.0.0.1:50051", "rule service address")
	flag.Parse()

	client, err := rulesvc.Dial(*serverAddr)
	if err != nil {
		log.Fatalf("Failed to create client for %s: %v", *serverAddr, err)
	}
	defer client.Close()

	fmt.Println("Market Alerts CLI")
	fmt.Println("Server:", *serverAddr)
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Println("Available commands:")
		fmt.Println("1. watch [symbols]     - Watch live prices (e.g., watch BTC/USDT,ETH/USDT)")
		fmt.Println("2. add-rule            - Create a new alert rule")
		fmt.Println("3. list-rules [symbol] - List alert rules")
		fmt.Println("4. update-rule <id>    - Change threshold, note or enabled flag")
		fmt.Println("5. remove-rule <id>    - Delete a rule")
		fmt.Println("6. history [rule-id]   - Show recent triggers and delivery results")
		fmt.Println("7. watch-alerts        - Watch for alert triggers")
		fmt.Println("8. quit                - Exit the application")
		fmt.Print("\nEnter command: ")

		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}

		switch parts[0] {
		case "1", "watch":
			var symbols []string
			if arg != "" {
				symbols = strings.Split(arg, ",")
			}
			watchPrices(client, symbols)

		case "2", "add-rule":
			addRule(client, scanner)

		case "3", "list-rules":
			listRules(client, arg)

		case "4", "update-rule":
			if arg == "" {
				fmt.Println("Usage: update-rule <id>")
				continue
			}
			updateRule(client, scanner, arg)

		case "5", "remove-rule":
			if arg == "" {
				fmt.Println("Usage: remove-rule <id>")
				continue
			}
			removeRule(client, arg)

		case "6", "history":
			showHistory(client, arg)

		case "7", "watch-alerts":
			watchAlerts(client)

		case "8", "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}

		fmt.Println()
	}
}

// untilInterrupt returns a context cancelled by Ctrl+C so streams end without exiting the CLI.
func untilInterrupt() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func prompt(scanner *bufio.Scanner, label string) (string, bool) {
	fmt.Print(label)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

func watchPrices(client *rulesvc.Client, symbols []string) {
	fmt.Printf("Watching prices for: %v (Press Ctrl+C to stop)\n", symbols)

	ctx, cancel := untilInterrupt()
	defer cancel()

	err := client.WatchPrices(ctx, symbols, func(tick models.Tick) error {
		fmt.Printf("[%s] %-10s %14.4f  (%s, 24h %+.2f%%)\n",
			tick.ObservedAt.Format("15:04:05"), tick.Symbol, tick.Price, tick.Source, tick.PercentChange)
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		log.Printf("Error receiving prices: %v", err)
	}
}

func addRule(client *rulesvc.Client, scanner *bufio.Scanner) {
	fmt.Println("Creating a new alert rule")

	symbol, ok := prompt(scanner, "Enter symbol (e.g., BTC/USDT): ")
	if !ok {
		return
	}

	fmt.Println("Conditions: above, below, change_up_percent, change_down_percent")
	condition, ok := prompt(scanner, "Enter condition: ")
	if !ok {
		return
	}

	raw, ok := prompt(scanner, "Enter threshold: ")
	if !ok {
		return
	}
	threshold, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Printf("Invalid threshold: %v\n", err)
		return
	}

	channels, ok := prompt(scanner, "Enter channels (log,console,email,chatbot,all) [log]: ")
	if !ok {
		return
	}
	req := rulesvc.AddRuleRequest{
		Symbol:    strings.ToUpper(symbol),
		Condition: condition,
		Threshold: threshold,
	}
	if channels != "" {
		req.Channels = strings.Split(channels, ",")
	}

	if emails, ok := prompt(scanner, "Email recipients (comma separated, optional): "); ok && emails != "" {
		req.Recipients = map[string][]string{"email": strings.Split(emails, ",")}
	}
	if chats, ok := prompt(scanner, "Chat IDs (comma separated, optional): "); ok && chats != "" {
		if req.Recipients == nil {
			req.Recipients = map[string][]string{}
		}
		req.Recipients["chatbot"] = strings.Split(chats, ",")
	}
	req.Note, _ = prompt(scanner, "Enter note (optional): ")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rule, err := client.AddRule(ctx, req)
	if err != nil {
		log.Printf("Error creating rule: %v", err)
		return
	}

	fmt.Println("Rule created successfully!")
	printRule(rule)
}

func listRules(client *rulesvc.Client, symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rules, err := client.ListRules(ctx, rulesvc.ListRulesRequest{Symbol: symbol})
	if err != nil {
		log.Printf("Error listing rules: %v", err)
		return
	}

	if len(rules) == 0 {
		fmt.Println("No rules found")
		return
	}

	fmt.Printf("Found %d rule(s):\n\n", len(rules))
	for i, rule := range rules {
		fmt.Printf("%d.", i+1)
		printRule(rule)
		fmt.Println()
	}
}

func updateRule(client *rulesvc.Client, scanner *bufio.Scanner, id string) {
	req := rulesvc.UpdateRuleRequest{ID: id}

	if raw, ok := prompt(scanner, "New threshold (blank to keep): "); ok && raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			fmt.Printf("Invalid threshold: %v\n", err)
			return
		}
		req.Threshold = &threshold
	}
	if note, ok := prompt(scanner, "New note (blank to keep): "); ok && note != "" {
		req.Note = &note
	}
	if raw, ok := prompt(scanner, "Enabled? (y/n, blank to keep): "); ok && raw != "" {
		enabled := strings.HasPrefix(strings.ToLower(raw), "y")
		req.Enabled = &enabled
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rule, err := client.UpdateRule(ctx, req)
	if err != nil {
		log.Printf("Error updating rule: %v", err)
		return
	}

	fmt.Println("Rule updated successfully!")
	printRule(rule)
}

func removeRule(client *rulesvc.Client, id string) {
	fmt.Printf("Deleting rule: %s\n", id)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := client.RemoveRule(ctx, id); err != nil {
		log.Printf("Error deleting rule: %v", err)
		return
	}

	fmt.Println("Rule deleted successfully!")
}

func showHistory(client *rulesvc.Client, ruleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	records, err := client.ListHistory(ctx, rulesvc.ListHistoryRequest{RuleID: ruleID, Limit: 20})
	if err != nil {
		log.Printf("Error listing history: %v", err)
		return
	}

	if len(records) == 0 {
		fmt.Println("No triggers recorded")
		return
	}

	for _, record := range records {
		ev := record.Event
		fmt.Printf("[%s] %s\n", ev.TriggeredAt.Format("2006-01-02 15:04:05"), ev.Message)
		for _, d := range record.Deliveries {
			line := fmt.Sprintf("   %-8s %s", d.Channel, d.Status)
			if d.Error != "" {
				line += ": " + d.Error
			}
			fmt.Println(line)
		}
	}
}

func watchAlerts(client *rulesvc.Client) {
	fmt.Println("Watching for alert triggers (Press Ctrl+C to stop)")

	ctx, cancel := untilInterrupt()
	defer cancel()

	err := client.SubscribeTriggers(ctx, func(ev *models.TriggerEvent) error {
		fmt.Printf("\nALERT TRIGGERED! [%s]\n", ev.TriggeredAt.Format("15:04:05"))
		fmt.Printf("Rule: %s %s %.4f\n", ev.Symbol, ev.Condition, ev.Threshold)
		fmt.Println(ev.Message)
		fmt.Println(strings.Repeat("-", 40))
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		log.Printf("Error receiving alert triggers: %v", err)
	}
}

func printRule(rule *models.AlertRule) {
	status := "Enabled"
	if !rule.Enabled {
		status = "Disabled"
	}
	state := "armed"
	if !rule.Armed {
		state = "triggered"
	}

	fmt.Printf(" %s (%s)\n", status, state)
	fmt.Printf("   ID: %s\n", rule.ID)
	fmt.Printf("   Rule: %s %s %.4f\n", rule.Symbol, rule.Condition, rule.Threshold)
	fmt.Printf("   Channels: %v\n", rule.Channels)
	if rule.Note != "" {
		fmt.Printf("   Note: %s\n", rule.Note)
	}
	if rule.LastTriggeredAt != nil {
		fmt.Printf("   Last triggered: %s\n", rule.LastTriggeredAt.Format("2006-01-02 15:04:05"))
	}
}
