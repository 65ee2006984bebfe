// Package cli implements the interactive command-line interface for the
// proxy. It exposes the mirrored catalog, command sending and
// configuration updates without going through the REST API.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/config"
	"github.com/m3tac0de/x1proxy/internal/engine"
	"github.com/m3tac0de/x1proxy/internal/events"
	intnet "github.com/m3tac0de/x1proxy/internal/network"
	"github.com/m3tac0de/x1proxy/internal/protocol"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	engine   *engine.Engine
	bridge   *intnet.Bridge
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, eng *engine.Engine, bridge *intnet.Bridge) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		engine:   eng,
		bridge:   bridge,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nx1proxy CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	// Simple line reader for cross-platform compatibility
	reader := newLineReader()
	if reader == nil {
		log.Warn().Msg("CLI: failed to initialize line reader, CLI disabled")
		<-ctx.Done()
		return
	}
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadLine("x1proxy> ")
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "activities", "acts":
		c.printActivities()
	case "devices", "devs":
		c.printDevices()
	case "commands", "cmds":
		return c.printCommands(args)
	case "activity":
		return c.printActivityDetail(args)
	case "send":
		return c.cmdSend(args)
	case "activate":
		return c.cmdActivate(args)
	case "find":
		return c.cmdFind()
	case "refresh":
		return c.cmdRefresh()
	case "enable":
		c.setProxyEnabled(true)
	case "disable":
		c.setProxyEnabled(false)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down x1proxy...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     x1proxy CLI Commands                     ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  status             Show hub and session status             ║")
	fmt.Println("║  activities         List cached activities                  ║")
	fmt.Println("║  devices            List cached devices                     ║")
	fmt.Println("║  activity <id>      Show one activity in detail             ║")
	fmt.Println("║  commands <id>      List command labels for a device        ║")
	fmt.Println("║  send <id> <cmd>    Send a key press to an entity           ║")
	fmt.Println("║  activate <id>      Start an activity                       ║")
	fmt.Println("║  find               Buzz the physical remote                ║")
	fmt.Println("║  refresh            Re-request the hub catalog              ║")
	fmt.Println("║  enable / disable   Resume or pause the proxy claim loop    ║")
	fmt.Println("║  setconfig <k> <v>  Update a hub configuration value        ║")
	fmt.Println("║  quit               Shutdown x1proxy                        ║")
	fmt.Println("║  help               Show this help message                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus displays transport and session state.
func (c *CLI) printStatus() {
	store := c.engine.Store()
	current := store.CurrentActivity()
	name := store.ActivityName(current)
	if name == "" {
		name = "-"
	}

	fmt.Printf("\n  Hub IP:          %s\n", c.cfg.GetHubData().HubIP)
	fmt.Printf("  Hub Version:     %s\n", c.engine.HubVersion())
	fmt.Printf("  Proxy Enabled:   %v\n", c.engine.ProxyEnabled())
	fmt.Printf("  Hub Connected:   %v\n", c.engine.HubConnected())
	fmt.Printf("  App Connected:   %v\n", c.engine.ClientConnected())
	fmt.Printf("  Can Issue Cmds:  %v\n", c.engine.CanIssueCommands())
	fmt.Printf("  Activity:        %d (%s)\n", current, name)
	fmt.Printf("  Burst Active:    %v\n", c.engine.Burst().Active())
	fmt.Printf("  Queued Commands: %d\n", c.engine.Burst().QueueLen())
	fmt.Println()
}

// printActivities displays the cached activities in a formatted table.
func (c *CLI) printActivities() {
	activities, ok := c.engine.GetActivities()
	if !ok {
		fmt.Println("Activity list not cached yet, refresh requested.")
		return
	}

	current := c.engine.Store().CurrentActivity()

	ids := make([]int, 0, len(activities))
	for id := range activities {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Active", "Current"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, id := range ids {
		act := activities[byte(id)]
		currentMark := ""
		if id == current {
			currentMark = "*"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", id),
			act.Name,
			fmt.Sprintf("%v", act.Active),
			currentMark,
		})
	}

	tw.Render()
	fmt.Println()
}

// printDevices displays the cached devices in a formatted table.
func (c *CLI) printDevices() {
	devices, ok := c.engine.GetDevices()
	if !ok {
		fmt.Println("Device list not cached yet, refresh requested.")
		return
	}

	ids := make([]int, 0, len(devices))
	for id := range devices {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Brand"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, id := range ids {
		dev := devices[byte(id)]
		tw.Append([]string{
			fmt.Sprintf("%d", id),
			dev.Name,
			dev.Brand,
		})
	}

	tw.Render()
	fmt.Println()
}

// printCommands displays the command labels known for a device.
func (c *CLI) printCommands(args []string) error {
	id, err := parseEntityArg(args)
	if err != nil {
		return err
	}

	commands, ok := c.engine.GetCommandsForEntity(id, true)
	if !ok {
		fmt.Println("Command list not cached yet, refresh requested.")
		return nil
	}

	cmds := make([]int, 0, len(commands))
	for cmd := range commands {
		cmds = append(cmds, int(cmd))
	}
	sort.Ints(cmds)

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Command", "Label"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, cmd := range cmds {
		tw.Append([]string{
			fmt.Sprintf("0x%02X", cmd),
			commands[byte(cmd)],
		})
	}

	tw.Render()
	fmt.Println()
	return nil
}

// printActivityDetail prints one activity with favorites, macros and members.
func (c *CLI) printActivityDetail(args []string) error {
	id, err := parseEntityArg(args)
	if err != nil {
		return err
	}

	store := c.engine.Store()
	act, ok := store.Activity(id)
	if !ok {
		return fmt.Errorf("activity %d not found", id)
	}

	fmt.Printf("\n  Activity:  %d\n", id)
	fmt.Printf("  Name:      %s\n", act.Name)
	fmt.Printf("  Active:    %v\n", act.Active)

	if members := store.ActivityMembers(id); len(members) > 0 {
		fmt.Println("  Members:")
		for _, dev := range members {
			name := "-"
			if d, ok := store.Device(int(dev)); ok {
				name = d.Name
			}
			fmt.Printf("    - %d (%s)\n", dev, name)
		}
	}

	if favorites := store.ActivityFavoriteLabels(id); len(favorites) > 0 {
		fmt.Println("  Favorites:")
		for _, fav := range favorites {
			fmt.Printf("    - slot %d: dev %d cmd 0x%02X  %s\n",
				fav.ButtonID, fav.DeviceID, fav.CommandID, fav.Label)
		}
	}

	if macros, ok := c.engine.GetMacrosForActivity(id, true); ok && len(macros) > 0 {
		fmt.Println("  Macros:")
		for _, m := range macros {
			fmt.Printf("    - 0x%02X  %s\n", m.CommandID, m.Label)
		}
	}

	fmt.Println()
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <entity_id> <command_id>")
	}

	id, err := parseEntityArg(args[:1])
	if err != nil {
		return err
	}
	cmd, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid command id: %s", args[1])
	}

	if !c.engine.SendCommand(id, byte(cmd)) {
		return fmt.Errorf("command refused: no hub connection or a client app owns the session")
	}
	fmt.Printf("Sent command 0x%02X to entity %d\n", cmd, id)
	return nil
}

func (c *CLI) cmdActivate(args []string) error {
	id, err := parseEntityArg(args)
	if err != nil {
		return err
	}

	if _, ok := c.engine.Store().Activity(id); !ok {
		return fmt.Errorf("activity %d not found", id)
	}

	if !c.engine.SendCommand(id, protocol.ButtonPowerOn) {
		return fmt.Errorf("activation refused: no hub connection or a client app owns the session")
	}
	fmt.Printf("Activity %d started\n", id)
	return nil
}

func (c *CLI) cmdFind() error {
	if !c.engine.FindRemote() {
		return fmt.Errorf("find remote refused: no hub connection or a client app owns the session")
	}
	fmt.Println("Remote finder triggered")
	return nil
}

func (c *CLI) cmdRefresh() error {
	if !c.engine.CanIssueCommands() {
		return fmt.Errorf("refresh refused: no hub connection or a client app owns the session")
	}
	c.engine.RequestActivities()
	c.engine.RequestDevices()
	fmt.Println("Catalog refresh requested")
	return nil
}

func (c *CLI) setProxyEnabled(enabled bool) {
	c.engine.SetProxyEnabled(enabled)
	if c.bridge != nil {
		if enabled {
			c.bridge.Enable()
		} else {
			c.bridge.Disable()
		}
	}
	if err := c.cfg.UpdateHubField("proxy_enabled", enabled); err != nil {
		log.Warn().Err(err).Msg("CLI: failed to update proxy_enabled")
	} else if err := c.cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("CLI: failed to persist proxy_enabled")
	}
	if enabled {
		fmt.Println("Proxy enabled")
	} else {
		fmt.Println("Proxy disabled. A live hub session is kept until it drops.")
	}
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	if err := c.cfg.UpdateHubField(key, value); err != nil {
		return err
	}

	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Config updated: %s = %s\n", key, value)
	return nil
}

func parseEntityArg(args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("entity id required")
	}
	id, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid entity id: %s", args[0])
	}
	return int(id), nil
}

// lineReader is a simple cross-platform line reader.
type lineReader struct {
	closer io.Closer
}

func newLineReader() *lineReader {
	return &lineReader{}
}

func (lr *lineReader) ReadLine(prompt string) (string, error) {
	fmt.Print(prompt)
	var line string
	_, err := fmt.Scanln(&line)
	return line, err
}

func (lr *lineReader) Close() error {
	if lr.closer != nil {
		return lr.closer.Close()
	}
	return nil
}
