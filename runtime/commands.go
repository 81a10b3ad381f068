package runtime

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/process"

	"chat-relay/domain"
)

// helpText still advertises /msg even though private messages travel as
// their own envelope type: the terminal client rewrites /msg into a private
// envelope before it reaches the relay, so the interpreter itself never
// sees it.
const helpText = `available commands:
/help - show this help
/rooms - list all rooms
/join <room> - switch to a room
/users - list users in your room
/msg <user> <text> - send a private message
/ping - measure round-trip latency
/stats - show relay statistics`

// handleCommand maps slash-command text to a response. An empty return
// means the command already answered through a direct send.
func (r *Relay) handleCommand(ctx context.Context, id, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "enter a command"
	}

	switch fields[0] {
	case "/help":
		return helpText

	case "/rooms":
		rooms := r.registry.Rooms()
		names := lo.Keys(rooms)
		sort.Strings(names)
		lines := lo.Map(names, func(name string, _ int) string {
			return fmt.Sprintf("%s (%d online)", name, rooms[name])
		})
		return "available rooms:\n" + strings.Join(lines, "\n")

	case "/users":
		view, ok := r.registry.View(id)
		if !ok {
			return ""
		}
		members := r.registry.MemberViews(view.Room)
		lines := lo.Map(members, func(s domain.Session, _ int) string {
			return fmt.Sprintf("%s (%s)", s.Username, s.Addr)
		})
		sort.Strings(lines)
		return fmt.Sprintf("%d users in %s:\n%s", len(members), view.Room, strings.Join(lines, "\n"))

	case "/ping":
		// Out-of-band probe: the client answers the ping itself and derives
		// the latency from the microsecond timestamp in the body.
		r.unicast(ctx, id, domain.NewPing(strconv.FormatInt(r.clock().UnixMicro(), 10)))
		return ""

	case "/stats":
		sessions, rooms := r.registry.Counts()
		stats := fmt.Sprintf("relay statistics:\nconnections: %d\nrooms: %d", sessions, rooms)
		if extra := selfStats(); extra != "" {
			stats += "\n" + extra
		}
		return stats

	default:
		return "unknown command: " + text
	}
}

// selfStats reports process memory and CPU, best effort: on any probe error
// the stats reply simply omits these lines.
func selfStats() string {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ""
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return ""
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("rss: %d bytes\ncpu: %.1f%%", memInfo.RSS, cpuPercent)
}
