// Package command implements the console/SMS command parser and dispatch
// table of spec.md §6: a flat table of named commands, each with its own
// argument parsing and a single reply string.
//
// The original firmware (`_examples/original_source/bertos/mware/parser.h`)
// expresses this as a `CmdTemplate{name, arg_fmt, result_fmt, func}` table
// driven by a format-string interpreter. Go has no equivalent to a C union
// of `long`/`char*` results, so the table here keeps the same flat,
// name-keyed dispatch shape but gives each command a typed handler that
// parses its own whitespace-delimited arguments — the format strings
// collapse into ordinary Go code instead of a second interpreter.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/derkling/rfn/internal/calibration"
	"github.com/derkling/rfn/internal/channels"
	"github.com/derkling/rfn/internal/config"
	"github.com/derkling/rfn/internal/fault"
	"github.com/derkling/rfn/internal/modemio"
)

// ErrUnknownCommand and ErrInvalidArgs are the parser's two exit codes
// (spec.md §6: "-1 invalid command; -2 invalid arguments").
var (
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrInvalidArgs    = errors.New("command: invalid arguments")
)

const version = "rfn-1.0"

// SignalQuality is the narrow collaborator the `rs` command needs from the
// modem (mirrors internal/sampler's Mux: a single-method interface rather
// than depending on the concrete *modemio.Modem type).
type SignalQuality interface {
	CSQ(ctx context.Context) (int, error)
}

// Context is the mutable state a command handler reads and writes. It is
// not safe for concurrent use: commands run serially on the main loop,
// matching spec.md §4.7's cooperative scheduler.
type Context struct {
	Cfg     *config.Store
	Set     *channels.Set
	Records *[channels.Count]channels.Record
	Modem   SignalQuality

	// Monitoring mirrors the `am`/`dm` toggle (spec.md §6).
	Monitoring bool

	// Sleep and Reboot are seams over the `sleep`/`rst` side effects so
	// tests never actually block or reboot.
	Sleep  func(time.Duration)
	Reboot func()
}

// Command is one entry in the dispatch table.
type Command struct {
	Name    string
	Handler func(ctx context.Context, c *Context, args string) (string, error)
}

var table = map[string]Command{}

func register(cmds ...Command) {
	for _, c := range cmds {
		table[c.Name] = c
	}
}

func init() {
	register(
		Command{"ver", cmdVer},
		Command{"ping", cmdPing},
		Command{"sleep", cmdSleep},
		Command{"rst", cmdRst},
		Command{"help", cmdHelp},
		Command{"ag", cmdAg},
		Command{"rg", cmdRg},
		Command{"vg", cmdVg},
		Command{"ii", cmdIi},
		Command{"vi", cmdVi},
		Command{"aa", cmdAa},
		Command{"ra", cmdRa},
		Command{"ac", cmdAc},
		Command{"rc", cmdRc},
		Command{"ip", cmdIp},
		Command{"vp", cmdVp},
		Command{"in", cmdIn},
		Command{"vn", cmdVn},
		Command{"fc", cmdFc},
		Command{"am", cmdAm},
		Command{"dm", cmdDm},
		Command{"fl", cmdFl},
		Command{"sc", cmdSc},
		Command{"rs", cmdRs},
	)
}

// Dispatch tokenizes line as "<name> <rest>", looks the name up in the
// table, and invokes its handler. An empty line is a no-op (the SMS
// pipeline's splitter can hand it an empty trailing segment).
func Dispatch(ctx context.Context, c *Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	name, rest, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	cmd, ok := table[name]
	if !ok {
		return "", ErrUnknownCommand
	}
	return cmd.Handler(ctx, c, strings.TrimSpace(rest))
}

// ParseChannelList parses the `"<n>( <n>)*"` channel-list grammar of
// spec.md §6. The literal token "0" means "all channels" (0xFFFF); any
// non-digit or out-of-range token makes the whole list parse to the empty
// mask ("no-op"), matching the original firmware's all-or-nothing parse.
func ParseChannelList(s string) channels.Mask {
	fields := strings.Fields(s)
	var m channels.Mask
	all := false
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return 0
		}
		if n == 0 {
			all = true
			continue
		}
		if n < 1 || n > channels.Count {
			return 0
		}
		m = m.Set(n - 1)
	}
	if all {
		return channels.AllMask
	}
	return m
}

// formatIdxList renders a mask as 1-based, space-separated channel numbers.
func formatIdxList(m channels.Mask) string {
	var idx []string
	for ch := 0; ch < channels.Count; ch++ {
		if m.Has(ch) {
			idx = append(idx, strconv.Itoa(ch+1))
		}
	}
	return strings.Join(idx, " ")
}

func cmdVer(_ context.Context, _ *Context, _ string) (string, error) {
	return version, nil
}

func cmdPing(_ context.Context, _ *Context, _ string) (string, error) {
	return "", nil
}

func cmdSleep(_ context.Context, c *Context, args string) (string, error) {
	ms, err := strconv.Atoi(args)
	if err != nil {
		return "", ErrInvalidArgs
	}
	if c.Sleep != nil {
		c.Sleep(time.Duration(ms) * time.Millisecond)
	}
	return "", nil
}

func cmdRst(_ context.Context, c *Context, _ string) (string, error) {
	if c.Reboot != nil {
		c.Reboot()
	}
	return "", nil
}

func cmdHelp(_ context.Context, _ *Context, _ string) (string, error) {
	return "", nil
}

func cmdAg(_ context.Context, c *Context, args string) (string, error) {
	slot, number, ok := strings.Cut(args, " ")
	n, err := strconv.Atoi(slot)
	if err != nil || !ok || number == "" {
		return "", ErrInvalidArgs
	}
	if err := c.Cfg.SetDestination(n, strings.TrimSpace(number)); err != nil {
		return "", errors.Wrap(err, "command: ag")
	}
	return "", nil
}

func cmdRg(_ context.Context, c *Context, args string) (string, error) {
	n, err := strconv.Atoi(args)
	if err != nil {
		return "", ErrInvalidArgs
	}
	if err := c.Cfg.ClearDestination(n); err != nil {
		return "", errors.Wrap(err, "command: rg")
	}
	return "", nil
}

func cmdVg(_ context.Context, c *Context, _ string) (string, error) {
	dests := c.Cfg.Mirror().Destinations
	lines := make([]string, len(dests))
	for i, d := range dests {
		lines[i] = fmt.Sprintf("%d:%s", i+1, d)
	}
	return strings.Join(lines, " "), nil
}

func cmdIi(_ context.Context, c *Context, args string) (string, error) {
	if err := c.Cfg.SetIdentification(args); err != nil {
		return "", errors.Wrap(err, "command: ii")
	}
	return "", nil
}

func cmdVi(_ context.Context, c *Context, _ string) (string, error) {
	return c.Cfg.Mirror().Identification, nil
}

func cmdAa(_ context.Context, c *Context, args string) (string, error) {
	mask := ParseChannelList(args)
	m := c.Cfg.Mirror().Enabled.Or(mask)
	if err := c.Cfg.SetEnabled(m); err != nil {
		return "", errors.Wrap(err, "command: aa")
	}
	c.Set.Enabled = m
	return "", nil
}

func cmdRa(_ context.Context, c *Context, args string) (string, error) {
	mask := ParseChannelList(args)
	m := c.Cfg.Mirror().Enabled.AndNot(mask)
	if err := c.Cfg.SetEnabled(m); err != nil {
		return "", errors.Wrap(err, "command: ra")
	}
	c.Set.Enabled = m
	return "", nil
}

// cmdAc and cmdRc never intersect with Enabled: a channel can be critical
// while disabled (DESIGN.md's Open Question decision #2).
func cmdAc(_ context.Context, c *Context, args string) (string, error) {
	mask := ParseChannelList(args)
	m := c.Cfg.Mirror().Critical.Or(mask)
	if err := c.Cfg.SetCritical(m); err != nil {
		return "", errors.Wrap(err, "command: ac")
	}
	c.Set.Critical = m
	return "", nil
}

func cmdRc(_ context.Context, c *Context, args string) (string, error) {
	mask := ParseChannelList(args)
	m := c.Cfg.Mirror().Critical.AndNot(mask)
	if err := c.Cfg.SetCritical(m); err != nil {
		return "", errors.Wrap(err, "command: rc")
	}
	c.Set.Critical = m
	return "", nil
}

// ipFaultLevelScale is the kW-to-internal-units conversion applied only at
// this command boundary (DESIGN.md's Open Question decision #3).
const ipFaultLevelScale = 1000

func cmdIp(_ context.Context, c *Context, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 7 {
		return "", ErrInvalidArgs
	}
	vals := make([]int64, 7)
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return "", ErrInvalidArgs
		}
		vals[i] = v
	}
	p := config.FaultParams{
		FaultSamples:     uint8(vals[0]),
		FaultChecks:      uint8(vals[1]),
		FaultCheckTimeS:  uint16(vals[2]),
		FaultLevel:       uint32(vals[3]) * ipFaultLevelScale,
		FlCalibrationDiv: uint8(vals[4]),
		FlDetectionDiv:   uint8(vals[5]),
		CalibrationWeeks: uint8(vals[6]),
	}
	if err := c.Cfg.SetFaultParams(p); err != nil {
		return "", errors.Wrap(err, "command: ip")
	}
	return "", nil
}

func cmdVp(_ context.Context, c *Context, _ string) (string, error) {
	m := c.Cfg.Mirror()
	return fmt.Sprintf("%d %d %d %d %d %d %d",
		m.FaultSamples, m.FaultChecks, m.FaultCheckTimeS,
		m.FaultLevel/ipFaultLevelScale, m.FlCalibrationDiv,
		m.FlDetectionDiv, m.CalibrationWeeks), nil
}

func cmdIn(_ context.Context, c *Context, args string) (string, error) {
	var flags uint8
	for i, ch := range args {
		if i >= 8 {
			break
		}
		if ch != '0' {
			flags |= 1 << uint(i)
		}
	}
	if err := c.Cfg.SetNotifyFlags(flags); err != nil {
		return "", errors.Wrap(err, "command: in")
	}
	return "", nil
}

func cmdVn(_ context.Context, c *Context, _ string) (string, error) {
	flags := c.Cfg.Mirror().NotifyFlags
	b := make([]byte, 8)
	for i := range b {
		if flags&(1<<uint(i)) != 0 {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b), nil
}

func cmdFc(_ context.Context, c *Context, _ string) (string, error) {
	faultSamples := c.Cfg.Mirror().FaultSamples
	for ch := 0; ch < channels.Count; ch++ {
		if !c.Set.Enabled.Has(ch) {
			continue
		}
		calibration.ForceRecalibration(&c.Records[ch], faultSamples)
		c.Set.Calibrating = c.Set.Calibrating.Set(ch)
		fault.Clear(c.Set, ch)
	}
	return "", nil
}

func cmdAm(_ context.Context, c *Context, _ string) (string, error) {
	c.Monitoring = true
	return "", nil
}

func cmdDm(_ context.Context, c *Context, _ string) (string, error) {
	c.Monitoring = false
	return "", nil
}

// cmdFl forces every critical channel spoiled, tripping the relay through
// the ordinary spoiled-and-critical invariant (spec.md §3: "spoiled =>
// critical-spoiled triggers the external relay").
func cmdFl(_ context.Context, c *Context, _ string) (string, error) {
	c.Set.Spoiled = c.Set.Spoiled.Or(c.Set.Critical)
	return "", nil
}

func cmdSc(_ context.Context, c *Context, args string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || n < 1 || n > channels.Count {
		return "", ErrInvalidArgs
	}
	ch := n - 1
	return stateLabel(fault.ChannelState(c.Set, ch)), nil
}

func stateLabel(s fault.State) string {
	switch s {
	case fault.OK:
		return "OK"
	case fault.Sampling:
		return "SAMPLING"
	case fault.Checked:
		return "CHECKED"
	case fault.Confirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// cmdRs renders the `rs` global status reply (spec.md §6's schema: STATO,
// CF, GSM, CA, CC lines).
func cmdRs(ctx context.Context, c *Context, _ string) (string, error) {
	var mode string
	switch {
	case !c.Monitoring:
		mode = "DIS"
	case c.Set.CriticalSpoiled():
		mode = "LAMP"
	case !c.Set.Spoiled.Empty():
		mode = "GUAS"
	case !c.Set.Calibrating.Empty():
		mode = "CAL"
	default:
		mode = "OK"
	}

	cf := "Nessuno"
	if !c.Set.Spoiled.Empty() {
		cf = formatIdxList(c.Set.Spoiled)
	}

	csq := modemio.CSQNoSignal
	if c.Modem != nil {
		if v, err := c.Modem.CSQ(ctx); err == nil {
			csq = v
		}
	}

	lines := []string{
		fmt.Sprintf("STATO %s", mode),
		fmt.Sprintf("CF %s", cf),
		fmt.Sprintf("GSM %d (%s)", csq, modemio.Quality(csq)),
		fmt.Sprintf("CA %s", formatIdxList(c.Set.Enabled)),
		fmt.Sprintf("CC %s", formatIdxList(c.Set.Critical)),
	}
	return strings.Join(lines, "\n"), nil
}
