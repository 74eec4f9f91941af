// Package smspipeline implements the SMS command pipeline of spec.md §4.6:
// drain the modem inbox, split a message into semicolon-separated
// commands, dispatch each through internal/command, aggregate a single
// reply, and send it back with escalating retry.
package smspipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/derkling/rfn/internal/command"
	"github.com/derkling/rfn/internal/modemio"
)

// Modem is the narrow slice of *modemio.Modem the pipeline needs, grounded
// on the teacher's internal/modem.SMSDispatcher/gsm.GSM pattern of
// depending on a small interface rather than a concrete modem type, so
// tests drive the pipeline against a fake inbox.
type Modem interface {
	ReadSMS(ctx context.Context, index int) (modemio.Message, bool, error)
	DeleteSMS(ctx context.Context, index int) error
	SendSMS(ctx context.Context, number, text string) error
	Registered(ctx context.Context) (modemio.Registration, error)
	CSQ(ctx context.Context) (int, error)
}

// Pipeline runs one SMS-task tick (spec.md §4.6). It is not safe for
// concurrent use; the scheduler invokes Tick serially from the main loop.
type Pipeline struct {
	Modem  Modem
	Power  modemio.PowerCycler // nil if the board has no power-control line
	Cmd    *command.Context
	Logger *log.Logger

	// NetworkRetryWait is the pause between registration/signal polls
	// (spec.md §4.6: "between attempts, wait 60 s").
	NetworkRetryWait time.Duration
	// MaxNetworkAttempts is how many polls are tolerated before a
	// power-cycle is attempted ("after a configurable number of failures").
	MaxNetworkAttempts int
	// PowerCycleBackoff escalates the wait after each power-cycle (10, 20,
	// 40 minutes, up to a ceiling), grounded on the teacher's
	// internal/modem.monitor reconnect backoff.Backoff usage.
	PowerCycleBackoff backoff.Backoff
	// GSMRestartEvery forces a power-cycle every N ticks regardless of
	// registration state ("resilience against stuck sessions").
	GSMRestartEvery int

	// Sleep is a seam over time.Sleep so tests run without real delays.
	Sleep func(time.Duration)

	tick int
}

// New builds a Pipeline with spec.md §4.6's default tunables.
func New(modem Modem, power modemio.PowerCycler, cmd *command.Context, logger *log.Logger) *Pipeline {
	return &Pipeline{
		Modem:              modem,
		Power:              power,
		Cmd:                cmd,
		Logger:             logger,
		NetworkRetryWait:   60 * time.Second,
		MaxNetworkAttempts: 5,
		PowerCycleBackoff:  backoff.Backoff{Min: 10 * time.Minute, Max: 40 * time.Minute, Factor: 2},
		GSMRestartEvery:    0,
		Sleep:              time.Sleep,
	}
}

func (p *Pipeline) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
	}
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Tick runs one SMS-task iteration (spec.md §4.6, steps 1-4).
func (p *Pipeline) Tick(ctx context.Context) error {
	p.tick++
	if p.GSMRestartEvery > 0 && p.tick%p.GSMRestartEvery == 0 {
		p.powerCycle(ctx)
	}

	reg, err := p.Modem.Registered(ctx)
	if err != nil {
		return errors.Wrap(err, "smspipeline: registration check")
	}
	if reg != modemio.RegisteredHome && reg != modemio.RegisteredRoaming {
		p.powerCycle(ctx)
	}

	return p.Drain(ctx)
}

// Drain repeatedly reads and deletes the message at inbox index 1 until
// the inbox reports empty, dispatching and replying to each one in turn.
// spec.md §4.6 simplifies the original gsmGetNewMessage inbox scan (which
// walked indices 1..9) to "read SMS at index 1"; Drain keeps that
// simplification but loops it so one tick fully empties the inbox rather
// than peeking a single message, matching the original's "fully drain"
// intent without reintroducing its linear index scan.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		msg, ok, err := p.Modem.ReadSMS(ctx, 1)
		if err != nil {
			return errors.Wrap(err, "smspipeline: read inbox")
		}
		if !ok {
			return nil
		}
		if err := p.Modem.DeleteSMS(ctx, msg.Index); err != nil {
			p.logf("smspipeline: delete sms %d: %v", msg.Index, err)
		}

		reply := p.splitAndParse(ctx, msg.Text)
		if reply == "" {
			continue
		}
		p.sleep(10 * time.Second)
		if err := p.Notify(ctx, msg.From, reply); err != nil {
			return err
		}
	}
}

// splitAndParse walks text, delimiting a command at each `;` (or end of
// string), lowercasing and dispatching each one, and joining the non-empty
// replies into the single outbound buffer (spec.md §4.6's split-and-parse).
func (p *Pipeline) splitAndParse(ctx context.Context, text string) string {
	var replies []string
	for _, segment := range strings.Split(text, ";") {
		segment = strings.ToLower(strings.TrimSpace(segment))
		if segment == "" {
			continue
		}
		reply, err := command.Dispatch(ctx, p.Cmd, segment)
		if err != nil {
			p.logf("smspipeline: command %q: %v", segment, err)
			continue
		}
		if reply != "" {
			replies = append(replies, reply)
		}
	}
	return strings.Join(replies, "\n")
}

// Notify sends text to dest, retrying registration and signal-strength
// checks with escalating power-cycles, per spec.md §4.6's notify-by-SMS.
// Exported so internal/controller can reuse it for the boot, unit-fault,
// calibration-complete and fault-confirmation broadcasts, not just the
// SMS-reply path Drain drives.
func (p *Pipeline) Notify(ctx context.Context, dest, text string) error {
	if err := p.waitFor(ctx, func() (bool, error) {
		reg, err := p.Modem.Registered(ctx)
		return reg == modemio.RegisteredHome || reg == modemio.RegisteredRoaming, err
	}); err != nil {
		return errors.Wrap(err, "smspipeline: wait for registration")
	}
	p.PowerCycleBackoff.Reset()

	if err := p.waitFor(ctx, func() (bool, error) {
		csq, err := p.Modem.CSQ(ctx)
		return csq != 0 && csq != modemio.CSQNoSignal, err
	}); err != nil {
		return errors.Wrap(err, "smspipeline: wait for signal")
	}
	p.PowerCycleBackoff.Reset()

	if err := p.Modem.SendSMS(ctx, dest, text); err != nil {
		return errors.Wrap(err, "smspipeline: send")
	}
	return nil
}

// waitFor polls ready until it reports true, power-cycling and backing off
// after MaxNetworkAttempts consecutive failures.
func (p *Pipeline) waitFor(ctx context.Context, ready func() (bool, error)) error {
	attempts := 0
	for {
		ok, err := ready()
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		attempts++
		if p.MaxNetworkAttempts > 0 && attempts >= p.MaxNetworkAttempts {
			p.powerCycle(ctx)
			p.sleep(p.PowerCycleBackoff.Duration())
			attempts = 0
			continue
		}
		p.sleep(p.NetworkRetryWait)
	}
}

func (p *Pipeline) powerCycle(ctx context.Context) {
	if p.Power == nil {
		return
	}
	if err := p.Power.PowerCycle(ctx); err != nil {
		p.logf("smspipeline: power cycle: %v", err)
	}
}
