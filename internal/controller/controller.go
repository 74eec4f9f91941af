// Package controller composes the signal bus, sampler, calibration engine,
// fault detector, command table, and SMS pipeline into the main loop of
// spec.md §4.8. It owns every piece of mutable state the original firmware
// kept in extern globals (`chEnabled`, `chSpoiled`, `controlFlags`, …),
// reified here as fields of a Controller value held by the single control
// goroutine.
package controller

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/derkling/rfn/internal/calibration"
	"github.com/derkling/rfn/internal/channels"
	"github.com/derkling/rfn/internal/command"
	"github.com/derkling/rfn/internal/config"
	"github.com/derkling/rfn/internal/diag"
	"github.com/derkling/rfn/internal/fault"
	"github.com/derkling/rfn/internal/modemio"
	"github.com/derkling/rfn/internal/scheduler"
	"github.com/derkling/rfn/internal/signalbus"
	"github.com/derkling/rfn/internal/smspipeline"
)

// Sampler is the narrow slice of *sampler.Sampler the main loop needs,
// grounded on the same small-interface idiom as internal/command.SignalQuality
// and internal/sampler.Mux.
type Sampler interface {
	Select(set *channels.Set) (int, error)
	Sample(ch int) (iRms, vRms, pRms int64, err error)
}

// Watchdog is the hardware watchdog strobe (spec.md §4.8 step 1, §5's
// "reset at the top of every main-loop iteration").
type Watchdog interface {
	Kick()
}

// CalibrationLED drives the "calibration in progress" indicator (spec.md
// §4.8 step 2: solid when complete, blinking otherwise).
type CalibrationLED interface {
	SetSolid(solid bool)
}

// Relay drives the external fault relay GPIO (spec.md §3: "spoiled =>
// critical-spoiled triggers the external relay").
type Relay interface {
	SetTripped(tripped bool)
}

// ResetReason is the single byte sampled before the watchdog is armed
// (SPEC_FULL.md's supplemented boot-diagnostics feature, from
// original_source/signals.c's reset-reason handling).
type ResetReason struct {
	PowerOn  bool
	External bool
	BrownOut bool
	Watchdog bool
}

// Flags renders the reset reason as a short flag string, e.g. "RST W", for
// the boot-notification SMS.
func (r ResetReason) Flags() string {
	flags := ""
	if r.PowerOn {
		flags += "P"
	}
	if r.External {
		flags += "E"
	}
	if r.BrownOut {
		flags += "B"
	}
	if r.Watchdog {
		flags += "W"
	}
	if flags == "" {
		return "RST ?"
	}
	return "RST " + flags
}

// Controller owns every piece of runtime state the main loop touches and
// composes the leaf components into spec.md §4.8's per-iteration sequence.
type Controller struct {
	Cfg       *config.Store
	Sampler   Sampler
	Signals   *signalbus.Bus
	Scheduler *scheduler.Scheduler
	Pipeline  *smspipeline.Pipeline
	Cmd       *command.Context

	Watchdog       Watchdog
	CalibrationLED CalibrationLED
	FaultRelay     Relay

	Logger *log.Logger

	// BootID correlates log lines and SMS traces from a single power cycle
	// (SPEC_FULL.md's DOMAIN STACK binding for github.com/google/uuid),
	// minted once in New.
	BootID uuid.UUID

	Set     channels.Set
	Records [channels.Count]channels.Record

	calibration calibration.Engine
	fault       fault.Params

	noChannelSleep time.Duration

	smsTimer    *scheduler.Timer
	consoleTimer *scheduler.Timer
	buttonTimer *scheduler.Timer

	coolCountdown int
}

// New builds a Controller. cfg must already be loaded (Store.Load called).
// The returned Controller has not yet registered its scheduled tasks or
// sent its boot notification; call Boot for that.
func New(cfg *config.Store, samp Sampler, signals *signalbus.Bus, sched *scheduler.Scheduler,
	pipeline *smspipeline.Pipeline, cmd *command.Context, logger *log.Logger) *Controller {
	c := &Controller{
		Cfg:            cfg,
		Sampler:        samp,
		Signals:        signals,
		Scheduler:      sched,
		Pipeline:       pipeline,
		Cmd:            cmd,
		Logger:         logger,
		BootID:         uuid.New(),
		noChannelSleep: 500 * time.Millisecond,
	}
	c.Cmd.Set = &c.Set
	c.Cmd.Records = &c.Records
	return c
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	c.Logger.Printf("[%s] "+format, append([]interface{}{c.BootID}, args...)...)
}

// Boot loads runtime state from the configuration mirror (spec.md §3's
// lifecycle: channel records zero-initialized, calibrating = enabled),
// registers the scheduler's three tasks (§4.7), and sends the boot
// notification SMS carrying reason's flag string if notify-on-reboot is
// set (SPEC_FULL.md's supplemented reset-reason feature).
func (c *Controller) Boot(ctx context.Context, reason ResetReason) {
	mirror := c.Cfg.Mirror()
	c.Set.Enabled = mirror.Enabled
	c.Set.Critical = mirror.Critical
	c.Set.Calibrating = mirror.Enabled
	for ch := 0; ch < channels.Count; ch++ {
		c.Records[ch].Reset()
		c.Records[ch].MarkUncalibrated(mirror.FaultSamples)
	}
	c.calibration = calibration.Engine{
		FaultLevel:       mirror.FaultLevel,
		FlCalibrationDiv: mirror.FlCalibrationDiv,
		FaultSamples:     mirror.FaultSamples,
	}
	c.fault = fault.Params{
		FaultLevel:   mirror.FaultLevel,
		FaultSamples: mirror.FaultSamples,
		FaultChecks:  mirror.FaultChecks,
	}
	c.Cmd.Monitoring = true

	c.registerTasks(mirror.FaultCheckTimeS)

	c.logf("boot: %s enabled=%04x critical=%04x", reason.Flags(), c.Set.Enabled, c.Set.Critical)
	if mirror.NotifyFlags&config.NotifyOnReboot != 0 {
		c.notifyAll(ctx, mirror.Identification+" "+reason.Flags()+" "+c.BootID.String())
	}
}

// registerTasks wires the scheduler's three periodic tasks (spec.md §4.7):
// the SMS task (30s default), the console task (1s, also decrements the
// cooldown), and the button task (3s, only armed while the button is
// depressed).
func (c *Controller) registerTasks(faultCheckTimeS uint16) {
	c.smsTimer = c.Scheduler.Register(30*time.Second, func(time.Time) {
		if err := c.Pipeline.Tick(context.Background()); err != nil {
			c.logf("sms task: %v", err)
		}
	})
	c.consoleTimer = c.Scheduler.Register(time.Second, func(now time.Time) {
		c.tickCooldown(context.Background())
	})
	c.buttonTimer = c.Scheduler.Register(3*time.Second, func(time.Time) {
		c.onButton(context.Background())
	})
	c.buttonTimer.Disarm()
	_ = faultCheckTimeS
}

// tickCooldown decrements the global cool_countdown once per console-task
// tick (spec.md §4.5's "decremented once per console-task tick"),
// resuming every suspended channel atomically when it reaches zero.
func (c *Controller) tickCooldown(ctx context.Context) {
	if c.coolCountdown > 0 {
		c.coolCountdown--
		if c.coolCountdown == 0 {
			fault.ResumeCooldown(&c.Set)
		}
	}
}

// armCooldown starts the global cooldown if it is not already running,
// per spec.md §4.5: "further CHECKED transitions do not reset it."
func (c *Controller) armCooldown() {
	if c.coolCountdown == 0 {
		c.coolCountdown = int(c.Cfg.Mirror().FaultCheckTimeS)
	}
}

// onButton arms/disarms clearing of spoiled channels while the button is
// held (spec.md §3: "clearing spoiled requires an operator action
// (button or recalibration command)").
func (c *Controller) onButton(ctx context.Context) {
	if !c.Signals.Level(signalbus.Button) {
		c.buttonTimer.Disarm()
		return
	}
	for ch := 0; ch < channels.Count; ch++ {
		if c.Set.Spoiled.Has(ch) {
			fault.Clear(&c.Set, ch)
		}
	}
}

// Step runs one main-loop iteration (spec.md §4.8). It returns how long
// the caller should sleep before the next Step when no channel was active.
func (c *Controller) Step(ctx context.Context) time.Duration {
	if c.Watchdog != nil {
		c.Watchdog.Kick()
	}

	if c.CalibrationLED != nil {
		c.CalibrationLED.SetSolid(c.Set.Calibrating.Empty())
	}

	c.Scheduler.Poll()

	c.checkPendingSignals(ctx)

	ch, err := c.Sampler.Select(&c.Set)
	if err != nil {
		c.logf("select: %v", err)
		return c.noChannelSleep
	}
	if ch == channels.None {
		return c.noChannelSleep
	}

	iRms, vRms, pRms, err := c.Sampler.Sample(ch)
	if err != nil {
		c.logf("sample channel %d: %v", ch+1, err)
		return 0
	}
	c.Records[ch].IRms, c.Records[ch].VRms, c.Records[ch].PRms = iRms, vRms, pRms

	if c.Set.Calibrating.Has(ch) {
		c.stepCalibration(ctx, ch, iRms, vRms, pRms)
	} else if c.Cmd.Monitoring {
		c.stepFault(ctx, ch, pRms)
	}

	return 0
}

// checkPendingSignals handles the unit-fault and button edges (spec.md
// §4.8 step 4). For the unit-fault ISR polarity open question (DESIGN.md
// decision #1), signalbus picks the edge that sets the line pending and
// this function treats a pending edge observed while Level(UnitFault)
// reads high as a fault. The sticky unit-fault line is re-enabled after
// each consumed edge so the next one is delivered.
func (c *Controller) checkPendingSignals(ctx context.Context) {
	if c.Signals.Pending(signalbus.UnitFault) {
		if c.Signals.Level(signalbus.UnitFault) {
			c.notifyAll(ctx, c.Cfg.Mirror().Identification+" unit fault")
		}
		c.Signals.Enable(signalbus.UnitFault)
	}
	if c.Signals.Pending(signalbus.Button) {
		if c.Signals.Level(signalbus.Button) {
			c.buttonTimer.Arm(time.Now())
		} else {
			c.buttonTimer.Disarm()
		}
	}
}

// stepCalibration runs the calibration engine for ch and, if this
// completes calibration globally, emits the one-shot notification
// (spec.md §4.8 step 6, §4.4's "global completion").
func (c *Controller) stepCalibration(ctx context.Context, ch int, iRms, vRms, pRms int64) {
	if c.calibration.Sample(&c.Records[ch], iRms, vRms, pRms) {
		c.Set.Calibrating = c.Set.Calibrating.Clear(ch)
		if c.Set.Calibrating.And(c.Set.Enabled).Empty() {
			mirror := c.Cfg.Mirror()
			if mirror.NotifyFlags&config.NotifyOnCalibrationComplete != 0 {
				c.notifyAll(ctx, mirror.Identification+" calibration complete")
			}
		}
	}
}

// stepFault runs the fault detector for ch (spec.md §4.8 step 7), wiring
// its CHECKED/CONFIRMED outcomes into the global cooldown, the fault
// relay, and the confirmation SMS.
func (c *Controller) stepFault(ctx context.Context, ch int, pRms int64) {
	outcome := fault.Detect(c.fault, &c.Records[ch], &c.Set, ch, pRms)
	if c.FaultRelay != nil {
		c.FaultRelay.SetTripped(c.Set.CriticalSpoiled())
	}
	if !outcome.JustChecked {
		return
	}
	c.armCooldown()
	if !outcome.JustConfirmed {
		return
	}
	mirror := c.Cfg.Mirror()
	c.notifyAll(ctx, mirror.Identification+" channel "+strconv.Itoa(ch+1)+" fault confirmed")
	calibration.ForceRecalibration(&c.Records[ch], mirror.FaultSamples)
	c.Set.Calibrating = c.Set.Calibrating.Set(ch)
}

var _ diag.Reporter = (*Controller)(nil)

// Status renders the same information as the `rs` command's reply, for
// internal/diag's bench-only HTTP status endpoint.
func (c *Controller) Status(ctx context.Context) (diag.StatusResponse, error) {
	mode := "OK"
	switch {
	case !c.Cmd.Monitoring:
		mode = "DIS"
	case c.Set.CriticalSpoiled():
		mode = "LAMP"
	case !c.Set.Spoiled.Empty():
		mode = "GUAS"
	case !c.Set.Calibrating.Empty():
		mode = "CAL"
	}

	csq := modemio.CSQNoSignal
	if c.Cmd.Modem != nil {
		if v, err := c.Cmd.Modem.CSQ(ctx); err == nil {
			csq = v
		}
	}

	return diag.StatusResponse{
		Mode:     mode,
		Faulted:  indices(c.Set.Spoiled),
		CSQ:      csq,
		Quality:  modemio.Quality(csq),
		Enabled:  indices(c.Set.Enabled),
		Critical: indices(c.Set.Critical),
	}, nil
}

func indices(m channels.Mask) []int {
	var idx []int
	for ch := 0; ch < channels.Count; ch++ {
		if m.Has(ch) {
			idx = append(idx, ch+1)
		}
	}
	return idx
}

// notifyAll sends text to every allow-listed destination (spec.md §4.6's
// notify-by-SMS, applied to every configured number rather than a single
// originating sender, per the boot/unit-fault/confirmation broadcast
// cases distinct from the SMS-reply case handled inside smspipeline.Drain).
func (c *Controller) notifyAll(ctx context.Context, text string) {
	for _, dest := range c.Cfg.Destinations() {
		if err := c.Pipeline.Notify(ctx, dest, text); err != nil {
			c.logf("notify %s: %v", dest, err)
		}
	}
}

