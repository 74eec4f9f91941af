// Command rfn is the Remote Fault Notifier firmware entrypoint: it loads
// bench/deployment configuration, wires the hardware collaborators, and
// runs the cooperative main loop of spec.md §4.8 until the process is
// killed or the watchdog reboots the board.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vaughan0/go-ini"
	"github.com/warthog618/modem/gsm"
	"github.com/warthog618/modem/serial"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/derkling/rfn/internal/channels"
	"github.com/derkling/rfn/internal/command"
	"github.com/derkling/rfn/internal/config"
	"github.com/derkling/rfn/internal/controller"
	"github.com/derkling/rfn/internal/diag"
	"github.com/derkling/rfn/internal/expander"
	"github.com/derkling/rfn/internal/meterbus"
	"github.com/derkling/rfn/internal/modemio"
	"github.com/derkling/rfn/internal/mux"
	"github.com/derkling/rfn/internal/sampler"
	"github.com/derkling/rfn/internal/scheduler"
	"github.com/derkling/rfn/internal/signalbus"
	"github.com/derkling/rfn/internal/smspipeline"
)

func main() {
	log.Println("main: initializing rfn")

	cfg, err := ini.LoadFile("rfn.ini")
	if err != nil {
		log.Println("main: invalid config: ", err.Error(), " aborting")
		os.Exit(1)
	}

	if _, err := host.Init(); err != nil {
		log.Println("main: periph host init: ", err.Error(), " aborting")
		os.Exit(1)
	}

	store, err := config.Open("sqlite3", get(cfg, "SETTINGS", "DBPATH", "rfn.sqlite"), log.New(os.Stdout, "cfg: ", log.LstdFlags))
	if err != nil {
		log.Println("main: error opening config store: ", err, " aborting")
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Load(); err != nil {
		log.Println("main: error loading config: ", err, " aborting")
		os.Exit(1)
	}

	meter, err := newMeter(cfg)
	if err != nil {
		log.Println("main: meter bus: ", err, " aborting")
		os.Exit(1)
	}
	exp, err := newExpander(cfg)
	if err != nil {
		log.Println("main: io expander: ", err, " aborting")
		os.Exit(1)
	}
	m, err := newMux(cfg)
	if err != nil {
		log.Println("main: channel mux: ", err, " aborting")
		os.Exit(1)
	}
	bus, err := newSignalBus(cfg)
	if err != nil {
		log.Println("main: signal bus: ", err, " aborting")
		os.Exit(1)
	}
	bus.Start()
	defer bus.Stop()

	permutation := parsePermutation(get(cfg, "SAMPLER", "PERMUTATION", ""))
	lineCyclesPeriod := durationMS(cfg, "SAMPLER", "LINECYCLEPERIODMS", 20)
	lineCyclesSampleCount := atoi(cfg, "SAMPLER", "LINECYCLESAMPLECOUNT", 16)
	iOffset := int64(atoi(cfg, "SAMPLER", "IOFFSET", 0))
	powerMonitoring := get(cfg, "SAMPLER", "POWERMONITORING", "1") != "0"

	samp := sampler.New(meter, exp, bus, m, permutation, lineCyclesPeriod, lineCyclesSampleCount, iOffset, powerMonitoring)

	modem, err := newModem(cfg)
	if err != nil {
		log.Println("main: modem: ", err, " aborting")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ictx, icancel := context.WithTimeout(ctx, 10*time.Second)
	if err := modem.Init(ictx); err != nil {
		icancel()
		log.Println("main: modem init: ", err, " aborting")
		os.Exit(1)
	}
	icancel()

	cmdCtx := &command.Context{Cfg: store, Modem: modem, Sleep: time.Sleep}
	pipeline := smspipeline.New(modem, newPowerCycler(cfg), cmdCtx, log.New(os.Stdout, "sms: ", log.LstdFlags))
	sched := scheduler.New(time.Now)

	ctl := controller.New(store, samp, bus, sched, pipeline, cmdCtx, log.New(os.Stdout, "ctl: ", log.LstdFlags))
	ctl.Watchdog = newWatchdog(cfg)
	ctl.CalibrationLED = newCalibrationLED(cfg)
	ctl.FaultRelay = newRelay(cfg)

	reason := readResetReason(cfg)
	ctl.Boot(ctx, reason)

	if addr := get(cfg, "DIAG", "LISTEN", ""); addr != "" {
		go func() {
			if err := diag.ListenAndServe(addr, ctl); err != nil {
				log.Println("diag: ", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("main: shutting down")
		cancel()
	}()

	log.Println("main: entering control loop")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if d := ctl.Step(ctx); d > 0 {
			time.Sleep(d)
		}
	}
}

func get(cfg ini.File, section, key, def string) string {
	if v, ok := cfg.Get(section, key); ok {
		return v
	}
	return def
}

func atoi(cfg ini.File, section, key string, def int) int {
	v, ok := cfg.Get(section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationMS(cfg ini.File, section, key string, defMS int) time.Duration {
	return time.Duration(atoi(cfg, section, key, defMS)) * time.Millisecond
}

// parsePermutation reads a 16-entry comma-separated channel permutation
// (spec.md §4.3: "the board wiring inverts the index order via a fixed
// 16-entry permutation table"). A missing or malformed entry falls back
// to the identity permutation.
func parsePermutation(s string) [channels.Count]int {
	var perm [channels.Count]int
	for i := range perm {
		perm[i] = i
	}
	if s == "" {
		return perm
	}
	fields := strings.Split(s, ",")
	if len(fields) != channels.Count {
		return perm
	}
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return perm
		}
		perm[i] = n
	}
	return perm
}

func pin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("main: no such gpio pin %q", name)
	}
	return p, nil
}

func newMeter(cfg ini.File) (*meterbus.Meter, error) {
	port, err := spireg.Open(get(cfg, "METER", "SPIBUS", ""))
	if err != nil {
		return nil, err
	}
	conn, err := port.DevParams(1*1000*1000, 0, 8)
	if err != nil {
		return nil, err
	}
	return meterbus.New(conn)
}

func newExpander(cfg ini.File) (*expander.Expander, error) {
	bus, err := i2creg.Open(get(cfg, "EXPANDER", "I2CBUS", ""))
	if err != nil {
		return nil, err
	}
	addr := uint16(atoi(cfg, "EXPANDER", "ADDR", 0))
	return expander.New(bus, addr)
}

func newMux(cfg ini.File) (*mux.Mux, error) {
	var sel [4]gpio.PinIO
	for i := range sel {
		p, err := pin(get(cfg, "MUX", fmt.Sprintf("SEL%d", i), ""))
		if err != nil {
			return nil, err
		}
		sel[i] = p
	}
	return mux.New(sel), nil
}

func newSignalBus(cfg ini.File) (*signalbus.Bus, error) {
	names := map[signalbus.Signal]string{
		signalbus.MeterZeroCross: get(cfg, "SIGNALS", "METERZX", ""),
		signalbus.MeterIRQ:       get(cfg, "SIGNALS", "METERIRQ", ""),
		signalbus.RTCIRQ:         get(cfg, "SIGNALS", "RTCIRQ", ""),
		signalbus.UnitFault:      get(cfg, "SIGNALS", "UNITFAULT", ""),
		signalbus.Button:         get(cfg, "SIGNALS", "BUTTON", ""),
		signalbus.ExpanderIRQ:    get(cfg, "SIGNALS", "EXPANDERIRQ", ""),
		signalbus.ModemRing:      get(cfg, "SIGNALS", "MODEMRING", ""),
	}
	pins := map[signalbus.Signal]gpio.PinIO{}
	for sig, name := range names {
		if name == "" {
			continue
		}
		p, err := pin(name)
		if err != nil {
			return nil, err
		}
		pins[sig] = p
	}
	return signalbus.New(pins), nil
}

func newModem(cfg ini.File) (*modemio.Modem, error) {
	port := get(cfg, "MODEM", "PORT", "")
	baud := atoi(cfg, "MODEM", "BAUD", 115200)
	s, err := serial.New(port, baud)
	if err != nil {
		return nil, err
	}
	return modemio.New(gsm.New(s)), nil
}

// gpioRelay, gpioWatchdog, and gpioLED are thin GPIO output wrappers over
// the Controller's Relay/Watchdog/CalibrationLED collaborator interfaces,
// following the same gpio.PinOut.Out usage internal/mux already shows.
type gpioOut struct{ pin gpio.PinIO }

func (g gpioOut) set(high bool) {
	if g.pin == nil {
		return
	}
	lvl := gpio.Low
	if high {
		lvl = gpio.High
	}
	g.pin.Out(lvl)
}

type gpioRelay struct{ gpioOut }

func (r gpioRelay) SetTripped(tripped bool) { r.set(tripped) }

type gpioLED struct{ gpioOut }

func (l gpioLED) SetSolid(solid bool) { l.set(solid) }

// gpioWatchdog strobes a GPIO line wired to an external watchdog
// supervisor (spec.md §4.8: "kicked at the top of every main-loop
// iteration"), toggling so a stuck loop that stops calling Kick leaves
// the line at a fixed level until the supervisor's own timeout reboots.
type gpioWatchdog struct {
	gpioOut
	high bool
}

func (w *gpioWatchdog) Kick() {
	w.high = !w.high
	w.set(w.high)
}

func newRelay(cfg ini.File) gpioRelay {
	p, _ := pin(get(cfg, "RELAY", "PIN", ""))
	return gpioRelay{gpioOut{p}}
}

func newCalibrationLED(cfg ini.File) gpioLED {
	p, _ := pin(get(cfg, "LED", "PIN", ""))
	return gpioLED{gpioOut{p}}
}

func newWatchdog(cfg ini.File) *gpioWatchdog {
	p, _ := pin(get(cfg, "WATCHDOG", "PIN", ""))
	return &gpioWatchdog{gpioOut: gpioOut{p}}
}

func newPowerCycler(cfg ini.File) modemio.PowerCycler {
	p, err := pin(get(cfg, "MODEM", "POWERPIN", ""))
	if err != nil {
		return nil
	}
	return &modemPowerCycler{pin: p}
}

// modemPowerCycler pulses the modem's power-control line (spec.md §4.6's
// "power-cycle it").
type modemPowerCycler struct{ pin gpio.PinIO }

func (m *modemPowerCycler) PowerCycle(ctx context.Context) error {
	if err := m.pin.Out(gpio.Low); err != nil {
		return err
	}
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.pin.Out(gpio.High)
}

// readResetReason samples the board's reset-reason register before the
// watchdog is armed (SPEC_FULL.md's supplemented boot-diagnostics
// feature). A board without a reset-reason GPIO reports only power-on.
func readResetReason(cfg ini.File) controller.ResetReason {
	name := get(cfg, "RESET", "WATCHDOGFLAGPIN", "")
	if name == "" {
		return controller.ResetReason{PowerOn: true}
	}
	p, err := pin(name)
	if err != nil {
		return controller.ResetReason{PowerOn: true}
	}
	return controller.ResetReason{Watchdog: p.Read() == gpio.High}
}
