// Package modemio drives the cellular modem's text-mode AT dialog: send
// SMS, read SMS by index, delete SMS, query signal strength and
// registration status (spec.md's "cellular modem's text-mode AT dialog"
// collaborator, §1).
package modemio

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/modem/gsm"
	"github.com/warthog618/sms/encoding/tpdu"
	"github.com/warthog618/sms/ms/message"
	"github.com/warthog618/sms/ms/sar"
)

// CSQ bands for the qualitative signal-strength label in the `rs`/status
// reply (spec.md §6): {0 or 99, <=4, <=16, >16}.
const (
	CSQNoSignal = 99
)

// Quality returns the qualitative label for a CSQ reading, per spec.md §6.
func Quality(csq int) string {
	switch {
	case csq == 0 || csq == CSQNoSignal:
		return "Scarso"
	case csq <= 4:
		return "Basso"
	case csq <= 16:
		return "Buono"
	default:
		return "Ottimo"
	}
}

// Registration is the modem's network registration state.
type Registration int

const (
	NotRegistered Registration = iota
	RegisteredHome
	RegisteredRoaming
	RegistrationDenied
	RegistrationUnknown
)

// singleSegmentChars is the 7-bit-alphabet budget of a single SMS segment;
// beyond it a message stops being "one SMS" (spec.md §5's cmd_buffer is
// capped at 161 bytes, so this only ever bites on the rare oversized reply).
const singleSegmentChars = 160

// Modem is a thin decorator over warthog618/modem's GSM driver, exposing
// only the subset of dialog the RFN core needs: text-mode AT+CMGS for
// sending (matching the original firmware's gsmSMSSend), plus the
// CSQ/CREG/CMGR/CMGD reads the teacher's modem.go never needed because it
// only ever sent.
type Modem struct {
	gsm *gsm.GSM
}

// New wraps an already-constructed, not-yet-initialized GSM driver (see
// cmd/rfn for how it is built over a serial transport, following the
// teacher's internal/modem.monitor dial sequence). The caller must not set
// PDU mode: Modem always runs the modem in text mode.
func New(g *gsm.GSM) *Modem {
	return &Modem{gsm: g}
}

// Init brings the modem dialog up, matching the teacher's modem.go boot
// sequence (AT.Init then a capability check), left to gsm.GSM.Init.
func (m *Modem) Init(ctx context.Context) error {
	return errors.Wrap(m.gsm.Init(ctx), "modemio: init")
}

// Closed reports the modem's closed channel, so callers can select on a
// disconnect the same way the teacher's sender loop does.
func (m *Modem) Closed() <-chan struct{} {
	return m.gsm.Closed()
}

// CSQ issues AT+CSQ and parses the signal-quality indicator.
func (m *Modem) CSQ(ctx context.Context) (int, error) {
	lines, err := m.gsm.Command(ctx, "+CSQ")
	if err != nil {
		return 0, errors.Wrap(err, "modemio: CSQ")
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "+CSQ:") {
			fields := strings.FieldsFunc(strings.TrimPrefix(l, "+CSQ:"), func(r rune) bool {
				return r == ',' || r == ' '
			})
			if len(fields) > 0 {
				csq, err := strconv.Atoi(fields[0])
				if err != nil {
					return 0, errors.Wrap(err, "modemio: parse CSQ")
				}
				return csq, nil
			}
		}
	}
	return 0, errors.New("modemio: malformed CSQ response")
}

// Registered issues AT+CREG? and reports the registration state.
func (m *Modem) Registered(ctx context.Context) (Registration, error) {
	lines, err := m.gsm.Command(ctx, "+CREG?")
	if err != nil {
		return RegistrationUnknown, errors.Wrap(err, "modemio: CREG")
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "+CREG:") {
			fields := strings.FieldsFunc(strings.TrimPrefix(l, "+CREG:"), func(r rune) bool {
				return r == ',' || r == ' '
			})
			if len(fields) < 2 {
				continue
			}
			stat, err := strconv.Atoi(fields[1])
			if err != nil {
				return RegistrationUnknown, errors.Wrap(err, "modemio: parse CREG")
			}
			switch stat {
			case 1:
				return RegisteredHome, nil
			case 5:
				return RegisteredRoaming, nil
			case 3:
				return RegistrationDenied, nil
			default:
				return NotRegistered, nil
			}
		}
	}
	return RegistrationUnknown, errors.New("modemio: malformed CREG response")
}

// Message is one SMS pulled from the modem inbox.
type Message struct {
	Index int
	From  string
	Text  string
}

// ReadSMS issues AT+CMGR=index in text mode and parses the header/body
// pair, matching gsm.c's gsmGetNewMessage dialog for a single index.
// A missing message (no +CMGR line) returns ok=false, not an error.
func (m *Modem) ReadSMS(ctx context.Context, index int) (msg Message, ok bool, err error) {
	lines, err := m.gsm.Command(ctx, fmt.Sprintf("+CMGR=%d", index))
	if err != nil {
		return Message{}, false, errors.Wrap(err, "modemio: CMGR")
	}
	for i, l := range lines {
		if !strings.HasPrefix(l, "+CMGR:") {
			continue
		}
		fields := strings.Split(strings.TrimPrefix(l, "+CMGR:"), ",")
		if len(fields) < 2 {
			return Message{}, false, errors.New("modemio: malformed CMGR header")
		}
		from := strings.Trim(strings.TrimSpace(fields[1]), "\"")
		body := ""
		if i+1 < len(lines) {
			body = lines[i+1]
		}
		return Message{Index: index, From: from, Text: body}, true, nil
	}
	return Message{}, false, nil
}

// DeleteSMS issues AT+CMGD=index.
func (m *Modem) DeleteSMS(ctx context.Context, index int) error {
	_, err := m.gsm.Command(ctx, fmt.Sprintf("+CMGD=%d", index))
	if err != nil {
		return errors.Wrap(err, "modemio: CMGD")
	}
	return nil
}

// SendSMS sends text to number in text mode (AT+CMGS), matching gsm.c's
// gsmSMSSend dialog and delegating the actual CMGS/Ctrl-Z dance to
// gsm.GSM.SendSMS. The modem stays in text mode for the whole session, so a
// message that would need more than one PDU segment is truncated to a
// single segment rather than switched to PDU mode mid-session.
func (m *Modem) SendSMS(ctx context.Context, number, text string) error {
	text = fitToSingleSegment(number, text)
	_, err := m.gsm.SendSMS(ctx, number, text)
	if err != nil {
		return errors.Wrap(err, "modemio: CMGS")
	}
	return nil
}

// fitToSingleSegment uses the real PDU segmenter to find out whether text
// would need more than one SMS part, and truncates it to a single segment's
// length when it would. This never fires for the status reply or
// identification text under normal configuration (spec.md §5 bounds
// cmd_buffer at 161 bytes), only for operator-entered free text that
// overruns it.
func fitToSingleSegment(number, text string) string {
	ude, err := tpdu.NewUDEncoder()
	if err != nil {
		return text
	}
	ude.AddAllCharsets()
	enc := message.NewEncoder(ude, sar.NewSegmenter())
	pdus, err := enc.Encode(number, text)
	if err != nil || len(pdus) <= 1 {
		return text
	}
	if len(text) > singleSegmentChars {
		return text[:singleSegmentChars]
	}
	return text
}

// PowerCycler toggles a GPIO-controlled power line; the AT engine cannot do
// this itself, so the caller supplies the strobe (cmd/rfn wires this to the
// board's modem power-control pin).
type PowerCycler interface {
	PowerCycle(ctx context.Context) error
}
