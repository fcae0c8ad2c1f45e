// Package oscserver is the OSC control surface: editors and controllers
// send edits and transport commands, visualizers receive step events.
package oscserver

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/hypebeast/go-osc/osc"

	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/playback"
	"github.com/schollz/stepcollider/internal/types"
)

var ErrBadArgs = errors.New("bad osc arguments")

// Controller is the engine surface driven over OSC
type Controller interface {
	SetStep(seq, ch, step int, s model.Step) error
	SetBpm(v float64) error
	Start(atStep int) error
	Stop()
	Pause() error
	Resume() error
	SetChannelBuffer(ch int, ref string) error
	SetChannelTrim(ch int, w model.TrimWindow) error
	SetChannelVolume(ch int, v float64) error
	SetChannelSpeed(ch int, v float64) error
	SetChannelMute(ch int, muted bool) error
	SetChannelSolo(ch int, solo bool) error
	SetLoopGeometry(g model.Geometry) error
	MarkLive(seq int) error
	UnmarkLive(seq int) error
	SetPolicy(p types.ChainPolicy)
	SetCue(seq int) error
	OnStep(fn func(playback.StepEvent))
	OnSequenceChange(fn func(int))
	OnSongEnd(fn func(int))
}

// Sender is satisfied by *osc.Client
type Sender interface {
	Send(packet osc.Packet) error
}

type handler func(msg *osc.Message) error

type Server struct {
	ctl        Controller
	out        Sender
	handlers   map[string]handler
	dispatcher *osc.StandardDispatcher
}

// New registers every control address. out may be nil when nobody listens
// for step events.
func New(ctl Controller, out Sender) *Server {
	s := &Server{
		ctl:        ctl,
		out:        out,
		dispatcher: osc.NewStandardDispatcher(),
	}
	s.handlers = map[string]handler{
		"/step":     s.step,
		"/bpm":      s.bpm,
		"/start":    s.start,
		"/stop":     func(*osc.Message) error { ctl.Stop(); return nil },
		"/pause":    func(*osc.Message) error { return ctl.Pause() },
		"/resume":   func(*osc.Message) error { return ctl.Resume() },
		"/buffer":   s.buffer,
		"/trim":     s.trim,
		"/volume":   s.channelFloat(ctl.SetChannelVolume),
		"/speed":    s.channelFloat(ctl.SetChannelSpeed),
		"/mute":     s.channelBool(ctl.SetChannelMute),
		"/solo":     s.channelBool(ctl.SetChannelSolo),
		"/live":     s.live,
		"/geometry": s.geometry,
		"/policy":   s.policy,
		"/cue":      s.cue,
	}
	for addr, h := range s.handlers {
		addr, h := addr, h
		s.dispatcher.AddMsgHandler(addr, func(msg *osc.Message) {
			if err := h(msg); err != nil {
				s.reportError(addr, err)
			}
		})
	}
	if out != nil {
		ctl.OnStep(s.sendStep)
		ctl.OnSequenceChange(func(seq int) { s.send(osc.NewMessage("/sequence", int32(seq))) })
		ctl.OnSongEnd(func(seq int) { s.send(osc.NewMessage("/songend", int32(seq))) })
	}
	return s
}

// Addresses lists the control addresses
func (s *Server) Addresses() []string {
	out := make([]string, 0, len(s.handlers))
	for addr := range s.handlers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Dispatcher() *osc.StandardDispatcher {
	return s.dispatcher
}

// Handle runs the handler for one message and returns its error
func (s *Server) Handle(msg *osc.Message) error {
	h, ok := s.handlers[msg.Address]
	if !ok {
		return fmt.Errorf("unknown address %s", msg.Address)
	}
	return h(msg)
}

// ListenAndServe blocks serving OSC on addr, e.g. ":57121"
func (s *Server) ListenAndServe(addr string) error {
	server := &osc.Server{Addr: addr, Dispatcher: s.dispatcher}
	log.Printf("Starting OSC server on %s", addr)
	return server.ListenAndServe()
}

func (s *Server) reportError(addr string, err error) {
	log.Printf("oscserver: %s: %v", addr, err)
	s.send(osc.NewMessage("/error", addr, err.Error()))
}

func (s *Server) send(msg *osc.Message) {
	if s.out == nil {
		return
	}
	if err := s.out.Send(msg); err != nil {
		log.Printf("oscserver: send %s: %v", msg.Address, err)
	}
}

// sendStep forwards the scheduled time so the receiver can compensate for
// its own latency.
func (s *Server) sendStep(ev playback.StepEvent) {
	s.send(osc.NewMessage("/stepped", int32(ev.Sequence), int32(ev.Step), ev.Time))
}

// /step seq ch step active [reverse [pitch [volume]]]
func (s *Server) step(msg *osc.Message) error {
	if err := need(msg, 4); err != nil {
		return err
	}
	var idx [3]int
	for i := range idx {
		v, err := argInt(msg, i)
		if err != nil {
			return err
		}
		idx[i] = v
	}
	st := model.Step{}
	var err error
	if st.Active, err = argBool(msg, 3); err != nil {
		return err
	}
	if len(msg.Arguments) > 4 {
		if st.Reverse, err = argBool(msg, 4); err != nil {
			return err
		}
	}
	if len(msg.Arguments) > 5 {
		v, err := argFloat(msg, 5)
		if err != nil {
			return err
		}
		st.Pitch = &v
	}
	if len(msg.Arguments) > 6 {
		v, err := argFloat(msg, 6)
		if err != nil {
			return err
		}
		st.Volume = &v
	}
	return s.ctl.SetStep(idx[0], idx[1], idx[2], st)
}

func (s *Server) bpm(msg *osc.Message) error {
	if err := need(msg, 1); err != nil {
		return err
	}
	v, err := argFloat(msg, 0)
	if err != nil {
		return err
	}
	return s.ctl.SetBpm(v)
}

// /start [step]
func (s *Server) start(msg *osc.Message) error {
	step := 0
	if len(msg.Arguments) > 0 {
		v, err := argInt(msg, 0)
		if err != nil {
			return err
		}
		step = v
	}
	return s.ctl.Start(step)
}

func (s *Server) buffer(msg *osc.Message) error {
	if err := need(msg, 2); err != nil {
		return err
	}
	ch, err := argInt(msg, 0)
	if err != nil {
		return err
	}
	ref, err := argString(msg, 1)
	if err != nil {
		return err
	}
	return s.ctl.SetChannelBuffer(ch, ref)
}

func (s *Server) trim(msg *osc.Message) error {
	if err := need(msg, 3); err != nil {
		return err
	}
	ch, err := argInt(msg, 0)
	if err != nil {
		return err
	}
	start, err := argFloat(msg, 1)
	if err != nil {
		return err
	}
	end, err := argFloat(msg, 2)
	if err != nil {
		return err
	}
	return s.ctl.SetChannelTrim(ch, model.TrimWindow{Start: start, End: end})
}

func (s *Server) channelFloat(set func(int, float64) error) handler {
	return func(msg *osc.Message) error {
		if err := need(msg, 2); err != nil {
			return err
		}
		ch, err := argInt(msg, 0)
		if err != nil {
			return err
		}
		v, err := argFloat(msg, 1)
		if err != nil {
			return err
		}
		return set(ch, v)
	}
}

func (s *Server) channelBool(set func(int, bool) error) handler {
	return func(msg *osc.Message) error {
		if err := need(msg, 2); err != nil {
			return err
		}
		ch, err := argInt(msg, 0)
		if err != nil {
			return err
		}
		v, err := argBool(msg, 1)
		if err != nil {
			return err
		}
		return set(ch, v)
	}
}

// /live seq [0|1]
func (s *Server) live(msg *osc.Message) error {
	if err := need(msg, 1); err != nil {
		return err
	}
	seq, err := argInt(msg, 0)
	if err != nil {
		return err
	}
	on := true
	if len(msg.Arguments) > 1 {
		if on, err = argBool(msg, 1); err != nil {
			return err
		}
	}
	if on {
		return s.ctl.MarkLive(seq)
	}
	return s.ctl.UnmarkLive(seq)
}

// /geometry stepsPerSequence sequenceCount
func (s *Server) geometry(msg *osc.Message) error {
	if err := need(msg, 2); err != nil {
		return err
	}
	steps, err := argInt(msg, 0)
	if err != nil {
		return err
	}
	seqs, err := argInt(msg, 1)
	if err != nil {
		return err
	}
	return s.ctl.SetLoopGeometry(model.Geometry{StepsPerSequence: steps, SequenceCount: seqs})
}

func (s *Server) policy(msg *osc.Message) error {
	if err := need(msg, 1); err != nil {
		return err
	}
	name, err := argString(msg, 0)
	if err != nil {
		return err
	}
	p, err := types.ParseChainPolicy(name)
	if err != nil {
		return err
	}
	s.ctl.SetPolicy(p)
	return nil
}

func (s *Server) cue(msg *osc.Message) error {
	if err := need(msg, 1); err != nil {
		return err
	}
	seq, err := argInt(msg, 0)
	if err != nil {
		return err
	}
	return s.ctl.SetCue(seq)
}
