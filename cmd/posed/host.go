package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"posebridge/pkg/bridge/foxglove"
	"posebridge/pkg/config"
	"posebridge/pkg/engine"
	"posebridge/pkg/ik"
	"posebridge/pkg/logger"
	"posebridge/pkg/protocol"
	"posebridge/pkg/rig"
	"posebridge/pkg/transport"
)

// hostStatus is a snapshot of the foreground state, safe to hand to other
// goroutines.
type hostStatus struct {
	Addr     string
	Receiver transport.Stats
	Slot     engine.SlotStats
	Applier  rig.ApplierStats
	IKActive bool
	Channels ik.Channels
	HubDrops uint64
}

// host wires receiver, rig and IK together. The render and IK ticks run on
// the goroutine that calls run.
type host struct {
	cfg      config.Config
	log      zerolog.Logger
	slot     *engine.Slot
	hub      *engine.Hub
	receiver *transport.Receiver
	scene    *rig.Scene
	applier  *rig.Applier
	ik       *ik.Controller
	channels ik.Channels
	foxglove *foxglove.Server
	status   atomic.Pointer[hostStatus]
	bg       sync.WaitGroup
}

func newHost(ctx context.Context, cfg config.Config, log zerolog.Logger) (*host, error) {
	layout, err := cfg.PoseLayout()
	if err != nil {
		return nil, err
	}
	framing, err := transport.ParseFraming(cfg.Receiver.Framing)
	if err != nil {
		return nil, err
	}
	readTimeout, err := cfg.ReadTimeout()
	if err != nil {
		return nil, err
	}

	h := &host{
		cfg:  cfg,
		log:  log,
		slot: engine.NewSlot(),
		hub:  engine.NewHub(),
	}

	origin := protocol.Vec3{X: cfg.Rig.Origin[0], Y: cfg.Rig.Origin[1], Z: cfg.Rig.Origin[2]}
	h.scene = rig.NewScene(origin, cfg.NodeNames()...)

	h.applier, err = rig.NewApplier(h.scene, h.slot, cfg.Bindings(),
		rig.WithRemap(cfg.RemapParams()),
		rig.WithDecoder(protocol.NewDecoder(layout)),
		rig.WithPublisher(h.hub),
		rig.WithLogger(logger.Component(log, "rig")),
	)
	if err != nil {
		return nil, err
	}

	h.ik = ik.NewController(cfg.IK.Active, h.ikTargets())

	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		h.hub.Run(ctx)
	}()

	h.receiver, err = transport.Listen(ctx, cfg.Receiver.Addr, h.slot,
		transport.WithFraming(framing),
		transport.WithBufferSize(cfg.Receiver.BufferSize),
		transport.WithReadTimeout(readTimeout),
		transport.WithLogger(logger.Component(log, "receiver")),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Foxglove.Enabled {
		h.foxglove = foxglove.NewServer(foxglove.Config{
			WSAddr:      cfg.Foxglove.WSAddr,
			Name:        cfg.Foxglove.Name,
			ParentFrame: cfg.Foxglove.ParentFrame,
			SendBuf:     cfg.Foxglove.SendBuf,
		}, h.hub, foxglove.WithLogger(logger.Component(log, "foxglove")))
		h.bg.Add(1)
		go func() {
			defer h.bg.Done()
			if err := h.foxglove.Run(ctx); err != nil {
				log.Error().Err(err).Msg("foxglove bridge stopped")
			}
		}()
	}

	h.publishStatus()
	return h, nil
}

func (h *host) ikTargets() ik.Targets {
	var t ik.Targets
	if n, ok := h.scene.Node(h.cfg.Rig.LeftHand); ok {
		t.LeftHand = ik.NodeTarget(n)
	}
	if n, ok := h.scene.Node(h.cfg.Rig.RightHand); ok {
		t.RightHand = ik.NodeTarget(n)
	}
	if h.cfg.IK.LookAt != "" {
		if n, ok := h.scene.Node(h.cfg.IK.LookAt); ok {
			t.LookAt = ik.NodeTarget(n)
		}
	}
	return t
}

// run drives the render and IK ticks until ctx is done, then waits for the
// background goroutines.
func (h *host) run(ctx context.Context) error {
	render := time.NewTicker(tickInterval(h.cfg.Loop.RenderHz))
	defer render.Stop()
	ikTick := time.NewTicker(tickInterval(h.cfg.Loop.IKHz))
	defer ikTick.Stop()

	h.log.Info().
		Str("addr", h.receiver.Addr().String()).
		Str("framing", h.cfg.Receiver.Framing).
		Bool("ik_active", h.ik.Active()).
		Msg("posebridge host running")

	for {
		select {
		case <-ctx.Done():
			return h.shutdown()
		case now := <-render.C:
			h.applier.Tick(now)
		case <-ikTick.C:
			h.evaluateIK()
		}
	}
}

func (h *host) evaluateIK() {
	h.channels.Reset()
	h.ik.Evaluate(&h.channels)
	h.publishStatus()
}

func (h *host) publishStatus() {
	st := &hostStatus{
		Slot:     h.slot.Stats(),
		IKActive: h.ik.Active(),
		Channels: h.channels,
		HubDrops: h.hub.Dropped(),
	}
	if h.applier != nil {
		st.Applier = h.applier.Stats()
	}
	if h.receiver != nil {
		st.Addr = h.receiver.Addr().String()
		st.Receiver = h.receiver.Stats()
	}
	h.status.Store(st)
}

// Status returns the snapshot taken at the last IK tick.
func (h *host) Status() hostStatus {
	if st := h.status.Load(); st != nil {
		return *st
	}
	return hostStatus{}
}

func (h *host) shutdown() error {
	var errs []error
	if err := h.receiver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close receiver: %w", err))
	}
	h.receiver.Wait()
	h.bg.Wait()

	st := h.Status()
	h.log.Info().
		Uint64("payloads", st.Receiver.Payloads).
		Uint64("applied", st.Applier.Applied).
		Uint64("dropped", st.Slot.Dropped).
		Msg("posebridge host stopped")
	return errors.Join(errs...)
}

func tickInterval(hz int) time.Duration {
	if hz <= 0 {
		hz = 60
	}
	return time.Second / time.Duration(hz)
}
