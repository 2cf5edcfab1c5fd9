// Command led-fixture drives the 36-pair LED test fixture: it speaks the
// reliable JSON command protocol with the paired controller app over a
// wireless serial link (or a bench websocket), steps lighting sequences,
// and serves a local status page.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/led-fixture/internal/dispatch"
	"github.com/sweeney/led-fixture/internal/gpio"
	"github.com/sweeney/led-fixture/internal/hw"
	"github.com/sweeney/led-fixture/internal/led"
	"github.com/sweeney/led-fixture/internal/protocol"
	"github.com/sweeney/led-fixture/internal/status"
	"github.com/sweeney/led-fixture/internal/telemetry"
	"github.com/sweeney/led-fixture/internal/transport"
	"github.com/sweeney/led-fixture/internal/web"
)

func main() {
	device := flag.String("device", "/dev/rfcomm0", "serial device carrying the wireless link")
	baud := flag.Int("baud", 115200, "serial baud rate")
	wsAddr := flag.String("ws", "", "websocket listen address for bench use (overrides -device)")
	tick := flag.Duration("tick", 10*time.Millisecond, "run loop tick interval")
	ackTimeout := flag.Duration("ack-timeout", 3*time.Second, "protocol ACK timeout")
	maxRetries := flag.Int("max-retries", 3, "protocol retry bound")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "protocol heartbeat interval")
	chip := flag.String("chip", gpio.DefaultChip, "gpiochip device")
	fakeHW := flag.Bool("fake-hw", false, "use in-memory GPIO instead of hardware")
	httpAddr := flag.String("http", ":8080", "HTTP status address (empty to disable)")
	broker := flag.String("broker", "", "MQTT broker for bench telemetry (empty to disable)")
	telemetryHB := flag.Duration("telemetry-heartbeat", 15*time.Minute, "telemetry heartbeat interval (0 to disable)")

	flag.Parse()

	if err := run(*device, *baud, *wsAddr, *tick, *ackTimeout, *maxRetries, *heartbeat,
		*chip, *fakeHW, *httpAddr, *broker, *telemetryHB); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(device string, baud int, wsAddr string, tick, ackTimeout time.Duration, maxRetries int,
	heartbeat time.Duration, chip string, fakeHW bool, httpAddr, broker string, telemetryHB time.Duration) error {

	// Initialize GPIO
	var writer gpio.Writer
	if fakeHW {
		log.Printf("using fake GPIO")
		writer = gpio.NewFakeWriter()
	} else {
		w, err := gpio.NewRealWriter(chip, hw.Lines())
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		writer = w
	}
	defer writer.Close()

	store := led.NewStore(writer)
	seqCfg := led.DefaultConfig()
	engine := led.NewEngine(store, seqCfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	dispatcher := dispatch.New(store, engine, seqCfg, time.Now)

	// Initialize transport
	var tr transport.Transport
	if wsAddr != "" {
		tr = transport.ListenWS(wsAddr)
	} else {
		tr = transport.OpenSerial(device, baud)
	}
	defer tr.Close()

	proto := protocol.New(tr, dispatcher, protocol.Options{
		AckTimeout:        ackTimeout,
		MaxRetries:        maxRetries,
		HeartbeatInterval: heartbeat,
		State:             dispatcher.StateLabel,
	})
	dispatcher.Bind(proto)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		TickMs:      tick.Milliseconds(),
		HeartbeatMs: heartbeat.Milliseconds(),
		Device:      device,
		WSAddr:      wsAddr,
		Broker:      broker,
		HTTPAddr:    httpAddr,
	})

	// Initialize telemetry
	var publisher telemetry.Publisher
	var mqttStatus telemetry.ConnectionStatus
	if broker != "" {
		pub, err := telemetry.NewRealPublisher(broker)
		if err != nil {
			log.Printf("telemetry disabled: %v", err)
		} else {
			publisher = pub
			mqttStatus = pub
			defer pub.Close()

			snap := tracker.Snapshot()
			startup := telemetry.SystemEvent{
				Timestamp:  snap.Now,
				Event:      "STARTUP",
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
			}
			if err := pub.PublishSystem(startup); err != nil {
				log.Printf("failed to publish startup event: %v", err)
			} else {
				log.Printf("published startup event")
			}
		}
	}

	// Start HTTP status server
	if httpAddr != "" {
		srv := web.New(httpAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", httpAddr)
	}

	log.Printf("started: tick=%v ack-timeout=%v retries=%d heartbeat=%v pairs=%d",
		tick, ackTimeout, maxRetries, heartbeat, hw.PairCount)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(proto, engine, store, tracker, publisher, mqttStatus,
		telemetryHB, time.Now, ticker.C, sigCh)
}

func runLoop(proto *protocol.Manager, engine *led.Engine, store *led.Store,
	tracker *status.Tracker, publisher telemetry.Publisher, mqttStatus telemetry.ConnectionStatus,
	telemetryHB time.Duration, now func() time.Time, tickC <-chan time.Time, sig <-chan os.Signal) error {

	prevState := engine.State()
	lastTelemetryHB := now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			if err := engine.Stop(); err != nil {
				log.Printf("stop sequence: %v", err)
			}
			if err := store.ClearAll(); err != nil {
				log.Printf("clear leds: %v", err)
			}
			if publisher != nil {
				event := telemetry.SystemEvent{
					Timestamp: now(),
					Event:     "SHUTDOWN",
					Reason:    signalName(s),
					Retained:  true,
				}
				if tracker != nil {
					updateTracker(tracker, proto, engine, store, mqttStatus)
					snap := tracker.Snapshot()
					event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName(s))
				}
				if err := publisher.PublishSystem(event); err != nil {
					log.Printf("failed to publish shutdown event: %v", err)
				} else {
					log.Printf("published shutdown event")
				}
			}
			return nil

		case <-tickC:
			t := now()

			proto.Tick()
			if err := engine.Tick(t); err != nil {
				log.Printf("sequence tick error: %v", err)
			}

			// Mirror sequence state transitions to telemetry.
			if cur := engine.State(); cur != prevState {
				if publisher != nil {
					event := telemetry.Event{
						Timestamp: t,
						Type:      transitionEvent(prevState, cur),
						Kind:      int(engine.Kind()),
						Progress:  engine.Progress(),
					}
					if err := publisher.Publish(event); err != nil {
						log.Printf("publish error: %v", err)
					}
				}
				prevState = cur
			}

			if publisher != nil && telemetryHB > 0 && t.Sub(lastTelemetryHB) >= telemetryHB {
				lastTelemetryHB = t
				updateTracker(tracker, proto, engine, store, mqttStatus)
				snap := tracker.Snapshot()
				hbEvent := telemetry.SystemEvent{
					Timestamp:  t,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			updateTracker(tracker, proto, engine, store, mqttStatus)
		}
	}
}

// updateTracker refreshes the status snapshot for HTTP and telemetry
// consumers.
func updateTracker(tracker *status.Tracker, proto *protocol.Manager, engine *led.Engine,
	store *led.Store, mqttStatus telemetry.ConnectionStatus) {
	if tracker == nil {
		return
	}

	red, green := store.AllStates()
	pair, color := -1, ""
	if ch, ok := engine.CurrentChannel(); ok {
		pair, color = ch.Pair, ch.Color.String()
	}
	tracker.Update(string(engine.State()), engine.Progress(), pair, color,
		red, green, proto.Connected(), proto.ConnectionActive(), proto.Stats())
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
}

// transitionEvent names a sequence state change for telemetry.
func transitionEvent(from, to led.State) string {
	switch {
	case to == led.StateRunning && from == led.StateIdle:
		return "SEQUENCE_STARTED"
	case to == led.StatePaused:
		return "SEQUENCE_PAUSED"
	case to == led.StateRunning && from == led.StatePaused:
		return "SEQUENCE_RESUMED"
	default:
		return "SEQUENCE_ENDED"
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
