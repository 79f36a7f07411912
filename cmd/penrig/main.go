package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/percept-lab/hapticbench/internal/config"
	"github.com/percept-lab/hapticbench/internal/db"
	"github.com/percept-lab/hapticbench/internal/haptics"
	"github.com/percept-lab/hapticbench/internal/monitor"
	"github.com/percept-lab/hapticbench/internal/penlink"
	"github.com/percept-lab/hapticbench/internal/session"
	"github.com/percept-lab/hapticbench/internal/trial"
	"github.com/percept-lab/hapticbench/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode with a mock serial port")
	device     = flag.String("device", "/dev/ttyUSB0", "Serial device path")
	fixtures   = flag.String("fixtures", "fixtures.txt", "Telemetry fixture file for dev mode")
	listen     = flag.String("listen", ":8080", "Listen address for the web monitor")
	dbFile     = flag.String("db", "results.db", "Results database path (empty to disable)")
	configPath = flag.String("config", "", "Tuning config JSON path (defaults when empty)")
	specFile   = flag.String("specs", "", "Trial spec list JSON path (built-in spec when empty)")
	offsets    = flag.String("offsets", "0.002,0.005,0.01", "Stimulus offsets for the bench schedule, metres")
	repeats    = flag.Int("repeats", 3, "Presentations per offset in the bench schedule")
	mqttBroker = flag.String("mqtt", "", "MQTT broker URL for status publishing (empty to disable)")
	frameRate  = flag.Int("rate", 60, "Control loop frames per second")
)

// benchSchedule presents each configured offset a fixed number of times in a
// shuffled order. It stands in for an external adaptive estimator on the
// bench: Threshold reports the smallest offset detected on every one of its
// presentations, or the largest configured offset when none was.
type benchSchedule struct {
	offsets []float64
	repeats int
	rng     *rand.Rand

	queue    []float64
	pending  float64
	detected map[float64]int
	shown    map[float64]int
}

func newBenchSchedule(offsets []float64, repeats int, rng *rand.Rand) *benchSchedule {
	return &benchSchedule{offsets: offsets, repeats: repeats, rng: rng}
}

func (b *benchSchedule) Init(trial.Spec) {
	b.queue = b.queue[:0]
	for _, off := range b.offsets {
		for i := 0; i < b.repeats; i++ {
			b.queue = append(b.queue, off)
		}
	}
	b.rng.Shuffle(len(b.queue), func(i, j int) {
		b.queue[i], b.queue[j] = b.queue[j], b.queue[i]
	})
	b.detected = make(map[float64]int)
	b.shown = make(map[float64]int)
}

func (b *benchSchedule) NextStimulus() float64 {
	b.pending = b.queue[0]
	b.queue = b.queue[1:]
	b.shown[b.pending]++
	return b.pending
}

func (b *benchSchedule) TrialFinished(detected bool) {
	if detected {
		b.detected[b.pending]++
	}
}

func (b *benchSchedule) IsFinished() bool { return len(b.queue) == 0 }

func (b *benchSchedule) Threshold() float64 {
	best := math.Inf(1)
	worst := 0.0
	for _, off := range b.offsets {
		mag := math.Abs(off)
		if mag > worst {
			worst = mag
		}
		if b.shown[off] > 0 && b.detected[off] == b.shown[off] && mag < best {
			best = mag
		}
	}
	if math.IsInf(best, 1) {
		return worst
	}
	return best
}

func parseOffsets(s string) ([]float64, error) {
	var out []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("bad offset %q: %w", field, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no offsets given")
	}
	return out, nil
}

func loadSpecs(path string) ([]trial.Spec, error) {
	if path == "" {
		return []trial.Spec{{
			Name:              "bump-height",
			MinValue:          -0.02,
			MaxValue:          0.02,
			ReferenceStimulus: 0.05,
		}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	var specs []trial.Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse spec file: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("spec file %s contains no specs", path)
	}
	return specs, nil
}

// replayFixtures feeds recorded telemetry lines into the mock port at a
// steady cadence, looping forever, so dev mode exercises the full read path.
func replayFixtures(ctx context.Context, port *penlink.TestableSerialPort, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open fixtures file: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 {
		return fmt.Errorf("fixtures file %s is empty", path)
	}

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-ticker.C:
				port.AddReadData([]byte(lines[i%len(lines)] + "\n"))
				i++
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	specs, err := loadSpecs(*specFile)
	if err != nil {
		log.Fatalf("failed to load trial specs: %v", err)
	}

	offs, err := parseOffsets(*offsets)
	if err != nil {
		log.Fatalf("failed to parse offsets: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opener penlink.PortOpener
	var mockPort *penlink.TestableSerialPort
	if *devMode {
		mockPort = penlink.NewTestableSerialPort()
		opener = func() (penlink.SerialPorter, error) { return mockPort, nil }
	} else {
		opener = penlink.RealPortOpener(*device, penlink.PortOptions{BaudRate: cfg.GetBaudRate()})
	}

	link := penlink.NewPenLink(opener, cfg.GetSendInterval(),
		cfg.GetPressureLowThreshold(), cfg.GetPressureHighThreshold())
	if err := link.Connect(); err != nil {
		log.Fatalf("failed to connect to pen: %v", err)
	}
	defer link.Close()

	if *devMode {
		if err := replayFixtures(ctx, mockPort, *fixtures); err != nil {
			log.Fatalf("dev mode: %v", err)
		}
	}

	sessionID := uuid.NewString()

	var store *db.DB
	var sink trial.Sink
	if *dbFile != "" {
		store, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open results database: %v", err)
		}
		defer store.Close()

		settings, _ := json.Marshal(cfg)
		if err := store.CreateSession(sessionID, time.Now(), string(settings)); err != nil {
			log.Fatalf("failed to create session record: %v", err)
		}
		sink = store.Sink(sessionID)
	}

	var publisher *session.StatusPublisher
	if *mqttBroker != "" {
		publisher, err = session.NewStatusPublisher(*mqttBroker, "penrig", "hapticbench/status", time.Second)
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		defer publisher.Close()
	}

	web := monitor.NewWebServer(monitor.WebServerConfig{
		Address:      *listen,
		DB:           store,
		PushInterval: 250 * time.Millisecond,
	})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rig := session.New(session.Options{
		SessionID:       sessionID,
		Tuning:          cfg,
		Link:            link,
		Query:           session.NewDeviceQuerier(link, "bench-surface"),
		Staircase:       newBenchSchedule(offs, *repeats, rng),
		Sink:            sink,
		Publisher:       publisher,
		Rand:            rng,
		SurfaceCollider: "bench-surface",
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		link.ReadLoop(ctx)
		log.Print("read loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := web.Start(ctx); err != nil {
			log.Printf("web monitor error: %v", err)
		}
	}()

	// Control loop: single goroutine owns the rig.
	wg.Add(1)
	go func() {
		defer wg.Done()

		ray := haptics.Ray{Direction: r3.Vec{Z: -1}}
		ticker := time.NewTicker(time.Second / time.Duration(*frameRate))
		defer ticker.Stop()

		rig.StartSequence(time.Now(), specs)
		for {
			select {
			case now := <-ticker.C:
				drainCommands(web, rig, now)
				rig.Tick(now, ray)
				web.Publish(rig.Status())
			case <-ctx.Done():
				rig.StopSequence(time.Now())
				log.Print("control loop terminated")
				return
			}
		}
	}()

	log.Printf("penrig %s (%s) session %s started", version.Version, version.GitSHA, rig.ID())
	wg.Wait()
	log.Print("Graceful shutdown complete")
}

func drainCommands(web *monitor.WebServer, rig *session.Rig, now time.Time) {
	for {
		select {
		case cmd := <-web.Commands():
			switch cmd.Kind {
			case monitor.CommandRespond:
				rig.Respond(cmd.Detected)
			case monitor.CommandReconnect:
				if err := rig.Reconnect(); err != nil {
					log.Printf("reconnect failed: %v", err)
				}
			case monitor.CommandStop:
				rig.StopSequence(now)
			}
		default:
			return
		}
	}
}
