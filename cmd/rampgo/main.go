package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/RampGo/internal/config"
	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
	"github.com/cjeanneret/RampGo/internal/hw/trigger"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
	"github.com/cjeanneret/RampGo/internal/logic/sequence"
	"github.com/cjeanneret/RampGo/internal/web"
)

// maxCLISpeed and maxCLIAcceleration bound the -speed and -accel overrides.
const (
	maxCLISpeed        = 100000
	maxCLIAcceleration = 1000000
)

// overrides holds CLI values that replace configuration. Zero means "use config".
type overrides struct {
	Speed        float64
	Acceleration float64
	DryRun       bool
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	target := flag.Int64("target", 0, "move to this position in full steps")
	targetDeg := flag.Float64("target_deg", 0, "move to this angle in degrees")
	speed := flag.Float64("speed", 0, "override target speed in full steps/s")
	accel := flag.Float64("accel", 0, "override acceleration in full steps/s²")
	dryRun := flag.Bool("dry-run", false, "mock GPIO and simulated time, then print the motion profile")
	runProgram := flag.Bool("program", false, "run the waypoint program from the config file")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(*speed, *accel, *targetDeg); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides{Speed: *speed, Acceleration: *accel, DryRun: *dryRun})

	goal, hasGoal, err := resolveTarget(cfg, set["target"], *target, set["target_deg"], *targetDeg)
	if err != nil {
		log.Fatalf("invalid CLI target: %v", err)
	}
	if !hasGoal && !*runProgram && webPort.port() == 0 {
		fmt.Fprintln(os.Stderr, "nothing to do: set -target, -target_deg, -program or -web")
		flag.Usage()
		os.Exit(2)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())
	debug.Value("Dry run", cfg.DryRun())

	// GPIO driver and clock
	backend := cfg.Defaults.GPIOBackend
	var clk clock.Clock = clock.NewSystem()
	if cfg.DryRun() {
		backend = gpio.BackendMock
		clk = clock.NewManual(1)
	}
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO backend", backend)
	gpioDriver, err := gpio.NewDriver(backend, cfg.Defaults.GPIOChip)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Stepper axis
	debug.Step(2, "Initializing stepper axis")
	stepperCfg, err := cfg.StepperConfig()
	if err != nil {
		log.Fatalf("axis config: %v", err)
	}
	axis, err := stepper.New(gpioDriver, clk, stepperCfg)
	if err != nil {
		log.Fatalf("init stepper failed: %v", err)
	}
	debug.PrintStruct("Axis config", cfg.Axis)

	var trig trigger.Trigger
	if cfg.HasTrigger() {
		debug.Step(3, "Initializing trigger")
		tc, err := cfg.TriggerSettings()
		if err != nil {
			log.Fatalf("trigger config: %v", err)
		}
		if trig, err = trigger.NewGPIO(gpioDriver, tc); err != nil {
			log.Fatalf("init trigger failed: %v", err)
		}
		debug.PrintStruct("Trigger config", cfg.Trigger)
	}

	ctrl := motion.NewController(axis, clk)
	defer func() {
		if err := ctrl.Release(); err != nil {
			log.Printf("releasing axis failed: %v", err)
		}
	}()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		ctrl.SetObserver(cfg.Defaults.StatusEvery, broadcaster.BroadcastState)

		formDefaults := web.FormConfig{
			Axis:         cfg.Axis.Name,
			Speed:        cfg.Axis.TargetSpeed,
			Acceleration: cfg.Axis.Acceleration,
			StepsPerRev:  cfg.Axis.StepsPerRev,
		}
		srv := web.NewServer(webAddr, broadcaster, ctrl, formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	prof := newProfile(clk.Now())
	if cfg.DryRun() {
		ctrl.SetObserver(1, prof.observe)
	} else if debug.IsEnabled(debug.LevelLive) {
		ctrl.SetObserver(cfg.Defaults.StatusEvery, func(st stepper.State) {
			debug.Live("Axis %s: %s at %d, %dµs/step", st.Name, st.Phase, st.Position, st.DelayUS)
		})
	}

	if err := run(ctx, ctrl, trig, cfg, goal, hasGoal, *runProgram); err != nil {
		log.Printf("motion failed: %v", err)
		return
	}
	if cfg.DryRun() {
		prof.write(os.Stdout, clk.Now(), cfg.StepsCalculator().AngleFromSteps(ctrl.Position()))
	}
}

// run executes the program, then the single move, whichever were requested.
func run(ctx context.Context, ctrl *motion.Controller, trig trigger.Trigger, cfg *config.Config, goal int64, hasGoal, runProgram bool) error {
	if runProgram {
		seq := sequence.NewSequence(ctrl)
		if trig != nil {
			seq.SetTrigger(trig)
		}
		if err := seq.Run(ctx, cfg.SequenceProgram()); err != nil {
			return err
		}
	}
	if hasGoal {
		debug.Section("Move")
		if err := ctrl.MoveTo(ctx, goal, 0); err != nil {
			return err
		}
	}
	debug.Summary("Motion complete")
	debug.Value("Position", ctrl.Position())
	return nil
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(speed, accel, targetDeg float64) error {
	if speed != 0 {
		if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 || speed > maxCLISpeed {
			return fmt.Errorf("speed must be between 0 and %d, got %g", maxCLISpeed, speed)
		}
	}
	if accel != 0 {
		if math.IsNaN(accel) || math.IsInf(accel, 0) || accel < 0 || accel > maxCLIAcceleration {
			return fmt.Errorf("accel must be between 0 and %d, got %g", maxCLIAcceleration, accel)
		}
	}
	if math.IsNaN(targetDeg) || math.IsInf(targetDeg, 0) {
		return fmt.Errorf("target_deg must be finite, got %g", targetDeg)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.Speed > 0 {
		cfg.Axis.TargetSpeed = o.Speed
	}
	if o.Acceleration > 0 {
		cfg.Axis.Acceleration = o.Acceleration
	}
	if o.DryRun {
		cfg.Defaults.DryRun = true
	}
}

// resolveTarget returns the requested goal in full steps, from -target or
// -target_deg, and whether one was given at all.
func resolveTarget(cfg *config.Config, hasSteps bool, steps int64, hasDeg bool, deg float64) (int64, bool, error) {
	switch {
	case hasSteps && hasDeg:
		return 0, false, fmt.Errorf("-target and -target_deg are mutually exclusive")
	case hasSteps:
		return steps, true, nil
	case hasDeg:
		return cfg.StepsCalculator().StepsFromAngle(deg), true, nil
	}
	return 0, false, nil
}

// profile collects the shape of a simulated move.
type profile struct {
	start     clock.Timestamp
	samples   int
	peakSpeed float64 // full steps/s
	levels    map[int]bool
	phases    []string
}

func newProfile(start clock.Timestamp) *profile {
	return &profile{start: start, levels: make(map[int]bool)}
}

func (p *profile) observe(st stepper.State) {
	p.samples++
	p.levels[st.MicrostepLevel] = true
	if n := len(p.phases); n == 0 || p.phases[n-1] != st.Phase {
		p.phases = append(p.phases, st.Phase)
	}
	if st.DelayUS > 0 && !st.Stopped {
		full := float64(uint64(st.DelayUS) << st.MicrostepLevel)
		if v := 1e6 / full; v > p.peakSpeed {
			p.peakSpeed = v
		}
	}
}

func (p *profile) write(w io.Writer, now clock.Timestamp, angle float64) {
	elapsed := float64(now-p.start) / 1e6
	levels := make([]int, 0, len(p.levels))
	for l := 0; l <= 16; l++ {
		if p.levels[l] {
			levels = append(levels, l)
		}
	}
	fmt.Fprintln(w, "Dry run profile")
	fmt.Fprintf(w, "  simulated time : %.3fs\n", elapsed)
	fmt.Fprintf(w, "  samples        : %d\n", p.samples)
	fmt.Fprintf(w, "  peak speed     : %.1f full steps/s\n", p.peakSpeed)
	fmt.Fprintf(w, "  microstep used : %v\n", levels)
	fmt.Fprintf(w, "  phases         : %v\n", p.phases)
	fmt.Fprintf(w, "  final angle    : %.2f°\n", angle)
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
