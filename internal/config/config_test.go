package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	// Unjoined, the ".." segments are still there and rejected even though
	// the cleaned path would end in configs/.
	path := "configs/../../configs/ok.yaml"
	if err := ValidateConfigPath(path); err == nil {
		t.Errorf("expected error for %q, got nil", path)
	}

	// Joined paths are already clean: only the final parent matters.
	cleaned := filepath.Join("rig", "sub", "..", "configs", "ok.yaml")
	if err := ValidateConfigPath(cleaned); err != nil {
		t.Errorf("cleaned path %q should be valid, got: %v", cleaned, err)
	}
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
axis:
  name: "pan"
  step_pin: 17
  dir_pin: 27
  enable_pin: 5
  microstep_pins: [14, 15, 18]
  forward_level: low
  enable_level: low
  microstep_levels: 5
  smooth_delay_us: 2000
  acceleration: 600
  target_speed: 300
  steps_per_rev: 400
  timing:
    mode_change_us: 2
    enable_us: 3
    stepping_pulse_us: 4
defaults:
  debug_level: 2
  gpio_backend: cdev
  gpio_chip: gpiochip4
  dry_run: true
  status_every: 10
program:
  name: "sweep"
  waypoints:
    - position: 400
      speed: 200
      dwell_ms: 500
    - angle_deg: -90
      release: true
      dwell_ms: 1000
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Axis.Name != "pan" {
		t.Errorf("axis.name = %q, want %q", cfg.Axis.Name, "pan")
	}
	if len(cfg.Axis.MicrostepPins) != 3 || cfg.Axis.MicrostepPins[2] != 18 {
		t.Errorf("axis.microstep_pins = %v, want [14 15 18]", cfg.Axis.MicrostepPins)
	}
	if cfg.Axis.SmoothDelayUs != 2000 {
		t.Errorf("axis.smooth_delay_us = %d, want 2000", cfg.Axis.SmoothDelayUs)
	}
	if cfg.Axis.Timing.SteppingPulseUs != 4 {
		t.Errorf("axis.timing.stepping_pulse_us = %d, want 4", cfg.Axis.Timing.SteppingPulseUs)
	}
	if cfg.Defaults.GPIOBackend != "cdev" || cfg.Defaults.GPIOChip != "gpiochip4" {
		t.Errorf("gpio = %q/%q, want cdev/gpiochip4", cfg.Defaults.GPIOBackend, cfg.Defaults.GPIOChip)
	}
	if !cfg.DryRun() {
		t.Error("dry_run should be true")
	}
	if cfg.Defaults.StatusEvery != 10 {
		t.Errorf("status_every = %d, want 10", cfg.Defaults.StatusEvery)
	}
	if len(cfg.Program.Waypoints) != 2 {
		t.Fatalf("program has %d waypoints, want 2", len(cfg.Program.Waypoints))
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	yaml := `
axis:
  step_pin: 17
  dir_pin: 27
  microstep_pins: [14, 15, 18]
`
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := cfg.Axis
	if a.Name != "axis" {
		t.Errorf("name default = %q, want axis", a.Name)
	}
	if a.ForwardLevel != "high" || a.EnableLevel != "low" {
		t.Errorf("levels default = %s/%s, want high/low", a.ForwardLevel, a.EnableLevel)
	}
	if a.MicrostepLevels != 6 {
		t.Errorf("microstep_levels default = %d, want 6", a.MicrostepLevels)
	}
	if a.SmoothDelayUs != 1000 {
		t.Errorf("smooth_delay_us default = %d, want 1000", a.SmoothDelayUs)
	}
	if a.Acceleration != 800 || a.TargetSpeed != 400 {
		t.Errorf("acceleration/target_speed default = %v/%v, want 800/400", a.Acceleration, a.TargetSpeed)
	}
	if a.StepsPerRev != 200 {
		t.Errorf("steps_per_rev default = %d, want 200", a.StepsPerRev)
	}
	if cfg.Defaults.GPIOBackend != "mock" {
		t.Errorf("gpio_backend default = %q, want mock", cfg.Defaults.GPIOBackend)
	}
	if cfg.Defaults.GPIOChip != "gpiochip0" {
		t.Errorf("gpio_chip default = %q, want gpiochip0", cfg.Defaults.GPIOChip)
	}
	if cfg.Defaults.StatusEvery != 50 {
		t.Errorf("status_every default = %d, want 50", cfg.Defaults.StatusEvery)
	}
}

func TestLoad_MicrostepLevelsFromPins(t *testing.T) {
	cases := []struct {
		pins string
		want int
	}{
		{"[]", 1},
		{"[14]", 2},
		{"[14, 15]", 4},
		{"[14, 15, 18]", 6},
	}
	for _, tc := range cases {
		t.Run(tc.pins, func(t *testing.T) {
			yaml := `
axis:
  step_pin: 17
  dir_pin: 27
  microstep_pins: ` + tc.pins
			cfg, err := Load(writeConfig(t, yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Axis.MicrostepLevels != tc.want {
				t.Errorf("microstep_levels = %d, want %d", cfg.Axis.MicrostepLevels, tc.want)
			}
		})
	}
}

func TestLoad_MicrostepModes(t *testing.T) {
	yaml := `
axis:
  step_pin: 17
  dir_pin: 27
  microstep_pins: [14, 15, 18]
  microstep_modes: [0, 1, 2, 3, 7]
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Axis.MicrostepLevels != 5 {
		t.Errorf("microstep_levels = %d, want 5 from microstep_modes", cfg.Axis.MicrostepLevels)
	}
	sc, err := cfg.StepperConfig()
	if err != nil {
		t.Fatalf("StepperConfig: %v", err)
	}
	if len(sc.MicrostepModes) != 5 || sc.MicrostepModes[4] != 0b111 {
		t.Errorf("MicrostepModes = %v, want [0 1 2 3 7]", sc.MicrostepModes)
	}

	cfg, err = Load(writeConfig(t, "axis:\n  step_pin: 17\n  dir_pin: 27\n  microstep_pins: [14, 15, 18]\n  microstep_modes: []\n"))
	if err != nil {
		t.Fatalf("empty microstep_modes: %v", err)
	}
	if sc, _ := cfg.StepperConfig(); sc.MicrostepModes != nil {
		t.Errorf("MicrostepModes = %v, want nil for the binary table", sc.MicrostepModes)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"same step and dir", "axis:\n  step_pin: 4\n  dir_pin: 4\n"},
		{"negative acceleration", "axis:\n  step_pin: 4\n  dir_pin: 5\n  acceleration: -3\n"},
		{"negative speed", "axis:\n  step_pin: 4\n  dir_pin: 5\n  target_speed: -1\n"},
		{"bad forward level", "axis:\n  step_pin: 4\n  dir_pin: 5\n  forward_level: up\n"},
		{"bad enable level", "axis:\n  step_pin: 4\n  dir_pin: 5\n  enable_level: on\n"},
		{"levels without pins", "axis:\n  step_pin: 4\n  dir_pin: 5\n  microstep_levels: 3\n"},
		{"mode wider than pins", "axis:\n  step_pin: 4\n  dir_pin: 5\n  microstep_pins: [6]\n  microstep_modes: [0, 2]\n"},
		{"modes and levels disagree", "axis:\n  step_pin: 4\n  dir_pin: 5\n  microstep_pins: [6, 7]\n  microstep_levels: 3\n  microstep_modes: [0, 1]\n"},
		{"debug level", "axis:\n  step_pin: 4\n  dir_pin: 5\ndefaults:\n  debug_level: 9\n"},
		{"backend", "axis:\n  step_pin: 4\n  dir_pin: 5\ndefaults:\n  gpio_backend: bitbang\n"},
		{"waypoint without target", "axis:\n  step_pin: 4\n  dir_pin: 5\nprogram:\n  waypoints:\n    - speed: 3\n"},
		{"waypoint with both targets", "axis:\n  step_pin: 4\n  dir_pin: 5\nprogram:\n  waypoints:\n    - position: 3\n      angle_deg: 10\n"},
		{"negative dwell", "axis:\n  step_pin: 4\n  dir_pin: 5\nprogram:\n  waypoints:\n    - position: 3\n      dwell_ms: -1\n"},
		{"negative waypoint speed", "axis:\n  step_pin: 4\n  dir_pin: 5\nprogram:\n  waypoints:\n    - position: 3\n      speed: -1\n"},
		{"waypoint trigger without pin", "axis:\n  step_pin: 4\n  dir_pin: 5\nprogram:\n  waypoints:\n    - position: 3\n      trigger: true\n"},
		{"trigger on axis pin", "axis:\n  step_pin: 4\n  dir_pin: 5\ntrigger:\n  pin: 5\n"},
		{"trigger prepare on trigger pin", "axis:\n  step_pin: 4\n  dir_pin: 5\ntrigger:\n  pin: 6\n  prepare_pin: 6\n"},
		{"trigger prepare without pin", "axis:\n  step_pin: 4\n  dir_pin: 5\ntrigger:\n  prepare_pin: 6\n"},
		{"trigger level", "axis:\n  step_pin: 4\n  dir_pin: 5\ntrigger:\n  pin: 6\n  active_level: maybe\n"},
		{"trigger negative hold", "axis:\n  step_pin: 4\n  dir_pin: 5\ntrigger:\n  pin: 6\n  hold_ms: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	// step_pin and dir_pin both default to 0
	path := writeConfig(t, "")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for empty config, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
axis:
  step_pin: 17
  dir_pin: 27
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

// ---------- Conversions ----------

func TestConfig_StepperConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	sc, err := cfg.StepperConfig()
	if err != nil {
		t.Fatalf("StepperConfig: %v", err)
	}
	if sc.Name != "pan" || sc.StepPin != 17 || sc.DirPin != 27 || sc.EnablePin != 5 {
		t.Errorf("pins = %+v", sc)
	}
	if sc.ForwardLevel != gpio.Low || sc.EnableLevel != gpio.Low {
		t.Errorf("levels = %v/%v, want low/low", sc.ForwardLevel, sc.EnableLevel)
	}
	if sc.MicrostepLevels != 5 || sc.SmoothDelay != 2000 {
		t.Errorf("microstepping = %d levels, smooth %d", sc.MicrostepLevels, sc.SmoothDelay)
	}
	if sc.Acceleration != 600 || sc.TargetSpeed != 300 {
		t.Errorf("ramp = %v/%v, want 600/300", sc.Acceleration, sc.TargetSpeed)
	}
	want := stepper.Timing{ModeChangeUS: 2, EnableUS: 3, SteppingPulseUS: 4}
	if sc.Timing != want {
		t.Errorf("timing = %+v, want %+v", sc.Timing, want)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("converted config should validate: %v", err)
	}
}

func TestConfig_SequenceProgram(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.SequenceProgram()
	if p.Name != "sweep" {
		t.Errorf("program name = %q, want sweep", p.Name)
	}
	if len(p.Waypoints) != 2 {
		t.Fatalf("got %d waypoints, want 2", len(p.Waypoints))
	}

	first := p.Waypoints[0]
	if first.Position != 400 || first.Speed != 200 || first.Dwell != 500*time.Millisecond || first.Release {
		t.Errorf("first waypoint = %+v", first)
	}
	// -90° at 400 steps/rev
	second := p.Waypoints[1]
	if second.Position != -100 || second.Dwell != time.Second || !second.Release {
		t.Errorf("second waypoint = %+v", second)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("converted program should validate: %v", err)
	}
}

func TestConfig_StepsCalculator(t *testing.T) {
	cfg := &Config{Axis: AxisConfig{StepsPerRev: 200}}
	if got := cfg.StepsCalculator().StepsFromAngle(180); got != 100 {
		t.Errorf("StepsFromAngle(180) = %d, want 100", got)
	}
}

// formatFloat is a test helper for embedding floats into YAML strings.
func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

func TestLoad_FractionalAngles(t *testing.T) {
	for _, angle := range []float64{12.5, -0.25, 359.9} {
		yaml := "axis:\n  step_pin: 4\n  dir_pin: 5\nprogram:\n  waypoints:\n    - angle_deg: " + formatFloat(angle) + "\n"
		cfg, err := Load(writeConfig(t, yaml))
		if err != nil {
			t.Fatalf("angle %v: %v", angle, err)
		}
		want := cfg.StepsCalculator().StepsFromAngle(angle)
		if got := cfg.SequenceProgram().Waypoints[0].Position; got != want {
			t.Errorf("angle %v: position %d, want %d", angle, got, want)
		}
	}
}

func TestLoad_ShippedDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("configs/default.yaml: %v", err)
	}
	if cfg.Axis.MicrostepLevels != 5 {
		t.Errorf("microstep_levels = %d, want 5", cfg.Axis.MicrostepLevels)
	}
	if m := cfg.Axis.MicrostepModes; len(m) != 5 || m[4] != 0b111 {
		t.Errorf("microstep_modes = %v, want the A4988 table", m)
	}
	p := cfg.SequenceProgram()
	if len(p.Waypoints) != 3 || p.Waypoints[0].Position != 50 || p.Waypoints[1].Position != -50 {
		t.Errorf("program waypoints = %+v, want 50, -50, 0", p.Waypoints)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("program: %v", err)
	}
}

func TestConfig_TriggerSettings(t *testing.T) {
	path := writeConfig(t, `
axis:
  step_pin: 4
  dir_pin: 5
trigger:
  pin: 25
  prepare_pin: 24
  prepare_ms: 500
program:
  waypoints:
    - position: 10
      trigger: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.HasTrigger() {
		t.Fatal("HasTrigger() = false, want true")
	}
	tc, err := cfg.TriggerSettings()
	if err != nil {
		t.Fatalf("TriggerSettings: %v", err)
	}
	if tc.Pin != 25 || tc.PreparePin != 24 {
		t.Errorf("pins = %d/%d, want 25/24", tc.Pin, tc.PreparePin)
	}
	if tc.ActiveLevel != gpio.Low {
		t.Errorf("active level = %v, want low (default)", tc.ActiveLevel)
	}
	if tc.Prepare != 500*time.Millisecond || tc.Hold != 200*time.Millisecond {
		t.Errorf("durations = %v/%v, want 500ms/200ms", tc.Prepare, tc.Hold)
	}
	if p := cfg.SequenceProgram(); !p.Waypoints[0].Trigger {
		t.Error("waypoint trigger flag lost in conversion")
	}
}
