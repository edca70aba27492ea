// Command cncfirm boots the motion-control firmware: it loads settings,
// wires the planner/motion/system/stepper stack together, opens the
// serial link, optionally mounts the read-only diagnostics HTTP surface,
// and mirrors status to the console.
//
// Grounded on cmd/andorhttp2/main.go's command-dispatch shape (help,
// mkconf, conf, version, run) and koanf-over-defaults config layering,
// and cmd/envsrv/main.go's plain usage blurb for the help text.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/cncmotion/diag"
	"github.com/nasa-jpl/cncmotion/link"
	"github.com/nasa-jpl/cncmotion/settings"
	"github.com/nasa-jpl/cncmotion/stepper"
	"github.com/nasa-jpl/cncmotion/system"
)

// Version is injected at build time via -ldflags, matching the teacher's
// own Version var idiom (cmd/andorhttp2/main.go).
var Version = "dev"

// ConfigFileName is the on-disk config cncfirm reads and writes.
const ConfigFileName = "cncfirm.yml"

var k = koanf.New(".")

// config is cncfirm's own bootup configuration, distinct from
// settings.Data: this describes how to start the firmware (which serial
// port, whether to serve diagnostics), not the machine's kinematic
// parameters, which live in their own settings.Data YAML file.
type config struct {
	SerialPort   string `yaml:"SerialPort"`
	BaudRate     int    `yaml:"BaudRate"`
	SettingsPath string `yaml:"SettingsPath"`
	DiagAddr     string `yaml:"DiagAddr"` // empty disables the diagnostics HTTP surface
}

func defaultConfig() config {
	return config{
		SerialPort:   "/dev/ttyACM0",
		BaudRate:     115200,
		SettingsPath: "machine.yaml",
		DiagAddr:     "127.0.0.1:8080",
	}
}

func setupConfig() {
	k.Load(structs.Provider(defaultConfig(), "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			log.Fatalf("error loading config: %v", err)
		}
	}
}

const helpBlurb = `cncfirm is a CNC motion-control firmware core: a g-code parser,
look-ahead planner, and step-segment executor reachable over a serial
line (spec.md section 6's protocol) and, optionally, a read-only
diagnostics HTTP surface.

Usage:
	cncfirm <command>

Commands:
	run      start the firmware against the configured serial port
	mkconf   write cncfirm.yml with default values
	conf     print the effective configuration
	version  print the build version
	help     print this message

Configuration is read from cncfirm.yml in the working directory; missing
keys fall back to defaults. Machine kinematic parameters (steps/mm, max
rate, acceleration, ...) are a separate file, named by SettingsPath.`

func root() { fmt.Println(helpBlurb) }

func mkconf() {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printConf() {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printVersion() { fmt.Printf("cncfirm version %s\n", Version) }

// loadSettings reads the machine parameter file, falling back to
// factory defaults (and printing a colored warning, so an operator
// notices the fallback) when it is missing.
func loadSettings(path string) *settings.Store {
	d, err := settings.Load(path)
	if err != nil {
		color.Yellow("no usable settings file at %s (%v); starting from factory defaults", path, err)
		d = settings.Default()
	}
	return settings.New(d)
}

// mirrorStatus polls exec's state at a fixed interval and prints a
// colored line on every state transition, and drives a yacspin spinner
// while the machine is actively running a program — the teacher's own
// console output is plain log.Println; this enriches it with the same
// "point a human at what's happening right now" goal using libraries
// present for exactly this purpose.
func mirrorStatus(exec *system.Executor) {
	cfg := yacspin.Config{
		Frequency:       200 * time.Millisecond,
		CharSet:         yacspin.CharSets[11],
		Suffix:          " running",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		log.Printf("cncfirm: spinner unavailable: %v", err)
		return
	}

	last := exec.State()
	spinning := false
	for {
		time.Sleep(100 * time.Millisecond)
		cur := exec.State()
		if cur == last {
			continue
		}
		last = cur
		switch cur {
		case system.StateRun:
			if !spinning {
				spinner.Start()
				spinning = true
			}
		case system.StateAlarm:
			if spinning {
				spinner.StopFailMessage("alarm: " + fmt.Sprint(exec.Alarm()))
				spinner.StopFail()
				spinning = false
			}
			color.Red("ALARM %v", exec.Alarm())
		default:
			if spinning {
				spinner.Stop()
				spinning = false
			}
			color.Cyan("state -> %s", cur)
		}
	}
}

func run() {
	var cfg config
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}

	store := loadSettings(cfg.SettingsPath)
	exec := system.NewExecutor(store)
	runner := stepper.NewRunner(exec.Plan, store, exec)

	watcher, err := settings.NewWatcher(cfg.SettingsPath, store, func() {
		exec.Plan.Sync(exec)
	})
	if err != nil {
		log.Printf("cncfirm: settings watch disabled: %v", err)
	} else {
		go watcher.Run()
		defer watcher.Close()
	}

	serialCfg := &serial.Config{
		Name:        cfg.SerialPort,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: time.Second,
	}
	l := link.New(exec, link.SerialConnMaker(serialCfg))

	go mirrorStatus(exec)

	go func() {
		for {
			if err := runner.Run(); err != nil && err != stepper.ErrAborted {
				log.Printf("cncfirm: stepper runner stopped: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	go func() {
		for line := range l.Lines {
			err := exec.Parser.ExecuteLine(line.Text)
			l.WriteResponse(err)
		}
	}()

	if cfg.DiagAddr != "" {
		go func() {
			d := diag.New(exec)
			log.Printf("cncfirm: diagnostics listening on %s", cfg.DiagAddr)
			log.Println(http.ListenAndServe(cfg.DiagAddr, d.Router()))
		}()
	}

	log.Printf("cncfirm: opening serial link on %s at %d baud", cfg.SerialPort, cfg.BaudRate)
	if err := l.Run(); err != nil {
		log.Fatalf("cncfirm: serial link failed: %v", err)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupConfig()
	switch strings.ToLower(args[1]) {
	case "help":
		root()
	case "mkconf":
		mkconf()
	case "conf":
		printConf()
	case "version":
		printVersion()
	case "run":
		run()
	default:
		root()
	}
}
