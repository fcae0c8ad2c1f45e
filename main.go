package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hypebeast/go-osc/osc"
	"github.com/spf13/cobra"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"github.com/schollz/stepcollider/internal/audio"
	"github.com/schollz/stepcollider/internal/clock"
	"github.com/schollz/stepcollider/internal/dispatch"
	"github.com/schollz/stepcollider/internal/engine"
	"github.com/schollz/stepcollider/internal/midiconnector"
	"github.com/schollz/stepcollider/internal/model"
	"github.com/schollz/stepcollider/internal/oscserver"
	"github.com/schollz/stepcollider/internal/playback"
	"github.com/schollz/stepcollider/internal/storage"
	"github.com/schollz/stepcollider/internal/supercollider"
	"github.com/schollz/stepcollider/internal/types"
	"github.com/schollz/stepcollider/internal/views"
)

var (
	Version = "dev"

	// Command-line configuration
	config struct {
		port        int
		listen      int
		notify      int
		project     string
		samples     string
		debug       string
		bpm         float64
		policy      string
		interval    time.Duration
		lookahead   time.Duration
		midi        string
		midiChannel int
		play        bool
		seconds     float64
	}
)

var rootCmd = &cobra.Command{
	Use:   "stepcollider",
	Short: "A lookahead step sequencer for SuperCollider",
	Long: `StepCollider plays a grid of per-channel steps as sample-accurate
buffer playback, scheduling ahead of a coarse timer onto SuperCollider
(OSC timetagged bundles) or a MIDI output.

Features:
• Drift-free lookahead scheduling with tempo changes and pause/resume
• Reversed steps, trim windows, per-step pitch and volume
• Sequence chaining over live sequences
• OSC control surface and step events for visualizers`,
	Version: Version,
	Run:     runStepCollider,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [export.json]",
	Short: "Print a summary of the project or of an exported file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the project as compacted JSON (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import file",
	Short: "Replace the project with a compacted JSON export",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Schedule the project offline and print every play call",
	Args:  cobra.NoArgs,
	RunE:  runRender,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List MIDI output devices",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for i, name := range midiconnector.Devices() {
			fmt.Printf("%d: %s\n", i, name)
		}
		midiconnector.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&config.port, "port", 57120,
		"OSC port for SuperCollider communication")
	rootCmd.PersistentFlags().IntVar(&config.listen, "listen", 57121,
		"OSC port for incoming control messages")
	rootCmd.PersistentFlags().IntVar(&config.notify, "notify", 57122,
		"OSC port that receives /stepped and /sequence events (0 disables)")
	rootCmd.PersistentFlags().StringVarP(&config.project, "project", "p", "save",
		"Project directory for the song data")
	rootCmd.PersistentFlags().StringVar(&config.samples, "samples", "",
		"Directory of WAV files to preload")
	rootCmd.PersistentFlags().StringVarP(&config.debug, "log", "l", "",
		"Write debug logs to specified file (empty disables)")
	rootCmd.PersistentFlags().Float64Var(&config.bpm, "bpm", 0,
		"Override the project tempo")
	rootCmd.PersistentFlags().StringVar(&config.policy, "policy", "loop",
		"Chain policy at sequence end: loop or advance")
	rootCmd.PersistentFlags().DurationVar(&config.interval, "interval", 25*time.Millisecond,
		"Scheduler wake-up interval")
	rootCmd.PersistentFlags().DurationVar(&config.lookahead, "lookahead", 100*time.Millisecond,
		"How far ahead steps are committed")
	rootCmd.PersistentFlags().StringVar(&config.midi, "midi", "",
		"Play through the MIDI output whose name contains this (empty uses SuperCollider)")
	rootCmd.PersistentFlags().IntVar(&config.midiChannel, "midi-channel", 10,
		"MIDI channel 1-16 for --midi")
	rootCmd.Flags().BoolVar(&config.play, "play", false,
		"Start playback immediately")
	renderCmd.Flags().Float64Var(&config.seconds, "seconds", 8,
		"Length of the offline render")

	rootCmd.AddCommand(inspectCmd, exportCmd, importCmd, renderCmd, devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging routes the standard logger to --log or discards it
func setupLogging() func() {
	if config.debug != "" {
		f, err := tea.LogToFile(config.debug, "debug")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
			os.Exit(1)
		}
		log.SetOutput(f)
		// Set log flags to include file and line number for VS Code clickable links
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		return func() { f.Close() }
	}
	// send log to io.Discard
	log.SetOutput(io.Discard)
	return func() {}
}

func engineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	policy, err := types.ParseChainPolicy(config.policy)
	if err != nil {
		return cfg, err
	}
	cfg.Policy = policy
	cfg.Scheduler.Interval = config.interval
	cfg.Scheduler.Lookahead = config.lookahead.Seconds()
	return cfg, nil
}

// loadProject reads the project folder, or starts empty when it has no
// saved data yet.
func loadProject() (*model.Project, error) {
	p := model.NewDefaultProject()
	err := storage.LoadState(p, config.project)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if config.bpm != 0 {
		if err := p.SetBPM(config.bpm); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func loadSamples(store *audio.Store) {
	if config.samples == "" {
		return
	}
	n, err := store.LoadDir(config.samples)
	if err != nil {
		log.Printf("Error loading samples from %s: %v", config.samples, err)
		return
	}
	log.Printf("Loaded %d samples from %s", n, config.samples)
}

func runStepCollider(cmd *cobra.Command, args []string) {
	closeLog := setupLogging()
	defer closeLog()
	log.Println("Debug logging enabled")
	log.Printf("OSC port configured: %d", config.port)

	cfg, err := engineConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.SaveFolder = config.project

	clk := clock.NewMonotonic()
	store := audio.NewStore()
	loadSamples(store)

	var sink dispatch.Sink
	if config.midi != "" {
		ms, err := midiconnector.Open(config.midi, uint8(config.midiChannel-1), clk.WallTime)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer midiconnector.Close()
		sink = ms
	} else {
		sc := supercollider.New("localhost", config.port, clk.WallTime)
		for _, ref := range store.Refs() {
			b, err := store.Resolve(ref, types.Normal)
			if err != nil {
				continue
			}
			path, err := audio.WavPath(filepath.Join(config.samples, ref), filepath.Join(config.project, "converted"))
			if err != nil {
				log.Printf("Error converting %s: %v", ref, err)
				continue
			}
			if err := sc.Load(b, path); err != nil {
				log.Printf("Error sending %s to SuperCollider: %v", ref, err)
			}
		}
		sink = sc
	}

	p, err := loadProject()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	e := engine.NewWithProject(cfg, p, sink, store, clk)

	var notify oscserver.Sender
	if config.notify > 0 {
		notify = osc.NewClient("localhost", config.notify)
	}
	server := oscserver.New(e, notify)
	go func() {
		if err := server.ListenAndServe(fmt.Sprintf(":%d", config.listen)); err != nil {
			log.Printf("Error starting OSC server: %v", err)
		}
	}()

	if config.play {
		if err := e.Start(0); err != nil {
			log.Printf("Error starting playback: %v", err)
		}
	}
	fmt.Printf("stepcollider %s: %.1f bpm, control on :%d, ctrl+c to quit\n", Version, p.BPM(), config.listen)

	// Handle cleanup on various exit signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-c
	e.Stop()
	storage.DoSave(p, config.project)
}

func runInspect(cmd *cobra.Command, args []string) error {
	closeLog := setupLogging()
	defer closeLog()

	var p *model.Project
	var err error
	if len(args) == 1 {
		p, err = storage.ReadExport(args[0])
	} else {
		p, err = loadProject()
	}
	if err != nil {
		return err
	}
	fmt.Println(views.RenderProject(p, playback.Snapshot{}, 100))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	closeLog := setupLogging()
	defer closeLog()

	p, err := loadProject()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		return storage.WriteExport(p, args[0])
	}
	data, err := storage.Export(p)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

func runImport(cmd *cobra.Command, args []string) error {
	closeLog := setupLogging()
	defer closeLog()

	p, err := storage.ReadExport(args[0])
	if err != nil {
		return err
	}
	return storage.Save(p, config.project)
}

func runRender(cmd *cobra.Command, args []string) error {
	closeLog := setupLogging()
	defer closeLog()

	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	cfg.Scheduler.Manual = true
	p, err := loadProject()
	if err != nil {
		return err
	}
	store := audio.NewStore()
	loadSamples(store)
	rec := dispatch.NewRecorder()
	e := engine.NewWithProject(cfg, p, rec, store, clock.NewManual(0))
	if err := e.Start(0); err != nil {
		return err
	}
	n, err := e.Render(config.seconds)
	if err != nil {
		return err
	}
	e.Stop()
	fmt.Print(views.RenderSchedule(rec.Plays()))
	fmt.Printf("%d steps, %d plays, %d stops\n", n, len(rec.Plays()), len(rec.Stops()))
	return nil
}
