// gkflasher reads, flashes and recovers Siemens SIMK4x engine control
// units over K-line or CAN, with a bootstrap-loader fallback for units
// whose KWP bootloader is gone.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/Dante383/GKFlasher/internal/config"
	"github.com/Dante383/GKFlasher/internal/ecu"
	"github.com/Dante383/GKFlasher/internal/flasher"
	"github.com/Dante383/GKFlasher/pkg/hardware"
	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

type options struct {
	protocol        string
	iface           string
	baudrate        int
	desiredBaudrate string

	flash            string
	flashCalibration string
	flashProgram     string

	read            bool
	readCalibration bool
	readProgram     bool

	id                  bool
	correctChecksum     string
	binToSie            string
	sieToBin            string
	clearAdaptiveValues bool
	logger              bool
	immo                bool

	output       string
	addressStart string
	addressStop  string
	configPath   string
	variant      int
	verbose      int
}

var opts options

func main() {
	root := &cobra.Command{
		Use:           "gkflasher",
		Short:         "SIMK4x ECU flasher (KWP2000 over K-line/CAN, BSL recovery)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			levels := []logrus.Level{logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel}
			verbose := opts.verbose
			if verbose >= len(levels) {
				verbose = len(levels) - 1
			}
			logrus.SetLevel(levels[verbose])
		},
		RunE: runRoot,
	}

	flags := root.Flags()
	flags.StringVarP(&opts.protocol, "protocol", "p", "", "protocol to use, canbus or kline")
	flags.StringVarP(&opts.iface, "interface", "i", "", "interface, e.g. /dev/ttyUSB0 or can0")
	flags.IntVarP(&opts.baudrate, "baudrate", "b", 0, "initial link baudrate")
	flags.StringVar(&opts.desiredBaudrate, "desired-baudrate", "", "baudrate index to renegotiate to (e.g. 0x02)")
	flags.StringVarP(&opts.flash, "flash", "f", "", "filename to full flash")
	flags.StringVar(&opts.flashCalibration, "flash-calibration", "", "filename to flash calibration zone from")
	flags.StringVar(&opts.flashProgram, "flash-program", "", "filename to flash program zone from")
	flags.BoolVarP(&opts.read, "read", "r", false, "read the whole eeprom")
	flags.BoolVar(&opts.readCalibration, "read-calibration", false, "read the calibration zone")
	flags.BoolVar(&opts.readProgram, "read-program", false, "read the program zone")
	flags.BoolVar(&opts.id, "id", false, "print ECU identification")
	flags.StringVar(&opts.correctChecksum, "correct-checksum", "", "correct checksums of the given image")
	flags.StringVar(&opts.binToSie, "bin-to-sie", "", "convert a BIN image to SIE")
	flags.StringVar(&opts.sieToBin, "sie-to-bin", "", "convert a SIE dump to BIN")
	flags.BoolVar(&opts.clearAdaptiveValues, "clear-adaptive-values", false, "reset adaptive values to defaults")
	flags.BoolVarP(&opts.logger, "logger", "l", false, "log live sensor data to CSV")
	flags.BoolVar(&opts.immo, "immo", false, "print immobilizer information")
	flags.StringVarP(&opts.output, "output", "o", "", "filename to save the eeprom dump")
	flags.StringVarP(&opts.addressStart, "address-start", "s", "", "offset to start reading/flashing from")
	flags.StringVarP(&opts.addressStop, "address-stop", "e", "", "offset to stop reading/flashing at")
	flags.StringVarP(&opts.configPath, "config", "c", "gkflasher.yml", "config filename")
	flags.IntVar(&opts.variant, "variant", -1, "force an ECU variant when identification fails")
	flags.CountVarP(&opts.verbose, "verbose", "v", "verbosity (-v info, -vv debug)")

	root.AddCommand(bslCommand(), immoCommand())

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

// parseNumber accepts decimal and 0x-prefixed values.
func parseNumber(value string) (uint64, error) {
	return strconv.ParseUint(value, 0, 32)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.protocol != "" {
		cfg.Protocol = opts.protocol
	}
	if opts.iface != "" {
		cfg.KLine.Interface = opts.iface
		cfg.Canbus.Interface = opts.iface
	}
	if opts.baudrate != 0 {
		cfg.KLine.Baudrate = opts.baudrate
	}
	return cfg, cfg.Validate()
}

// initializeBus opens the configured link and layers the KWP transport on
// top of it.
func initializeBus(cfg *config.Config) (*kwp2000.Protocol, error) {
	switch cfg.Protocol {
	case config.ProtocolCanbus:
		hw := hardware.NewCanHardware(cfg.Canbus.Interface, cfg.Canbus.TxID, cfg.Canbus.RxID)
		if err := hw.Open(); err != nil {
			return nil, err
		}
		return kwp2000.NewProtocol(kwp2000.NewCanTransport(hw)), nil
	default:
		hw := hardware.NewKLineHardware(cfg.KLine.Interface, cfg.KLine.Baudrate)
		if err := hw.Open(); err != nil {
			return nil, err
		}
		return kwp2000.NewProtocol(kwp2000.NewKLineTransport(hw, cfg.KLine.TxID, cfg.KLine.RxID)), nil
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	// offline image operations need no bus
	if opts.correctChecksum != "" {
		return flasher.CorrectChecksum(opts.correctChecksum)
	}
	if opts.binToSie != "" {
		_, err := flasher.BinToSie(opts.binToSie)
		return err
	}
	if opts.sieToBin != "" {
		_, err := flasher.SieToBin(opts.sieToBin)
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logrus.WithField("protocol", cfg.Protocol).Info("initializing")

	bus, err := initializeBus(cfg)
	if err != nil {
		return err
	}

	f := flasher.New(bus)
	defer dumpBufferOnError(f)
	defer f.Close()

	container := mpb.New(mpb.WithWidth(64))
	f.Sinks = newSinkFactory(container)
	watchInterrupt(f)

	var desiredBaudIndex byte
	if opts.desiredBaudrate != "" {
		index, err := parseNumber(opts.desiredBaudrate)
		if err != nil || kwp2000.Baudrates[byte(index)] == 0 {
			return fmt.Errorf("invalid baudrate index %q, available: 0x01=10400 0x02=20000 0x03=40000 0x04=60000 0x05=120000", opts.desiredBaudrate)
		}
		desiredBaudIndex = byte(index)
	}

	if err := f.Begin(desiredBaudIndex); err != nil {
		return err
	}

	if err := identify(f); err != nil {
		return err
	}

	if calibration, err := f.ECU().Calibration(); err == nil {
		description, _ := f.ECU().CalibrationDescription()
		logrus.WithFields(logrus.Fields{"description": description, "calibration": calibration}).Info("calibration found")
	} else {
		logrus.Warn("failed to read the calibration identifier, continuing")
	}

	if opts.id {
		printIdentification(f)
	}

	if opts.read || opts.readCalibration || opts.readProgram {
		if err := runReads(f); err != nil {
			return err
		}
	}

	if err := runFlashes(f); err != nil {
		return err
	}

	if opts.clearAdaptiveValues {
		logrus.Info("clearing adaptive values")
		if err := f.ClearAdaptiveValues(); err != nil {
			return err
		}
		logrus.Info("done, turn off ignition for 10 seconds to apply changes")
	}

	if opts.immo {
		if err := printImmoInfo(f); err != nil {
			return err
		}
	}

	if opts.logger {
		out := opts.output
		if out == "" {
			out = fmt.Sprintf("log_%s.csv", time.Now().Format("2006-01-02_1504"))
		}
		if err := f.DataLogger(flasher.DefaultDataSources, out, 100*time.Millisecond); err != nil {
			return err
		}
	}

	container.Wait()
	return nil
}

func identify(f *flasher.Flasher) error {
	if opts.variant >= 0 {
		bound, err := f.BindVariant(opts.variant)
		if err != nil {
			return err
		}
		logrus.WithField("variant", bound.Name).Warn("variant forced, skipping identification")
		return nil
	}

	_, err := f.Identify()
	if err == nil {
		return nil
	}
	if err == ecu.ErrIdentificationFailed {
		fmt.Fprintln(os.Stderr, "Failed to identify the ECU. If you know what you're doing (like reviving a soft-bricked unit), rerun with --variant N:")
		for index, variant := range ecu.IdentificationTable {
			fmt.Fprintf(os.Stderr, "    [%d] %s\n", index, variant.Name)
		}
	}
	return err
}

func runReads(f *flasher.Flasher) error {
	readOptions := flasher.ReadOptions{OutputPath: opts.output}
	switch {
	case opts.readCalibration:
		readOptions.Kind = flasher.ZoneCalibration
	case opts.readProgram:
		readOptions.Kind = flasher.ZoneProgram
	default:
		readOptions.Kind = flasher.ZoneFull
		readOptions.EscalatePrivileges = true
	}

	if opts.addressStart != "" {
		start, err := parseNumber(opts.addressStart)
		if err != nil {
			return fmt.Errorf("invalid --address-start: %w", err)
		}
		readOptions.AddressStart = uint32(start)
	}
	if opts.addressStop != "" {
		stop, err := parseNumber(opts.addressStop)
		if err != nil {
			return fmt.Errorf("invalid --address-stop: %w", err)
		}
		readOptions.AddressStop = uint32(stop)
	}

	path, err := f.ReadZone(readOptions)
	if err != nil {
		return err
	}
	logrus.WithField("path", path).Info("read finished")
	return nil
}

func runFlashes(f *flasher.Flasher) error {
	type job struct {
		path    string
		options flasher.FlashOptions
	}
	var jobs []job
	if opts.flash != "" {
		jobs = append(jobs, job{opts.flash, flasher.FlashOptions{Calibration: true, Program: true}})
	}
	if opts.flashCalibration != "" {
		jobs = append(jobs, job{opts.flashCalibration, flasher.FlashOptions{Calibration: true}})
	}
	if opts.flashProgram != "" {
		jobs = append(jobs, job{opts.flashProgram, flasher.FlashOptions{Program: true}})
	}

	for _, j := range jobs {
		if err := f.FlashImage(j.path, j.options); err != nil {
			return err
		}
	}
	return nil
}

func printIdentification(f *flasher.Flasher) {
	values, err := ecu.FetchIdentification(f.Bus())
	if err != nil {
		logrus.WithError(err).Warn("identification read incomplete")
	}
	for _, value := range values {
		fmt.Printf("    [0x%02X] %s:\n", value.Parameter.Value, value.Parameter.Name)
		fmt.Printf("        [HEX]: % X\n", value.Value)
		fmt.Printf("        [ASCII]: %s\n", printableASCII(value.Value))
	}
}

func printableASCII(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 0x20 && b < 0x7F {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// watchInterrupt turns the first interrupt into a cooperative cancel; a
// second one kills the process.
func watchInterrupt(f *flasher.Flasher) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logrus.Warn("interrupt, finishing the current sub-request")
		f.Cancel.Cancel()
		<-signals
		os.Exit(130)
	}()
}

// dumpBufferOnError prints the transport's raw packet ring on panics so
// wire-level failures can be reproduced from the log.
func dumpBufferOnError(f *flasher.Flasher) {
	if r := recover(); r != nil {
		for _, packet := range f.Bus().Transport().BufferDump() {
			direction := "outgoing"
			if packet.Direction == kwp2000.PacketIncoming {
				direction = "incoming"
			}
			logrus.WithFields(logrus.Fields{
				"direction": direction,
				"ts":        packet.Timestamp.Format(time.RFC3339Nano),
			}).Errorf("% X", packet.Data)
		}
		panic(r)
	}
}
