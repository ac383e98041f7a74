package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/hyperload/internal/board"
	"github.com/bigbag/hyperload/internal/detect"
	"github.com/bigbag/hyperload/internal/flasher"
	"github.com/bigbag/hyperload/internal/image"
	"github.com/bigbag/hyperload/internal/protocol"
	"github.com/bigbag/hyperload/internal/serial"
	"github.com/bigbag/hyperload/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag      string
	baudFlag      int
	resetFlag     bool
	consoleFlag   bool
	verboseFlag   bool
	buttonFlag    bool
	preloadFlag   string
	flashFileFlag string
	onceFlag      bool
)

var log = logrus.New()

func main() {
	rootCmd := &cobra.Command{
		Use:   "hyperload",
		Short: "Flash applications to LPC40xx boards running the Hyperload bootloader",
		Long: `Hyperload is a serial flasher for LPC40xx boards running the Hyperload
bootloader. The image is written above the 64 KiB bootloader region, starting
at 0x00010000.

Images can be raw binaries linked at 0x00010000 or Intel HEX files.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verboseFlag {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.bin|image.hex>",
		Short: "Flash an application image to the device",
		Long: `Flash an application image to the device.

The board is reset through DTR/RTS, the link is negotiated up to --baud and
the image is sent in 4 KiB blocks. The device may settle on a nearby standard
rate when the requested one cannot be generated exactly.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate for the transfer")
	flashCmd.Flags().BoolVar(&resetFlag, "reset", true, "Reset the board through DTR/RTS before connecting")
	flashCmd.Flags().BoolVar(&consoleFlag, "console", true, "Show the bootloader console after flashing")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Detect boards running the Hyperload bootloader without touching flash.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")

	// Simulate command
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated board on a pseudo-terminal",
		Long: `Run the bootloader against simulated flash on a pseudo-terminal.

Point the flash command at the printed device with --reset=false. The board
power-cycles after every boot so a flasher can connect at any time.`,
		RunE: runSimulate,
	}
	simulateCmd.Flags().BoolVar(&buttonFlag, "button", false, "Hold the diagnostic button")
	simulateCmd.Flags().StringVar(&preloadFlag, "preload", "", "Application image to place in flash before the first boot")
	simulateCmd.Flags().StringVar(&flashFileFlag, "flash-file", "", "File that keeps the flash contents between runs")
	simulateCmd.Flags().BoolVar(&onceFlag, "once", false, "Boot once and exit")

	// Convert command
	convertCmd := &cobra.Command{
		Use:   "convert <image> <out.hex>",
		Short: "Convert an application image to Intel HEX",
		Args:  cobra.ExactArgs(2),
		RunE:  runConvert,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hyperload %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, infoCmd, simulateCmd, convertCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runFlash(cmd *cobra.Command, args []string) error {
	img, err := image.Load(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to load image")
	}

	fmt.Printf("Image: %s (%d bytes, %d blocks)\n", args[0], img.Len(), img.Blocks())
	if !img.Bootable() {
		fmt.Println("Warning: image has an erased reset vector, the bootloader will not start it")
	}

	// Find or use specified port
	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(detect.DefaultTimeout)
		if err != nil {
			return errors.Wrap(err, "device detection failed")
		}
		portName = result.Port
		fmt.Printf("Found Hyperload on %s\n", result.Port)
	}

	// The bootloader always starts at the console rate
	port, err := serial.Open(portName, protocol.DefaultBaudRate)
	if err != nil {
		return errors.Wrap(err, "failed to open port")
	}
	defer port.Close()

	bar := progressbar.NewOptions(img.Blocks(),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	f := flasher.New(port,
		flasher.WithLogger(log),
		flasher.WithReset(resetFlag),
		flasher.WithProgress(func(current, total int) {
			bar.Set(current)
		}),
	)

	fmt.Println("Connecting to bootloader...")
	desc, err := f.Connect(baudFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Connected: %s, %d KiB flash, %d baud\n", desc.Chip, desc.FlashSizeKiB, f.BaudRate())

	start := time.Now()
	if err := f.FlashImage(img.Data); err != nil {
		return err
	}
	bar.Finish()

	stats := f.Stats()
	fmt.Printf("\nFlash complete in %s", time.Since(start).Round(time.Millisecond))
	if stats.ChecksumRetries > 0 || stats.FlashErrors > 0 {
		fmt.Printf(" (%d resent blocks, %d flash retries)", stats.ChecksumRetries, stats.FlashErrors)
	}
	fmt.Println()

	if consoleFlag {
		lines, err := f.ReadConsole(time.Second)
		if err != nil {
			fmt.Printf("Warning: console read failed: %v\n", err)
		}
		for _, l := range lines {
			fmt.Printf("  | %s\n", l)
		}
	}

	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if portFlag != "" {
		result, err := detect.DetectOnPort(portFlag, detect.DefaultTimeout)
		if err != nil {
			return errors.Wrapf(err, "failed to detect device on %s", portFlag)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for Hyperload devices...")
	devices, err := detect.ListDevices(detect.DefaultTimeout)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No Hyperload devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:       %s\n", d.Port)
	fmt.Printf("  Bootloader: Hyperload\n")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b := board.New(board.WithLogger(log), board.WithButton(buttonFlag))
	if flashFileFlag != "" {
		if err := b.LoadFlash(flashFileFlag); err != nil {
			return err
		}
	}
	if preloadFlag != "" {
		img, err := image.Load(preloadFlag)
		if err != nil {
			return errors.Wrap(err, "failed to load preload image")
		}
		if err := b.Preload(img.Data); err != nil {
			return err
		}
	}

	pty, err := serial.OpenPty()
	if err != nil {
		return errors.Wrap(err, "failed to open pseudo-terminal")
	}
	link := transport.NewStream(pty, transport.WithBaudHook(func(baud int) error {
		log.WithField("baud", baud).Debug("Simulated UART rate changed")
		return nil
	}))
	defer link.Close()

	partID, bootCode, err := b.Identify()
	if err != nil {
		return err
	}
	fmt.Printf("Simulated LPC4078 (part 0x%08X, boot code %s) on %s\n", partID, bootCode, pty.Name())
	fmt.Printf("Flash with: hyperload flash --reset=false -p %s <image>\n", pty.Name())

	go func() {
		<-ctx.Done()
		link.Close()
	}()

	for ctx.Err() == nil {
		out := b.Run(link)
		fields := logrus.Fields{"decision": out.Decision}
		if out.Update != nil {
			fields["sectors"] = out.Update.Sectors
			fields["blocks"] = out.Update.Blocks
		}
		log.WithFields(fields).Info("Boot finished")

		if flashFileFlag != "" {
			if err := b.SaveFlash(flashFileFlag); err != nil {
				log.WithError(err).Error("Failed to save flash")
			}
		}
		if onceFlag {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	img, err := image.Load(args[0])
	if err != nil {
		return err
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	if err := img.WriteHex(out); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to write %s", args[1])
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (%d bytes at 0x%08X)\n", args[1], img.Len(), img.Base)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
