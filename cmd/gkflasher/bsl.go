package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/Dante383/GKFlasher/internal/bsl"
	"github.com/Dante383/GKFlasher/internal/flasher"
	"github.com/Dante383/GKFlasher/pkg/hardware"
)

type bslOptions struct {
	port     string
	baudrate int
	variant  string
	assets   string
}

func bslSession(o *bslOptions) (*flasher.BslSession, *mpb.Progress, error) {
	hw := hardware.NewKLineHardware(o.port, o.baudrate)
	if err := hw.Open(); err != nil {
		return nil, nil, err
	}
	hw.SetTimeout(3 * time.Second)

	assets := bsl.DefaultAssets
	if o.assets != "" {
		assets = bsl.Assets{
			Bootstrap: o.assets + "/simk4x_bootstrap.bin",
			Kernel:    o.assets + "/simk4x_kernel.bin",
			DriverV6:  o.assets + "/simk4x_driver_v6_a29fx00bx.bin",
			DriverI4:  o.assets + "/simk4x_driver_i4_a29fx00bx.bin",
		}
	}

	var variant bsl.TargetVariant
	switch o.variant {
	case "", "auto":
		variant = bsl.VariantAuto
	case "simk4x_v6", "v6":
		variant = bsl.VariantV6
	case "simk4x_i4", "i4":
		variant = bsl.VariantI4
	default:
		return nil, nil, fmt.Errorf("unknown ECU type %q, expected simk4x_v6 or simk4x_i4", o.variant)
	}

	session := flasher.NewBslSession(hw, assets, variant)
	container := mpb.New(mpb.WithWidth(64))
	session.Sinks = newSinkFactory(container)
	return session, container, nil
}

// bslCommand exposes the bootstrap loader recovery path: hardware info,
// internal ROM and external flash reads, and external flash writes.
func bslCommand() *cobra.Command {
	o := &bslOptions{}

	cmd := &cobra.Command{
		Use:   "bsl",
		Short: "Bootstrap loader operations (last-resort recovery over raw serial)",
	}
	persistent := cmd.PersistentFlags()
	persistent.StringVar(&o.port, "port", "/dev/ttyUSB0", "serial port with the KKL adapter")
	persistent.IntVar(&o.baudrate, "baudrate", 57600, "BSL baudrate (9600-57600)")
	persistent.StringVar(&o.variant, "ecu-type", "", "simk4x_v6 or simk4x_i4, empty for autodetect")
	persistent.StringVar(&o.assets, "assets", "", "directory holding the loader binaries")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "hwinfo",
			Short: "Boot the kernel and identify the flash chip",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				session, container, err := bslSession(o)
				if err != nil {
					return err
				}
				chip, err := session.HwInfo()
				if err != nil {
					return err
				}
				container.Wait()
				fmt.Printf("Manufacturer: %s\nChip: %s\nSize: 0x%X\nBoot sector: %s\n",
					bsl.ManufacturerName(chip.ManufacturerID), chip.Name, chip.SizeBytes, chip.BootSector)
				return nil
			},
		},
		&cobra.Command{
			Use:   "readint <size> [filename]",
			Short: "Read the internal ROM",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				size, err := strconv.ParseUint(args[0], 0, 32)
				if err != nil {
					return err
				}
				out := "intRom.bin"
				if len(args) > 1 {
					out = args[1]
				}
				session, container, err := bslSession(o)
				if err != nil {
					return err
				}
				if err := session.ReadIntRom(int(size), out); err != nil {
					return err
				}
				container.Wait()
				return nil
			},
		},
		&cobra.Command{
			Use:   "readextflash [size] [filename]",
			Short: "Read the external flash (size defaults to the detected chip)",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				size := uint64(0)
				if len(args) > 0 {
					var err error
					size, err = strconv.ParseUint(args[0], 0, 32)
					if err != nil {
						return err
					}
				}
				out := "extFlash.bin"
				if len(args) > 1 {
					out = args[1]
				}
				session, container, err := bslSession(o)
				if err != nil {
					return err
				}
				if err := session.ReadExtFlash(int(size), out); err != nil {
					return err
				}
				container.Wait()
				return nil
			},
		},
		&cobra.Command{
			Use:   "writeextflash <filename>",
			Short: "Erase and program the external flash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				session, container, err := bslSession(o)
				if err != nil {
					return err
				}
				if err := session.WriteExtFlash(args[0]); err != nil {
					return err
				}
				container.Wait()
				logrus.Info("external flash written")
				return nil
			},
		},
	)
	return cmd
}
