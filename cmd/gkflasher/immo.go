package main

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Dante383/GKFlasher/internal/flasher"
	"github.com/Dante383/GKFlasher/internal/immo"
)

func printImmoInfo(f *flasher.Flasher) error {
	info, err := immo.Query(f.Bus(), f.BaudIndex())
	if err == immo.ErrImmoDisabled {
		logrus.Info("immobilizer seems to be disabled")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Immo keys learnt: %d\n", info.KeysLearnt)
	fmt.Printf("Immo ECU status: %s\n", info.ECUStatus)
	fmt.Printf("Immo key status: %s\n", info.KeyStatus)
	if info.SmartraStatus != nil {
		fmt.Printf("Smartra status: %s\n", *info.SmartraStatus)
	}
	return nil
}

// withSession opens the bus and brings up a session for an immobilizer
// action.
func withSession(action func(f *flasher.Flasher) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := initializeBus(cfg)
	if err != nil {
		return err
	}
	f := flasher.New(bus)
	defer f.Close()
	watchInterrupt(f)

	if err := f.Begin(0); err != nil {
		return err
	}
	return action(f)
}

func parsePin(value string) (uint32, error) {
	pin, err := strconv.ParseUint(value, 10, 32)
	if err != nil || pin > 999999 {
		return 0, fmt.Errorf("expected a 6 digit pin, got %q", value)
	}
	return uint32(pin), nil
}

func parsePassword(value string) (uint16, error) {
	password, err := strconv.ParseUint(value, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("expected a 4 digit password, got %q", value)
	}
	return uint16(password), nil
}

// immoCommand groups the immobilizer flows: query, limp home, reset, key
// teaching, SMARTRA neutralization and the VIN-to-pin calculator.
func immoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "immo",
		Short: "Immobilizer operations",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Query immobilizer status",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withSession(printImmoInfo)
			},
		},
		&cobra.Command{
			Use:   "limp-home <password>",
			Short: "Activate limp home mode (default password: 2345)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				password, err := parsePassword(args[0])
				if err != nil {
					return err
				}
				return withSession(func(f *flasher.Flasher) error {
					return immo.LimpHome(f.Bus(), f.BaudIndex(), password)
				})
			},
		},
		&cobra.Command{
			Use:   "reset <pin>",
			Short: "Reset the immobilizer to virgin state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pin, err := parsePin(args[0])
				if err != nil {
					return err
				}
				return withSession(func(f *flasher.Flasher) error {
					if err := immo.Reset(f.Bus(), f.BaudIndex(), pin); err != nil {
						return err
					}
					logrus.Info("immobilizer reset, turn ignition off for 10 seconds")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "teach-keys <pin> <count>",
			Short: "Teach 1-4 immobilizer keys",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				pin, err := parsePin(args[0])
				if err != nil {
					return err
				}
				count, err := strconv.Atoi(args[1])
				if err != nil {
					return err
				}
				return withSession(func(f *flasher.Flasher) error {
					if err := immo.TeachKeys(f.Bus(), f.BaudIndex(), pin, count); err != nil {
						return err
					}
					logrus.Info("done, turn ignition off for 10 seconds")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "neutralize <pin>",
			Short: "Neutralize the SMARTRA unit",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pin, err := parsePin(args[0])
				if err != nil {
					return err
				}
				return withSession(func(f *flasher.Flasher) error {
					if err := immo.SmartraNeutralize(f.Bus(), f.BaudIndex(), pin); err != nil {
						return err
					}
					logrus.Info("SMARTRA neutralized, turn ignition off for 5 seconds")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "teach-password <current> <new>",
			Short: "Set a new limp home password",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				current, err := parsePassword(args[0])
				if err != nil {
					return err
				}
				next, err := parsePassword(args[1])
				if err != nil {
					return err
				}
				return withSession(func(f *flasher.Flasher) error {
					return immo.TeachLimpHomePassword(f.Bus(), f.BaudIndex(), current, next)
				})
			},
		},
		&cobra.Command{
			Use:   "read-vin",
			Short: "Read the VIN",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withSession(func(f *flasher.Flasher) error {
					vin, err := f.ReadVIN()
					if err != nil {
						return err
					}
					fmt.Println(vin)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "write-vin <vin>",
			Short: "Write a new VIN (no validation)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(func(f *flasher.Flasher) error {
					if err := f.WriteVIN(args[0]); err != nil {
						return err
					}
					logrus.Info("VIN changed, turn ignition off for 5 seconds")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "vin-to-pin <vin>",
			Short: "Calculate the SMARTRA2 pin from a VIN (offline)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				last6, ok := immo.Last6Digits(args[0])
				if !ok {
					return fmt.Errorf("the last 6 characters of %q are not digits", args[0])
				}
				fmt.Printf("Your immo pin should be: %06d\n", immo.CalculatePin(last6))
				fmt.Println("Applies to SMARTRA2; 2007+ models with SMARTRA3 use a different algorithm.")
				return nil
			},
		},
	)
	return cmd
}
