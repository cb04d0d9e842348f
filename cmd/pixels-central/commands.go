package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/dataset"
	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

var (
	scanTimeout   time.Duration
	scanRaw       bool
	animFace      int
	animLoop      bool
	animEvent     bool
	flashCount    int
	flashColor    string
	testAnimIndex int
	telemetryFor  time.Duration
)

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "scan duration (default: connection.scan_timeout)")
	scanCmd.Flags().BoolVar(&scanRaw, "raw", false, "list advertisements as received, without tracking or remembering dice")

	playCmd.Flags().IntVar(&animFace, "face", 0, "face to remap the animation to")
	playCmd.Flags().BoolVar(&animLoop, "loop", false, "loop the animation")
	playCmd.Flags().BoolVar(&animEvent, "event", false, "treat the argument as an animation event, not an index")
	stopCmd.Flags().IntVar(&animFace, "face", 0, "face the animation was remapped to")

	flashCmd.Flags().IntVar(&flashCount, "count", 2, "number of flashes")
	flashCmd.Flags().StringVar(&flashColor, "color", "ffffff", "flash color as RRGGBB")

	uploadCmd.Flags().IntVar(&testAnimIndex, "test", -1, "play this animation from the file instead of uploading the whole set")

	telemetryCmd.Flags().DurationVar(&telemetryFor, "duration", 0, "stop after this long (default: until interrupted)")

	settingsCmd.AddCommand(settingsGetCmd, settingsPutCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for dice in range",
	Example: `  # Scan for the configured scan_timeout
  pixels-central scan

  # Longer scan
  pixels-central scan --timeout 15s

  # Show every advertisement without adding dice to the store
  pixels-central scan --raw`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	timeout := scanTimeout
	if timeout <= 0 {
		timeout = a.cfg.Connection.ScanTimeout
	}
	fmt.Printf("Scanning for dice (timeout: %s)...\n\n", timeout)
	if scanRaw {
		return runRawScan(cmd.Context(), a, timeout)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	seen := make(map[*die.Session]bool)
	var mu syncutil.Mutex
	h := a.pool.BeginScanForDice(func(s *die.Session) {
		mu.Lock()
		seen[s] = true
		mu.Unlock()
	})
	<-ctx.Done()
	a.pool.StopScanForDice(h)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		fmt.Println("No dice found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Pick the die up to wake it")
		fmt.Println("  - Check that no other app is connected to it")
		fmt.Println("  - Try increasing --timeout")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tFACES\tBATTERY\tRSSI\tROLL")
	for _, s := range a.pool.Dice() {
		if !seen[s] {
			continue
		}
		info := s.Info()
		fmt.Fprintf(tw, "%08x\t%s\t%s\t%d\t%s\t%d\t%s %d\n",
			info.DeviceID, info.Name, info.Address, info.FaceCount,
			battery(info.BatteryLevel), info.RSSI, info.Roll.State, info.Roll.Face)
	}
	return tw.Flush()
}

// runRawScan lists what the radio hears. Nothing is added to the pool.
func runRawScan(ctx context.Context, a *app, timeout time.Duration) error {
	devices, err := ble.ScanForDevices(ctx, a.adapter, a.cfg.BLE.ServiceUUID, timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No advertisements received.")
		return nil
	}
	return printDevices(os.Stdout, devices)
}

func printDevices(w io.Writer, devices []ble.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tID\tFACES\tBATTERY\tROLL")
	for _, d := range devices {
		adv, err := ble.ParseAdvertisement(d.ManufacturerData)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%d\t-\t-\t-\t%d bytes, not a die\n", d.Address, d.Name, d.RSSI, len(d.ManufacturerData))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%08x\t%d\t%s\t%s %d\n",
			d.Address, d.Name, d.RSSI, adv.DeviceID, adv.FaceCount,
			battery(adv.BatteryLevel), adv.RollState, adv.CurrentFace)
	}
	return tw.Flush()
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify a die and print what it reports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			info, err := s.GetDieInfo(ctx)
			if err != nil {
				return err
			}
			if _, err := s.GetBatteryLevel(ctx); err == nil {
				info = s.Info()
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		})
	},
}

var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Print a die's battery level",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			level, err := s.GetBatteryLevel(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", s, battery(level))
			return nil
		})
	},
}

var rssiCmd = &cobra.Command{
	Use:   "rssi",
	Short: "Print the signal strength the die measures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			rssi, err := s.GetRSSI(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d dBm\n", s, rssi)
			return nil
		})
	},
}

var playCmd = &cobra.Command{
	Use:   "play <index>",
	Short: "Play an animation stored on the die",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("animation %q: %w", args[0], err)
		}
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			if animEvent {
				return s.PlayAnimationEvent(ctx, n, animFace, animLoop)
			}
			return s.PlayAnimation(ctx, n, animFace, animLoop)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <index>",
	Short: "Stop an animation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("animation %q: %w", args[0], err)
		}
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			return s.StopAnimation(ctx, n, animFace)
		})
	},
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Blink a die to find it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		color, err := parseColor(flashColor)
		if err != nil {
			return err
		}
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			return s.Flash(ctx, flashCount, color)
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Change the name a die advertises",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			if err := s.Rename(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("renamed to %q\n", s.Info().Name)
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <dataset.yaml>",
	Short: "Upload an animation set, or test one animation from it",
	Example: `  # Replace the die's animations and behaviors
  pixels-central upload -d "Blue D20" profile.yaml

  # Preview animation 3 without replacing anything
  pixels-central upload -d "Blue D20" profile.yaml --test 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := dataset.Load(args[0])
		if err != nil {
			return err
		}
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			if testAnimIndex >= 0 {
				return s.PlayTestAnimation(ctx, set, testAnimIndex, printProgress)
			}
			log.Info().Int("bytes", set.Size()).Str("hash", fmt.Sprintf("%08x", set.Hash())).Msg("uploading data set")
			return s.UploadDataSet(ctx, set, printProgress)
		})
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or write the die's settings blob",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <file>",
	Short: "Download the settings to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			data, err := s.DownloadSettings(ctx)
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], data, 0o644)
		})
	},
}

var settingsPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Upload a settings file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			return s.UploadSettings(ctx, data, printProgress)
		})
	},
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Stream accelerometer frames",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDie(cmd, func(ctx context.Context, s *die.Session) error {
			if telemetryFor > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, telemetryFor)
				defer cancel()
			}
			h, err := s.SubscribeTelemetry(ctx, func(f protocol.AccelFrame) {
				fmt.Printf("%6d %6d %6d  dt=%dms\n", f.X, f.Y, f.Z, f.DeltaTime)
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			// the command context is done; unsubscribe on a fresh one
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return s.UnsubscribeTelemetry(stopCtx, h)
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Stop remembering a die",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if dieFlag == "" {
			return fmt.Errorf("forget needs --die")
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		s, ok := a.pool.Find(selectDie(dieFlag))
		if !ok {
			return fmt.Errorf("%w: %q", errDieNotFound, dieFlag)
		}
		return a.pool.ForgetDie(s)
	},
}

func battery(level float32) string {
	if level < 0 {
		return "?"
	}
	return fmt.Sprintf("%.0f%%", level*100)
}
