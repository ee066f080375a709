package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Atomregen/startAmpelBLE/pkg/device"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <intent> [key=value...] | send '<json>'",
	Short: "Connect, send one command and disconnect",
	Long: `Send a single command to the device. The command is either a JSON
object with an "intent" field or an intent kind followed by key=value
fields, e.g.

  ampel send manualStart duration=120 preDelay=10 randomize=true
  ampel send setText text="Heat 3"
  ampel send requestSettings`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().Duration("timeout", 30*time.Second, "Overall timeout")
	sendCmd.Flags().Bool("wait-status", false, "Print the next device status line before exiting")
}

// intentJSON turns command-line arguments into the JSON form DecodeIntent
// accepts. Values that parse as numbers or booleans are sent as such.
func intentJSON(args []string) ([]byte, error) {
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		return []byte(args[0]), nil
	}
	obj := map[string]any{"intent": args[0]}
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", kv)
		}
		v = strings.Trim(v, `"`)
		if i, err := strconv.Atoi(v); err == nil {
			obj[k] = i
		} else if b, err := strconv.ParseBool(v); err == nil {
			obj[k] = b
		} else {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

func runSend(cmd *cobra.Command, args []string) error {
	raw, err := intentJSON(args)
	if err != nil {
		return err
	}
	in, err := protocol.DecodeIntent(raw)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.newController(false); err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := a.ctl.Connect(ctx); err != nil {
		return err
	}
	events, unsubscribe := a.ctl.Subscribe()
	defer unsubscribe()

	if _, ok := in.(protocol.RequestSettings); ok {
		st, err := a.ctl.RefreshSettings(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}
	if err := a.ctl.Send(ctx, in); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", in.Kind())

	if wait, _ := cmd.Flags().GetBool("wait-status"); wait {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Type == device.EventNotification {
					fmt.Fprintf(cmd.OutOrStdout(), "device: %s\n", ev.Data)
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
