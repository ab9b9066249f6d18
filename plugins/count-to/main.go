// Command count-to is the protocol's canonical demo plugin: it streams the
// numbers 1..n one chunk at a time, then completes with "done". The optional
// delay between chunks makes streaming visible from a terminal.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/tether/sdk/plugin"
)

const (
	defaultCount = 5
	maxCount     = 10000
	defaultDelay = 25 * time.Millisecond
)

func main() {
	d := plugin.New(plugin.Info{
		Name:        "count-to",
		Version:     "1.0.0",
		Description: "Streams a slow count",
	})
	d.Register("count_to", countTo)

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "count-to: %v\n", err)
		os.Exit(1)
	}
}

func countTo(c *plugin.Call) (string, error) {
	n, delay, err := parseCountArgs(c.Arguments)
	if err != nil {
		return "", err
	}
	for i := 1; i <= n; i++ {
		c.EmitStream(strconv.Itoa(i))
		if delay > 0 && i < n {
			time.Sleep(delay)
		}
	}
	return "done", nil
}

// parseCountArgs reads number and delay_ms out of the free-form argument map.
// JSON numbers arrive as float64.
func parseCountArgs(args map[string]any) (n int, delay time.Duration, err error) {
	n, delay = defaultCount, defaultDelay
	if v, ok := args["number"]; ok {
		f, ok := v.(float64)
		if !ok {
			return 0, 0, fmt.Errorf("number must be numeric, got %T", v)
		}
		n = int(f)
	}
	if n < 1 || n > maxCount {
		return 0, 0, fmt.Errorf("number must be between 1 and %d", maxCount)
	}
	if v, ok := args["delay_ms"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return 0, 0, fmt.Errorf("delay_ms must be a non-negative number")
		}
		delay = time.Duration(f) * time.Millisecond
	}
	return n, delay, nil
}
