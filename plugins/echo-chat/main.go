// Command echo-chat demonstrates passthrough: its echo_chat function keeps
// the session, so every following user utterance arrives here as input until
// the user says "exit".
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/tether/sdk/plugin"
)

func main() {
	d := plugin.New(plugin.Info{
		Name:        "echo-chat",
		Version:     "1.0.0",
		Description: "Echoes conversational input until told to exit",
	})
	d.Register("echo_chat", startChat)
	d.OnInput(echoTurn)

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "echo-chat: %v\n", err)
		os.Exit(1)
	}
}

func startChat(c *plugin.Call) (string, error) {
	greeting := "echo chat started, say \"exit\" to stop"
	if v, ok := c.Arguments["greeting"].(string); ok && v != "" {
		greeting = v
	}
	c.EmitStream(greeting)
	c.SetKeepSession(true)
	return "", nil
}

func echoTurn(c *plugin.Call, content string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(content), "exit") {
		return "goodbye", nil
	}
	c.EmitStream("echo: " + content)
	c.SetKeepSession(true)
	return "", nil
}
