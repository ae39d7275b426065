// huddle-chat is a minimal terminal participant: chat, file receiving and
// peer presence over the relay client library. Capture and rendering stay
// out; this is the relay exercised end to end from a shell.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/akosyrev/huddle/internal/client"
)

func main() {
	serverHost := pflag.String("server", "127.0.0.1", "relay host")
	name := pflag.String("name", "guest", "display name")
	downloadDir := pflag.String("downloads", ".", "directory for received files")
	pflag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	c, err := client.Dial(client.Config{
		ServerHost: *serverHost,
		Save: func(transferID, filename string, data []byte) error {
			path := filepath.Join(*downloadDir, filepath.Base(filename))
			return os.WriteFile(path, data, 0o644)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Join(*name); err != nil {
		fmt.Fprintln(os.Stderr, "join:", err)
		os.Exit(1)
	}
	fmt.Printf("joined as %s\n", c.Name())

	go printEvents(c)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/send "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/send "))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read:", err)
				continue
			}
			id, err := c.SendFile(filepath.Base(path), data)
			if err != nil {
				fmt.Fprintln(os.Stderr, "send:", err)
				continue
			}
			fmt.Printf("sending %s (%d bytes, transfer %s)\n", path, len(data), id)
		default:
			if err := c.SendChat(line); err != nil {
				fmt.Fprintln(os.Stderr, "chat:", err)
				return
			}
		}
	}
}

func printEvents(c *client.Client) {
	for e := range c.Events() {
		switch ev := e.(type) {
		case client.ChatReceived:
			fmt.Printf("<%s> %s\n", ev.User, ev.Msg)
		case client.PeerJoined:
			fmt.Printf("* %s joined\n", ev.Name)
		case client.PeerLeft:
			fmt.Printf("* %s left\n", ev.Name)
		case client.FileOffered:
			fmt.Printf("* %s is sending %s (%d bytes)\n", ev.User, ev.Filename, ev.Size)
		case client.TransferComplete:
			fmt.Printf("* received %s (%d bytes)\n", ev.Filename, ev.Size)
		case client.ScreenStarted:
			fmt.Printf("* %s started screen share\n", ev.User)
		case client.ScreenStopped:
			fmt.Printf("* %s stopped screen share\n", ev.User)
		case client.Disconnected:
			fmt.Println("* server unreachable")
			os.Exit(1)
		}
	}
}
